package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/noteboard/noteboard/internal/idgen"
	"github.com/noteboard/noteboard/internal/protocol"
	"github.com/noteboard/noteboard/pkg/coordinator"
	"github.com/noteboard/noteboard/pkg/database"
	"github.com/noteboard/noteboard/pkg/logger"
)

type createNoteRequest struct {
	Syntax           string `json:"syntax"`
	IsEncrypted      bool   `json:"is_encrypted"`
	MaxViews         *int   `json:"max_views"`
	ExpiresInSeconds *int64 `json:"expires_in_seconds"`
}

type createNoteResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	OTP     string `json:"otp,omitempty"`
}

// handleCreate mints a fresh note id and row. If is_encrypted is set, a
// one-time password is generated and returned exactly once — the server
// never stores it in cleartext in any response again.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Syntax == "" {
		req.Syntax = "plaintext"
	}
	if !protocol.AllowedSyntaxes[req.Syntax] {
		http.Error(w, "unknown syntax", http.StatusBadRequest)
		return
	}

	id, err := idgen.Generate(s.db.Exists)
	if err != nil {
		logger.Error("generate note id", err, nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	note := &database.Note{ID: id, Syntax: req.Syntax, IsEncrypted: req.IsEncrypted, MaxViews: req.MaxViews}

	var otp string
	if req.IsEncrypted {
		otp = generateOTP()
		note.OTP = &otp
	}
	if req.ExpiresInSeconds != nil {
		exp := now.Unix() + *req.ExpiresInSeconds
		note.ExpiresAt = &exp
	}

	if err := s.db.Create(note, now.Unix()); err != nil {
		logger.Error("create note", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createNoteResponse{ID: id, Version: note.Version, OTP: otp})
}

type noteResponse struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Syntax      string `json:"syntax"`
	IsEncrypted bool   `json:"is_encrypted"`
	ViewCount   int    `json:"view_count"`
	MaxViews    *int   `json:"max_views,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
	Version     int    `json:"version"`
	IsLastView  bool   `json:"is_last_view,omitempty"`
}

// handleGet returns a note's metadata and content, enforcing the OTP gate
// on encrypted notes and the view budget when one is configured.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	note, err := s.db.Get(id)
	if err == database.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("load note", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if note.IsEncrypted {
		if note.OTP == nil || r.URL.Query().Get("otp") != *note.OTP {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	content := note.Content
	syntax := note.Syntax
	if c, ok := s.registry.Peek(id); ok {
		content, syntax, _ = c.Snapshot()
	}

	now := time.Now().Unix()
	viewCount, err := s.db.Touch(id, now)
	if err != nil {
		logger.Error("touch note", err, logger.Fields{"note_id": id})
	}

	isLastView := note.MaxViews != nil && viewCount >= *note.MaxViews
	writeJSON(w, http.StatusOK, noteResponse{
		ID: id, Content: content, Syntax: syntax, IsEncrypted: note.IsEncrypted,
		ViewCount: viewCount, MaxViews: note.MaxViews, ExpiresAt: note.ExpiresAt,
		Version: note.Version, IsLastView: isLastView,
	})

	if isLastView {
		s.registry.Evict(id, coordinator.CloseNoteExpired)
		if err := s.db.Delete(id); err != nil {
			logger.Error("delete view-exhausted note", err, logger.Fields{"note_id": id})
		}
	}
}

type putNoteRequest struct {
	Content          *string `json:"content"`
	Syntax           *string `json:"syntax"`
	MaxViews         *int    `json:"max_views"`
	ExpiresInSeconds *int64  `json:"expires_in_seconds"`
	ExpectedVersion  *int    `json:"expected_version"`
}

// handlePut applies a non-realtime edit to a note's content/syntax/options.
// Optimistic concurrency via expected_version is enforced for plaintext
// notes (409 on mismatch); it is skipped for encrypted notes, whose real-time
// sync is disabled client-side. The final write is still version-checked, so
// a concurrent writer can make it return 409 for either kind of note.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req putNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	existing, err := s.db.Get(id)
	if err == database.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("load note for put", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if !existing.IsEncrypted {
		if req.ExpectedVersion == nil || *req.ExpectedVersion != existing.Version {
			http.Error(w, "version conflict", http.StatusConflict)
			return
		}
	}

	if req.Content != nil {
		existing.Content = *req.Content
		existing.CRDTState = nil
	}
	if req.Syntax != nil {
		if !protocol.AllowedSyntaxes[*req.Syntax] {
			http.Error(w, "unknown syntax", http.StatusBadRequest)
			return
		}
		existing.Syntax = *req.Syntax
	}
	if req.MaxViews != nil {
		existing.MaxViews = req.MaxViews
		existing.ViewCount = 0
	}
	if req.ExpiresInSeconds != nil {
		exp := time.Now().Unix() + *req.ExpiresInSeconds
		existing.ExpiresAt = &exp
	}

	if err := s.db.Update(existing, existing.Version, time.Now().Unix()); err != nil {
		if err == database.ErrVersionConflict {
			http.Error(w, "version conflict", http.StatusConflict)
			return
		}
		logger.Error("update note", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, noteResponse{
		ID: id, Content: existing.Content, Syntax: existing.Syntax, IsEncrypted: existing.IsEncrypted,
		ViewCount: existing.ViewCount, MaxViews: existing.MaxViews, ExpiresAt: existing.ExpiresAt,
		Version: existing.Version,
	})
}

// handleDelete removes a note immediately, evicting any live coordinator
// first so connected sessions get a note_deleted frame before the row
// disappears.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.registry.Evict(id, coordinator.CloseNoteDeleted)
	if err := s.db.Delete(id); err != nil {
		logger.Error("delete note", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkResponse struct {
	Exists            bool `json:"exists"`
	ActiveEditorCount int  `json:"active_editor_count"`
	ViewerCount       int  `json:"viewer_count"`
}

// handleCheck is a cheap existence + presence probe, used by clients to
// decide whether to offer "create" or "join" before attempting a
// WebSocket upgrade.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := s.db.Get(id)
	if err == database.ErrNotFound {
		writeJSON(w, http.StatusOK, checkResponse{Exists: false})
		return
	}
	if err != nil {
		logger.Error("check note", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := checkResponse{Exists: true}
	if c, ok := s.registry.Peek(id); ok {
		resp.ActiveEditorCount, resp.ViewerCount = c.EditorViewerCounts()
	}
	writeJSON(w, http.StatusOK, resp)
}

type setOTPRequest struct {
	Enable bool `json:"enable"`
}

type setOTPResponse struct {
	OTP string `json:"otp,omitempty"`
}

// handleSetOTP rotates or clears a note's encryption gate.
func (s *Server) handleSetOTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now().Unix()
	var resp setOTPResponse
	if req.Enable {
		otp := generateOTP()
		if err := s.db.SetOTP(id, &otp, now); err != nil {
			logger.Error("set otp", err, logger.Fields{"note_id": id})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.OTP = otp
	} else {
		if err := s.db.SetOTP(id, nil, now); err != nil {
			logger.Error("clear otp", err, logger.Fields{"note_id": id})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	if err := s.db.SetEncrypted(id, req.Enable, now); err != nil {
		logger.Error("set encrypted flag", err, logger.Fields{"note_id": id})
	}
	if c, ok := s.registry.Peek(id); ok {
		c.SetEncrypted(req.Enable)
	}

	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	StartTime    int64 `json:"start_time"`
	LiveNotes    int   `json:"live_notes"`
	DatabaseSize int   `json:"database_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dbSize := 0
	if count, err := s.db.Count(); err == nil {
		dbSize = count
	}
	writeJSON(w, http.StatusOK, statsResponse{
		StartTime:    s.startAt.Unix(),
		LiveNotes:    s.registry.Count(),
		DatabaseSize: dbSize,
	})
}

// handleWebSocket upgrades a connection and attaches it to the note's
// coordinator. The note must already exist; notes are created explicitly
// via POST /api/notes so a coordinator never outlives its database row.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	note, err := s.db.Get(id)
	if err == database.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("load note for websocket", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if note.IsEncrypted {
		if note.OTP == nil || r.URL.Query().Get("otp") != *note.OTP {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	co, err := s.registry.Get(id)
	if err != nil {
		logger.Error("start coordinator", err, logger.Fields{"note_id": id})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
	if err != nil {
		logger.Error("websocket upgrade", err, logger.Fields{"note_id": id})
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	wantEdit := r.URL.Query().Get("edit") != "0"
	sessionID := r.URL.Query().Get("session_id")
	sess, state, seq, syntax, err := co.Join(wantEdit, sessionID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "coordinator unavailable")
		return
	}
	defer co.Leave(sess.ClientID)

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, protocol.NewYjsSync(state, seq, sess.ClientID, syntax)); err != nil {
		return
	}

	done := make(chan struct{})
	go writePump(ctx, conn, sess, done)
	readPump(ctx, conn, co, sess)
	<-done
	// writePump already closed the conn with the right code when eviction
	// (sess.Done) caused the exit; this is a no-op in that case and the
	// normal close for every other exit path (client disconnect, ctx
	// cancellation, outbound channel closed).
	conn.Close(closeCodeFor(sess.CloseReason), "")
}

// closeCodeFor maps the coordinator's eviction reason to the WebSocket close
// code the spec requires: 1008 ("policy violation") is reserved exclusively
// for rate-limit disconnects, everything else closes normally.
func closeCodeFor(reason coordinator.CloseReason) websocket.StatusCode {
	if reason == coordinator.ClosePolicyViolation {
		return websocket.StatusCode(protocol.PolicyViolationCloseCode)
	}
	return websocket.StatusNormalClosure
}

func writePump(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done:
			// Close here, on the pump that knows why, rather than leaving
			// the caller's final Close to guess a code after the fact.
			conn.Close(closeCodeFor(sess.CloseReason), "")
			return
		case payload, ok := <-sess.Outbound:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, co *coordinator.Coordinator, sess *coordinator.Session) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		_, raw, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return
		}
		co.HandleFrame(sess.ClientID, raw)

		select {
		case <-sess.Done:
			return
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
