// Package coordinator implements the single-threaded, per-note event loop
// that owns a note's CRDT replica, awareness state, and session table. Every
// mutation to a note's state happens on that note's own loop goroutine; the
// only cross-goroutine traffic is a handful of channels, following the
// mailbox style the rest of this codebase uses for per-connection broadcast
// fan-out.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noteboard/noteboard/internal/awareness"
	"github.com/noteboard/noteboard/internal/crdt"
	"github.com/noteboard/noteboard/internal/protocol"
	"github.com/noteboard/noteboard/internal/ratelimit"
	"github.com/noteboard/noteboard/pkg/database"
	"github.com/noteboard/noteboard/pkg/logger"
)

const outboundBufferSize = 64

// CloseReason tells a connection goroutine why it is being evicted.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	ClosePolicyViolation
	CloseNoteDeleted
	CloseNoteExpired
)

// joinResult is handed back to Join's caller once the event loop has
// admitted the new session.
type joinResult struct {
	session  *Session
	snapshot []byte
	seq      int
	syntax   string
	err      error
}

type joinRequest struct {
	wantEdit  bool
	sessionID string
	reply     chan joinResult
}

type frameMsg struct {
	clientID uint32
	raw      []byte
}

type leaveMsg struct {
	clientID uint32
}

// Coordinator owns one note's live state.
type Coordinator struct {
	id string
	db *database.Database

	replica   *crdt.Replica
	awareness *awareness.Registry
	sessions  *sessionTable
	limiters  map[uint32]*ratelimit.Bucket

	nextClientID      uint32
	seq               int
	syntax            string
	isEncrypted       bool
	dbVersion         int
	lastEditorSession string

	debounce *debouncer

	joinCh      chan joinRequest
	leaveCh     chan leaveMsg
	frameCh     chan frameMsg
	encryptedCh chan bool
	closeCh     chan CloseReason
	closedCh    chan struct{}

	lastActivity atomic.Int64 // unix seconds, read by the registry's idle sweep
	sessionCount atomic.Int32 // read outside the event loop by the registry's idle sweep
	editorCount  atomic.Int32
	viewerCount  atomic.Int32
	snapshot     atomic.Value // holds noteSnapshot, published after every durable mutation
}

// EditorViewerCounts reports the current editor/viewer split without
// touching the event loop, for the /check endpoint.
func (c *Coordinator) EditorViewerCounts() (editors, viewers int) {
	return int(c.editorCount.Load()), int(c.viewerCount.Load())
}

func (c *Coordinator) publishCounts(editors, viewers int) {
	c.editorCount.Store(int32(editors))
	c.viewerCount.Store(int32(viewers))
}

// noteSnapshot is a read-only view of a note's live state, published so
// HTTP handlers can read it without round-tripping through the event loop.
type noteSnapshot struct {
	text        string
	syntax      string
	isEncrypted bool
}

// Snapshot returns the note's current text and syntax without touching the
// event loop, for the HTTP control plane's GET /api/notes/{id}.
func (c *Coordinator) Snapshot() (text, syntax string, isEncrypted bool) {
	v, _ := c.snapshot.Load().(noteSnapshot)
	return v.text, v.syntax, v.isEncrypted
}

func (c *Coordinator) publishSnapshot() {
	c.snapshot.Store(noteSnapshot{text: c.replica.Text(), syntax: c.syntax, isEncrypted: c.isEncrypted})
}

// New builds a coordinator for a note, seeding it from a persisted row when
// one exists.
func New(id string, db *database.Database, note *database.Note) *Coordinator {
	var replica *crdt.Replica
	syntax := "plaintext"
	var encrypted bool
	version := 1

	if note != nil {
		syntax = note.Syntax
		encrypted = note.IsEncrypted
		version = note.Version
		if len(note.CRDTState) > 0 {
			replica = crdt.New()
			if err := replica.Apply(note.CRDTState); err != nil {
				logger.Error("discarding corrupt crdt state, rebuilding from content", err, logger.Fields{"note_id": id})
				replica = crdt.NewFromText(note.Content)
			}
		} else {
			replica = crdt.NewFromText(note.Content)
		}
	} else {
		replica = crdt.New()
	}

	c := &Coordinator{
		id:        id,
		db:        db,
		replica:   replica,
		awareness: awareness.New(),
		sessions:  newSessionTable(),
		limiters:  make(map[uint32]*ratelimit.Bucket),
		syntax:    syntax,
		isEncrypted: encrypted,
		dbVersion: version,
		debounce:  newDebouncer(protocol.IdleDebounce, protocol.UpdateBurstCap),
		joinCh:      make(chan joinRequest),
		leaveCh:     make(chan leaveMsg),
		frameCh:     make(chan frameMsg, 256),
		encryptedCh: make(chan bool),
		closeCh:     make(chan CloseReason, 1),
		closedCh:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().Unix())
	c.publishSnapshot()
	return c
}

// ID returns the note id this coordinator owns.
func (c *Coordinator) ID() string { return c.id }

// IdleSince reports how long it has been since any session activity, for
// the registry's teardown sweep.
func (c *Coordinator) IdleSince() time.Duration {
	return time.Since(time.Unix(c.lastActivity.Load(), 0))
}

// SessionCount reports how many connections are currently attached. It is
// read by the registry's idle sweep, not used for admission decisions (those
// happen inside the event loop itself against the authoritative table).
func (c *Coordinator) SessionCount() int {
	return int(c.sessionCount.Load())
}

// Join admits a new connection, assigns it an opaque client id, and returns
// the initial sync payload the connection goroutine must send first.
// sessionID is the client-supplied id that stays stable across reconnects of
// one browser tab; an empty string gets a fresh server-generated one.
func (c *Coordinator) Join(wantEdit bool, sessionID string) (*Session, []byte, int, string, error) {
	req := joinRequest{wantEdit: wantEdit, sessionID: sessionID, reply: make(chan joinResult, 1)}
	select {
	case c.joinCh <- req:
	case <-c.closedCh:
		return nil, nil, 0, "", fmt.Errorf("coordinator closed")
	}
	res := <-req.reply
	return res.session, res.snapshot, res.seq, res.syntax, res.err
}

// Leave removes a session from the note.
func (c *Coordinator) Leave(clientID uint32) {
	select {
	case c.leaveCh <- leaveMsg{clientID: clientID}:
	case <-c.closedCh:
	}
}

// HandleFrame queues a raw inbound frame for processing on the event loop.
func (c *Coordinator) HandleFrame(clientID uint32, raw []byte) {
	select {
	case c.frameCh <- frameMsg{clientID: clientID, raw: raw}:
	case <-c.closedCh:
	}
}

// Run drives the event loop until ctx is cancelled or the note is torn
// down. It must be started exactly once per coordinator, by the registry.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.closedCh)
	defer c.debounce.Stop()
	defer c.flush(true)

	for {
		select {
		case <-ctx.Done():
			return

		case reason := <-c.closeCh:
			c.evictAll(reason)
			return

		case req := <-c.joinCh:
			c.handleJoin(req)

		case msg := <-c.leaveCh:
			c.handleLeave(msg.clientID)

		case msg := <-c.frameCh:
			c.handleInboundFrame(msg)

		case encrypted := <-c.encryptedCh:
			c.handleSetEncrypted(encrypted)

		case <-c.debounce.Timer():
			c.debounce.Fired()
			c.flush(false)
		}
	}
}

// Close requests the event loop stop and evict everyone, e.g. because the
// note was deleted via the HTTP control plane.
func (c *Coordinator) Close(reason CloseReason) {
	select {
	case c.closeCh <- reason:
	default:
	}
}

func (c *Coordinator) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

func (c *Coordinator) handleJoin(req joinRequest) {
	c.touch()

	clientID := atomic.AddUint32(&c.nextClientID, 1)

	sessionID := req.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Joining never grants editor status by itself; a session becomes an
	// active editor only through an applied yjs_update or an admitted
	// request_edit (§4.1.3). req.wantEdit is not consulted, here or later:
	// admission is decided solely by the editor cap when one of those arrives.
	sess := &Session{
		ClientID:  clientID,
		SessionID: sessionID,
		JoinedAt:  time.Now(),
		LastSeen:  time.Now(),
		Outbound:  make(chan []byte, outboundBufferSize),
		Done:      make(chan struct{}),
	}
	c.sessions.add(sess)
	c.sessionCount.Add(1)
	c.limiters[clientID] = ratelimit.New(
		ratelimit.DefaultBurst, ratelimit.DefaultRatePerSecond, ratelimit.DefaultDisconnectThreshold,
		ratelimit.NowMS(time.Now()),
	)

	state, err := c.replica.FullState()
	if err != nil {
		req.reply <- joinResult{err: fmt.Errorf("encode state: %w", err)}
		return
	}

	c.seq++
	editors, viewers := c.sessions.counts(time.Now())
	c.publishCounts(editors, viewers)
	joined := protocol.NewUserJoined(clientID, c.sessions.clientIDs(), editors, viewers, c.seq)
	c.broadcastFrame(joined, clientID)

	req.reply <- joinResult{session: sess, snapshot: state, seq: c.seq, syntax: c.syntax}
}

func (c *Coordinator) handleLeave(clientID uint32) {
	sess, ok := c.sessions.get(clientID)
	if !ok {
		return
	}
	c.touch()
	now := time.Now()
	wasActive := sess.IsActiveEditor(now)
	c.sessions.remove(clientID)
	c.sessionCount.Add(-1)
	delete(c.limiters, clientID)
	c.awareness.Remove(clientID)
	close(sess.Done)

	editors, viewers := c.sessions.counts(now)
	c.publishCounts(editors, viewers)

	if wasActive {
		c.seq++
		c.broadcastFrame(protocol.NewEditorCountUpdate(editors, viewers, c.seq), 0)
	}

	c.seq++
	left := protocol.NewUserLeft(clientID, c.sessions.clientIDs(), editors, viewers, c.seq)
	c.broadcastFrame(left, 0)
}

func (c *Coordinator) handleInboundFrame(msg frameMsg) {
	sess, ok := c.sessions.get(msg.clientID)
	if !ok {
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(msg.raw, &frame); err != nil {
		c.sendError(sess, protocol.ErrInvalidFrame)
		return
	}

	c.touch()
	sess.LastSeen = time.Now()

	switch frame.Type {
	case protocol.KindYjsUpdate:
		c.handleYjsUpdate(sess, frame)
	case protocol.KindAwarenessUpdate:
		c.handleAwarenessUpdate(sess, frame)
	case protocol.KindYjsStateRequest:
		c.handleStateRequest(sess)
	case protocol.KindSyntaxChange:
		c.handleSyntaxChange(sess, frame)
	case protocol.KindRequestEdit:
		c.handleRequestEdit(sess)
	default:
		c.sendError(sess, protocol.ErrInvalidFrame)
	}
}

func (c *Coordinator) handleYjsUpdate(sess *Session, frame protocol.Frame) {
	limiter := c.limiters[sess.ClientID]
	ok, disconnect := limiter.Consume(ratelimit.NowMS(time.Now()))
	if disconnect {
		c.evictOne(sess, ClosePolicyViolation)
		return
	}
	if !ok {
		c.sendError(sess, protocol.ErrRateLimited)
		return
	}

	now := time.Now()
	wasActive := sess.IsActiveEditor(now)
	if !wasActive {
		editors, _ := c.sessions.counts(now)
		if editors >= protocol.ActiveEditorLimit {
			c.sendError(sess, protocol.ErrEditorLimit)
			return
		}
	}

	if err := c.replica.Apply(frame.Update); err != nil {
		c.sendError(sess, protocol.ErrInvalidFrame)
		return
	}

	c.lastEditorSession = sess.SessionID
	sess.LastEditAt = now
	c.seq++
	update := protocol.NewYjsUpdate(frame.Update, sess.ClientID, c.seq)
	c.broadcastFrame(update, sess.ClientID)
	c.sendFrame(sess, protocol.NewYjsAck(c.seq))
	c.publishSnapshot()

	if !wasActive {
		editors, viewers := c.sessions.counts(now)
		c.publishCounts(editors, viewers)
		c.seq++
		c.broadcastFrame(protocol.NewEditorCountUpdate(editors, viewers, c.seq), 0)
	}

	if c.debounce.RecordChange() {
		c.flush(false)
	}
}

func (c *Coordinator) handleAwarenessUpdate(sess *Session, frame protocol.Frame) {
	c.awareness.Set(sess.ClientID, frame.Update)
	// ephemeral: relayed as-is, never sequenced, never persisted.
	c.broadcastFrame(protocol.NewAwarenessUpdate(frame.Update, sess.ClientID), sess.ClientID)
}

func (c *Coordinator) handleStateRequest(sess *Session) {
	state, err := c.replica.FullState()
	if err != nil {
		c.sendError(sess, protocol.ErrInvalidFrame)
		return
	}
	c.sendFrame(sess, protocol.NewYjsStateResponse(state))
}

func (c *Coordinator) handleSyntaxChange(sess *Session, frame protocol.Frame) {
	if frame.Syntax == nil || !protocol.AllowedSyntaxes[*frame.Syntax] {
		c.sendError(sess, protocol.ErrInvalidSyntax)
		return
	}
	c.syntax = *frame.Syntax
	c.lastEditorSession = sess.SessionID

	c.seq++
	c.broadcastFrame(protocol.NewSyntaxChange(c.syntax, sess.ClientID, c.seq), sess.ClientID)
	c.sendFrame(sess, protocol.NewSyntaxAck(c.seq))
	c.publishSnapshot()

	if c.debounce.RecordChange() {
		c.flush(false)
	}
}

// SetEncrypted flips the note's encryption gate from outside the event
// loop (the HTTP control plane's OTP endpoint) and broadcasts the change
// to any connected sessions.
func (c *Coordinator) SetEncrypted(encrypted bool) {
	select {
	case c.encryptedCh <- encrypted:
	case <-c.closedCh:
	}
}

func (c *Coordinator) handleSetEncrypted(encrypted bool) {
	c.isEncrypted = encrypted
	c.publishSnapshot()
	c.broadcastFrame(protocol.NewEncryptionChanged(encrypted), 0)
	if c.debounce.RecordChange() {
		c.flush(false)
	}
}

func (c *Coordinator) handleRequestEdit(sess *Session) {
	now := time.Now()
	editors, viewers := c.sessions.counts(now)
	if sess.IsActiveEditor(now) {
		c.sendFrame(sess, protocol.NewRequestEditResponse(true, editors, viewers))
		return
	}
	if editors >= protocol.ActiveEditorLimit {
		c.sendFrame(sess, protocol.NewRequestEditResponse(false, editors, viewers))
		return
	}
	sess.LastEditAt = now
	editors, viewers = c.sessions.counts(now)
	c.publishCounts(editors, viewers)
	c.sendFrame(sess, protocol.NewRequestEditResponse(true, editors, viewers))

	c.seq++
	c.broadcastFrame(protocol.NewEditorCountUpdate(editors, viewers, c.seq), 0)
}

// evictOne forcibly disconnects a single session, e.g. on a rate-limit
// violation past the threshold. It mirrors handleLeave's broadcast
// obligations (§4.1.7) since the deferred Leave call the connection
// goroutine makes after Done closes finds the session already gone.
func (c *Coordinator) evictOne(sess *Session, reason CloseReason) {
	switch reason {
	case ClosePolicyViolation:
		c.sendError(sess, protocol.ErrRateLimited)
	}

	now := time.Now()
	wasActive := sess.IsActiveEditor(now)
	sess.CloseReason = reason
	c.sessions.remove(sess.ClientID)
	c.sessionCount.Add(-1)
	delete(c.limiters, sess.ClientID)
	c.awareness.Remove(sess.ClientID)
	close(sess.Done)

	editors, viewers := c.sessions.counts(now)
	c.publishCounts(editors, viewers)

	if wasActive {
		c.seq++
		c.broadcastFrame(protocol.NewEditorCountUpdate(editors, viewers, c.seq), 0)
	}

	c.seq++
	left := protocol.NewUserLeft(sess.ClientID, c.sessions.clientIDs(), editors, viewers, c.seq)
	c.broadcastFrame(left, 0)
}

func (c *Coordinator) evictAll(reason CloseReason) {
	var frame *protocol.Frame
	switch reason {
	case CloseNoteDeleted:
		frame = protocol.NewNoteDeleted(nil)
	case CloseNoteExpired:
		frame = protocol.NewNoteExpired()
	}
	if frame != nil {
		c.broadcastFrame(frame, 0)
	}
	for _, id := range c.sessions.clientIDs() {
		if sess, ok := c.sessions.get(id); ok {
			sess.CloseReason = reason
			close(sess.Done)
		}
	}
}

func (c *Coordinator) broadcastFrame(frame *protocol.Frame, skip uint32) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("marshal broadcast frame", err, logger.Fields{"note_id": c.id, "type": frame.Type})
		return
	}
	c.sessions.broadcast(payload, skip)
}

func (c *Coordinator) sendFrame(sess *Session, frame *protocol.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("marshal frame", err, logger.Fields{"note_id": c.id, "type": frame.Type})
		return
	}
	c.sessions.send(sess.ClientID, payload)
}

func (c *Coordinator) sendError(sess *Session, kind string) {
	c.sendFrame(sess, protocol.NewError(kind))
}

// flush persists the current replica state and text snapshot. final is set
// on shutdown/teardown, where a flush failure is logged but not retried.
func (c *Coordinator) flush(final bool) {
	if c.db == nil {
		return
	}
	// Non-final callers (idle timer, burst cap) have just cleared the
	// debouncer's counter, so it is not consulted here. A non-final flush
	// that does not reach the database re-arms the idle timer so the write
	// is attempted again after the debounce window.
	persisted := false
	defer func() {
		if !persisted && !final {
			c.debounce.RecordChange()
		}
	}()

	note := &database.Note{
		ID:          c.id,
		Content:     c.replica.Text(),
		Syntax:      c.syntax,
		IsEncrypted: c.isEncrypted,
	}
	// Encrypted notes persist only the opaque blob in Content; the CRDT
	// column stays null, since real-time sync is disabled client-side for
	// them and there is nothing plaintext to replicate.
	if !c.isEncrypted {
		state, err := c.replica.FullState()
		if err != nil {
			logger.Error("encode crdt state for flush", err, logger.Fields{"note_id": c.id})
			return
		}
		note.CRDTState = state
	}

	for attempt := 0; attempt < 3; attempt++ {
		existing, err := c.db.Get(c.id)
		if err == database.ErrNotFound {
			persisted = true
			return // note was deleted out from under this flush; nothing to persist
		}
		if err != nil {
			logger.Error("load note before flush", err, logger.Fields{"note_id": c.id})
			return
		}
		note.ViewCount = existing.ViewCount
		note.MaxViews = existing.MaxViews
		note.ExpiresAt = existing.ExpiresAt
		note.LastEditorSession = existing.LastEditorSession
		if c.lastEditorSession != "" {
			sid := c.lastEditorSession
			note.LastEditorSession = &sid
		}

		err = c.db.Update(note, existing.Version, time.Now().Unix())
		if err == nil {
			c.dbVersion = note.Version
			persisted = true
			return
		}
		if err == database.ErrVersionConflict {
			continue // another writer raced us; our state already reflects every op, just retry the write
		}
		logger.Error("flush note", err, logger.Fields{"note_id": c.id})
		return
	}
	logger.Error("flush note: exhausted retries on version conflict", nil, logger.Fields{"note_id": c.id})
}
