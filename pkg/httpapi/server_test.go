package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/noteboard/noteboard/internal/crdt"
	"github.com/noteboard/noteboard/internal/protocol"
	"github.com/noteboard/noteboard/pkg/database"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(db)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func createNote(t *testing.T, ts *httptest.Server, req createNoteRequest) createNoteResponse {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/notes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create note: status %d", resp.StatusCode)
	}
	var out createNoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return out
}

func dialNote(t *testing.T, ts *httptest.Server, id, otp string) *websocket.Conn {
	return dialNoteAs(t, ts, id, otp, true)
}

func dialNoteAs(t *testing.T, ts *httptest.Server, id, otp string, wantEdit bool) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notes/" + id + "/ws"
	q := []string{}
	if otp != "" {
		q = append(q, "otp="+otp)
	}
	if !wantEdit {
		q = append(q, "edit=0")
	}
	if len(q) > 0 {
		url += "?" + strings.Join(q, "&")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f protocol.Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestCreateThenGet(t *testing.T) {
	_, ts := testServer(t)
	created := createNote(t, ts, createNoteRequest{Syntax: "plaintext"})

	resp, err := http.Get(ts.URL + "/api/notes/" + created.ID)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get note: status %d", resp.StatusCode)
	}
	var note noteResponse
	json.NewDecoder(resp.Body).Decode(&note)
	if note.ID != created.ID {
		t.Errorf("got id %q, want %q", note.ID, created.ID)
	}
	if note.ViewCount != 1 {
		t.Errorf("view count = %d, want 1", note.ViewCount)
	}
}

func TestGetMissingNoteReturns404(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/api/notes/does-not-exist")
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketJoinReceivesSync(t *testing.T) {
	_, ts := testServer(t)
	created := createNote(t, ts, createNoteRequest{Syntax: "plaintext"})

	conn := dialNote(t, ts, created.ID, "")
	frame := readFrame(t, conn)
	if frame.Type != protocol.KindYjsSync {
		t.Fatalf("first frame type = %q, want yjs_sync", frame.Type)
	}
	if frame.ClientID == nil || *frame.ClientID != 1 {
		t.Errorf("first client should be assigned id 1, got %+v", frame.ClientID)
	}
}

func TestWebSocketUpdateBroadcastsToSecondClient(t *testing.T) {
	_, ts := testServer(t)
	created := createNote(t, ts, createNoteRequest{Syntax: "plaintext"})

	editor := dialNote(t, ts, created.ID, "")
	sync := readFrame(t, editor)
	clientID := *sync.ClientID

	viewer := dialNoteAs(t, ts, created.ID, "", false)
	readFrame(t, viewer) // its own yjs_sync
	readFrame(t, editor) // user_joined, broadcast to the editor

	replica := crdt.New()
	op := replica.BuildInsert(clientID, 0, "hi")
	update, err := crdt.EncodeUpdate([]crdt.Op{op})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, editor, &protocol.Frame{Type: protocol.KindYjsUpdate, Update: update, ClientID: &clientID})

	ack := readFrame(t, editor)
	if ack.Type != protocol.KindYjsAck {
		t.Fatalf("editor should receive yjs_ack, got %q (likely an error frame: %v)", ack.Type, ack.Message)
	}

	relayed := readFrame(t, viewer)
	if relayed.Type != protocol.KindYjsUpdate {
		t.Fatalf("viewer should receive the relayed yjs_update, got %q", relayed.Type)
	}
}

func TestEncryptedNoteRequiresOTP(t *testing.T) {
	_, ts := testServer(t)
	created := createNote(t, ts, createNoteRequest{Syntax: "plaintext", IsEncrypted: true})
	if created.OTP == "" {
		t.Fatal("expected an OTP for an encrypted note")
	}

	resp, err := http.Get(ts.URL + "/api/notes/" + created.ID)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without otp = %d, want 401", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/api/notes/" + created.ID + "?otp=" + created.OTP)
	if err != nil {
		t.Fatalf("get note with otp: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status with otp = %d, want 200", resp2.StatusCode)
	}
}

func TestDeleteNoteRemovesIt(t *testing.T) {
	_, ts := testServer(t)
	created := createNote(t, ts, createNoteRequest{Syntax: "plaintext"})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/notes/"+created.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete note: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/notes/" + created.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", getResp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, ts := testServer(t)
	createNote(t, ts, createNoteRequest{Syntax: "plaintext"})

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats statsResponse
	json.NewDecoder(resp.Body).Decode(&stats)
	if stats.DatabaseSize != 1 {
		t.Errorf("database size = %d, want 1", stats.DatabaseSize)
	}
}
