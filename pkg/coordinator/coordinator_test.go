package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/noteboard/noteboard/internal/crdt"
	"github.com/noteboard/noteboard/internal/protocol"
)

func startTestCoordinator(t *testing.T) (*Coordinator, context.CancelFunc) {
	t.Helper()
	c := New("note1", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, cancel
}

func recvFrame(t *testing.T, ch <-chan []byte) protocol.Frame {
	t.Helper()
	select {
	case raw := <-ch:
		var f protocol.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return protocol.Frame{}
}

func TestJoinNeverGrantsEditorStatus(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	sess, _, seq, syntax, err := c.Join(true, "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.IsActiveEditor(time.Now()) {
		t.Fatal("join alone must never grant active-editor status, only an applied edit or admitted request_edit does")
	}
	if seq != 1 {
		t.Fatalf("expected seq 1 on first join, got %d", seq)
	}
	if syntax != "plaintext" {
		t.Fatalf("expected default syntax plaintext, got %q", syntax)
	}
}

func sendYjsUpdate(t *testing.T, c *Coordinator, clientID uint32) protocol.Frame {
	t.Helper()
	replica := crdt.New()
	op := replica.BuildInsert(clientID, 0, "x")
	update, err := crdt.EncodeUpdate([]crdt.Op{op})
	if err != nil {
		t.Fatal(err)
	}
	frame := protocol.Frame{Type: protocol.KindYjsUpdate, Update: update}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(clientID, raw)
	return frame
}

func TestEditorCapRefusesAnEleventhActiveEditor(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	sessions := make([]*Session, 0, protocol.ActiveEditorLimit+1)
	for i := 0; i < protocol.ActiveEditorLimit; i++ {
		sess, _, _, _, err := c.Join(false, "")
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, sess)
		sendYjsUpdate(t, c, sess.ClientID)
		ack := recvFrame(t, sess.Outbound)
		if ack.Type != protocol.KindYjsAck {
			t.Fatalf("join %d: expected yjs_ack admitting the edit, got %s", i, ack.Type)
		}
	}

	eleventh, _, _, _, err := c.Join(false, "")
	if err != nil {
		t.Fatal(err)
	}
	sendYjsUpdate(t, c, eleventh.ClientID)
	errFrame := recvFrame(t, eleventh.Outbound)
	if errFrame.Type != protocol.KindError || errFrame.Message == nil || *errFrame.Message != protocol.ErrEditorLimit {
		t.Fatalf("expected editor_limit_reached for the 11th active editor, got %+v", errFrame)
	}

	// An editor that idles past the window frees its slot for the refused session.
	sessions[0].LastEditAt = time.Now().Add(-protocol.EditorIdleWindow - time.Second)
	sendYjsUpdate(t, c, eleventh.ClientID)
	ack := recvFrame(t, eleventh.Outbound)
	if ack.Type != protocol.KindYjsAck {
		t.Fatalf("expected the 11th session to be admitted once a slot idles out, got %s", ack.Type)
	}
}

func TestYjsUpdateBroadcastsAndAcks(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	editor, _, _, _, err := c.Join(true, "")
	if err != nil {
		t.Fatal(err)
	}
	viewer, _, _, _, err := c.Join(false, "")
	if err != nil {
		t.Fatal(err)
	}

	replica := crdt.New()
	op := replica.BuildInsert(99, 0, "hi")
	update, err := crdt.EncodeUpdate([]crdt.Op{op})
	if err != nil {
		t.Fatal(err)
	}

	frame := protocol.Frame{Type: protocol.KindYjsUpdate, Update: update}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(editor.ClientID, raw)

	joined := recvFrame(t, editor.Outbound)
	if joined.Type != protocol.KindUserJoined {
		t.Fatalf("expected user_joined for the viewer first, got %s", joined.Type)
	}
	ack := recvFrame(t, editor.Outbound)
	if ack.Type != protocol.KindYjsAck {
		t.Fatalf("expected yjs_ack for editor, got %s", ack.Type)
	}

	relayed := recvFrame(t, viewer.Outbound)
	if relayed.Type != protocol.KindYjsUpdate {
		t.Fatalf("expected yjs_update relayed to viewer, got %s", relayed.Type)
	}
	if relayed.ClientID == nil || *relayed.ClientID != editor.ClientID {
		t.Fatal("relayed update missing originator client id")
	}
}

func TestAnySessionMayEditUnderTheCap(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	viewer, _, _, _, err := c.Join(false, "")
	if err != nil {
		t.Fatal(err)
	}

	sendYjsUpdate(t, c, viewer.ClientID)

	ack := recvFrame(t, viewer.Outbound)
	if ack.Type != protocol.KindYjsAck {
		t.Fatalf("expected the edit to be admitted, got %s", ack.Type)
	}
	countUpdate := recvFrame(t, viewer.Outbound)
	if countUpdate.Type != protocol.KindEditorCountUpdate {
		t.Fatalf("expected editor_count_update after the viewer->editor transition, got %s", countUpdate.Type)
	}
	if !viewer.IsActiveEditor(time.Now()) {
		t.Fatal("an applied yjs_update must make its sender an active editor")
	}
}

func TestLeaveNotifiesRemainingSessions(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	a, _, _, _, _ := c.Join(true, "")
	b, _, _, _, _ := c.Join(false, "")

	c.Leave(a.ClientID)

	left := recvFrame(t, b.Outbound)
	if left.Type != protocol.KindUserLeft {
		t.Fatalf("expected user_left, got %s", left.Type)
	}
	if left.ClientID == nil || *left.ClientID != a.ClientID {
		t.Fatal("user_left missing departing client id")
	}

	select {
	case <-a.Done:
	case <-time.After(time.Second):
		t.Fatal("expected departing session's Done channel to close")
	}
}

func TestSyntaxChangeRejectsUnknownSyntax(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	editor, _, _, _, _ := c.Join(true, "")
	bogus := "cobol"
	frame := protocol.Frame{Type: protocol.KindSyntaxChange, Syntax: &bogus}
	raw, _ := json.Marshal(frame)
	c.HandleFrame(editor.ClientID, raw)

	errFrame := recvFrame(t, editor.Outbound)
	if errFrame.Type != protocol.KindError || errFrame.Message == nil || *errFrame.Message != protocol.ErrInvalidSyntax {
		t.Fatalf("expected invalid_syntax error, got %+v", errFrame)
	}
}

func TestRequestEditGrantsAndBroadcastsUnderCap(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	requester, _, _, _, err := c.Join(true, "")
	if err != nil {
		t.Fatal(err)
	}
	bystander, _, _, _, err := c.Join(false, "")
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(protocol.Frame{Type: protocol.KindRequestEdit})
	c.HandleFrame(requester.ClientID, raw)

	joined := recvFrame(t, requester.Outbound)
	if joined.Type != protocol.KindUserJoined {
		t.Fatalf("expected user_joined for the bystander first, got %s", joined.Type)
	}
	resp := recvFrame(t, requester.Outbound)
	if resp.Type != protocol.KindRequestEditResponse || resp.CanEdit == nil || !*resp.CanEdit {
		t.Fatalf("expected canEdit:true under the cap, got %+v", resp)
	}
	if !requester.IsActiveEditor(time.Now()) {
		t.Fatal("an admitted request_edit must mark the session an active editor immediately")
	}

	countUpdate := recvFrame(t, bystander.Outbound)
	if countUpdate.Type != protocol.KindEditorCountUpdate {
		t.Fatalf("expected editor_count_update broadcast to other sessions, got %s", countUpdate.Type)
	}
}

func TestRequestEditRefusedAtCap(t *testing.T) {
	c, cancel := startTestCoordinator(t)
	defer cancel()

	for i := 0; i < protocol.ActiveEditorLimit; i++ {
		sess, _, _, _, err := c.Join(false, "")
		if err != nil {
			t.Fatal(err)
		}
		sendYjsUpdate(t, c, sess.ClientID)
		recvFrame(t, sess.Outbound) // yjs_ack
	}

	eleventh, _, _, _, err := c.Join(false, "")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.KindRequestEdit})
	c.HandleFrame(eleventh.ClientID, raw)

	resp := recvFrame(t, eleventh.Outbound)
	if resp.Type != protocol.KindRequestEditResponse || resp.CanEdit == nil || *resp.CanEdit {
		t.Fatalf("expected canEdit:false at the cap, got %+v", resp)
	}
}
