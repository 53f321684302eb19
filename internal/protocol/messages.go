package protocol

// Frame is the wire envelope for every message exchanged over a note's
// WebSocket, in either direction. It is a tagged union keyed by Type; only
// the fields relevant to that Type are populated. Binary payloads (State,
// Update) round-trip as base64 automatically via encoding/json's []byte
// handling.
type Frame struct {
	Type string `json:"type"`

	// yjs_sync, yjs_state_response
	State []byte `json:"state,omitempty"`

	// yjs_sync, yjs_update, awareness_update, yjs_state_request, syntax_change, user_joined, user_left
	ClientID *uint32 `json:"clientId,omitempty"`

	// yjs_update, awareness_update
	Update []byte `json:"update,omitempty"`

	// durable frames: yjs_sync, yjs_update, user_joined, user_left, editor_count_update
	Seq *int `json:"seq,omitempty"`

	// acks (yjs_ack, syntax_ack) and syntax_change
	SeqNum *int `json:"seqNum,omitempty"`

	// yjs_sync, syntax_change
	Syntax *string `json:"syntax,omitempty"`

	// request_edit_response
	CanEdit *bool `json:"canEdit,omitempty"`

	// request_edit_response, user_joined, user_left, editor_count_update
	ActiveEditorCount *int `json:"activeEditorCount,omitempty"`
	ViewerCount       *int `json:"viewerCount,omitempty"`

	// user_joined, user_left
	ConnectedUsers []uint32 `json:"connectedUsers,omitempty"`

	// encryption_changed
	IsEncrypted *bool `json:"is_encrypted,omitempty"`

	// note_status
	ViewCount *int   `json:"view_count,omitempty"`
	MaxViews  *int   `json:"max_views,omitempty"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`

	// note_deleted
	SessionID *string `json:"sessionId,omitempty"`

	// error
	Message *string `json:"message,omitempty"`
}

func intPtr(v int) *int         { return &v }
func int64Ptr(v int64) *int64   { return &v }
func boolPtr(v bool) *bool      { return &v }
func strPtr(v string) *string   { return &v }
func u32Ptr(v uint32) *uint32   { return &v }

// NewYjsSync builds the one-time sync frame a coordinator sends right after
// accepting a connection.
func NewYjsSync(state []byte, seq int, clientID uint32, syntax string) *Frame {
	return &Frame{Type: KindYjsSync, State: state, Seq: intPtr(seq), ClientID: u32Ptr(clientID), Syntax: strPtr(syntax)}
}

// NewYjsUpdate builds a durable CRDT delta frame, broadcast to every peer
// but the originator.
func NewYjsUpdate(update []byte, clientID uint32, seq int) *Frame {
	return &Frame{Type: KindYjsUpdate, Update: update, ClientID: u32Ptr(clientID), Seq: intPtr(seq)}
}

// NewYjsAck acknowledges the originator's own update with its broadcast seq.
func NewYjsAck(seq int) *Frame {
	return &Frame{Type: KindYjsAck, SeqNum: intPtr(seq)}
}

// NewAwarenessUpdate relays an ephemeral presence delta; it never carries a seq.
func NewAwarenessUpdate(update []byte, clientID uint32) *Frame {
	return &Frame{Type: KindAwarenessUpdate, Update: update, ClientID: u32Ptr(clientID)}
}

// NewYjsStateResponse answers a state request with the full replica state.
func NewYjsStateResponse(state []byte) *Frame {
	return &Frame{Type: KindYjsStateResponse, State: state}
}

// NewSyntaxChange broadcasts a syntax change to peers.
func NewSyntaxChange(syntax string, clientID uint32, seq int) *Frame {
	return &Frame{Type: KindSyntaxChange, Syntax: strPtr(syntax), ClientID: u32Ptr(clientID), SeqNum: intPtr(seq)}
}

// NewSyntaxAck acknowledges the originator's own syntax change.
func NewSyntaxAck(seq int) *Frame {
	return &Frame{Type: KindSyntaxAck, SeqNum: intPtr(seq)}
}

// NewRequestEditResponse answers a request_edit frame.
func NewRequestEditResponse(canEdit bool, activeEditors, viewers int) *Frame {
	return &Frame{Type: KindRequestEditResponse, CanEdit: boolPtr(canEdit), ActiveEditorCount: intPtr(activeEditors), ViewerCount: intPtr(viewers)}
}

// NewUserJoined announces a new connection to the rest of the note's peers.
func NewUserJoined(clientID uint32, connected []uint32, activeEditors, viewers, seq int) *Frame {
	return &Frame{
		Type: KindUserJoined, ClientID: u32Ptr(clientID), ConnectedUsers: connected,
		ActiveEditorCount: intPtr(activeEditors), ViewerCount: intPtr(viewers), Seq: intPtr(seq),
	}
}

// NewUserLeft announces a disconnection to the rest of the note's peers.
func NewUserLeft(clientID uint32, connected []uint32, activeEditors, viewers, seq int) *Frame {
	return &Frame{
		Type: KindUserLeft, ClientID: u32Ptr(clientID), ConnectedUsers: connected,
		ActiveEditorCount: intPtr(activeEditors), ViewerCount: intPtr(viewers), Seq: intPtr(seq),
	}
}

// NewEditorCountUpdate broadcasts a change in the active-editor/viewer split.
func NewEditorCountUpdate(activeEditors, viewers, seq int) *Frame {
	return &Frame{Type: KindEditorCountUpdate, ActiveEditorCount: intPtr(activeEditors), ViewerCount: intPtr(viewers), Seq: intPtr(seq)}
}

// NewEncryptionChanged announces the note's encryption flag changed.
func NewEncryptionChanged(isEncrypted bool) *Frame {
	return &Frame{Type: KindEncryptionChanged, IsEncrypted: boolPtr(isEncrypted)}
}

// NewNoteStatus carries view-budget metadata; ephemeral, never sequenced.
func NewNoteStatus(viewCount int, maxViews *int, expiresAt *int64) *Frame {
	return &Frame{Type: KindNoteStatus, ViewCount: intPtr(viewCount), MaxViews: maxViews, ExpiresAt: expiresAt}
}

// NewNoteDeleted is the terminal broadcast before every socket closes.
func NewNoteDeleted(sessionID *string) *Frame {
	return &Frame{Type: KindNoteDeleted, SessionID: sessionID}
}

// NewNoteExpired is the terminal broadcast when a note's TTL lapses.
func NewNoteExpired() *Frame {
	return &Frame{Type: KindNoteExpired}
}

// NewError reports a local failure to the offending session only.
func NewError(kind string) *Frame {
	return &Frame{Type: KindError, Message: strPtr(kind)}
}
