// Package protocol defines the WebSocket frame schema exchanged between a
// client and its note's coordinator, and the constants that govern them.
package protocol

import "time"

// Frame kinds, one per tagged-union variant in the wire schema.
const (
	KindYjsSync             = "yjs_sync"
	KindYjsUpdate           = "yjs_update"
	KindYjsAck              = "yjs_ack"
	KindAwarenessUpdate     = "awareness_update"
	KindYjsStateRequest     = "yjs_state_request"
	KindYjsStateResponse    = "yjs_state_response"
	KindSyntaxChange        = "syntax_change"
	KindSyntaxAck           = "syntax_ack"
	KindRequestEdit         = "request_edit"
	KindRequestEditResponse = "request_edit_response"
	KindUserJoined          = "user_joined"
	KindUserLeft            = "user_left"
	KindEditorCountUpdate   = "editor_count_update"
	KindEncryptionChanged   = "encryption_changed"
	KindNoteStatus          = "note_status"
	KindNoteDeleted         = "note_deleted"
	KindNoteExpired         = "note_expired"
	KindError               = "error"
)

// Error kinds, carried in the message text of an `error` frame and used
// internally to decide local-only vs. escalating handling (spec §7).
const (
	ErrUnauthorized    = "unauthorized"
	ErrRateLimited     = "rate_limited"
	ErrEditorLimit     = "editor_limit_reached"
	ErrVersionConflict = "version_conflict"
	ErrInvalidFrame    = "invalid_frame"
	ErrInvalidSyntax   = "invalid_syntax"
	ErrNotFound        = "not_found"
	ErrTransport       = "transport"
)

// Coordinator constants, spec §4.1.3, §4.3, §4.4, §4.5.
const (
	ActiveEditorLimit = 10
	EditorIdleWindow  = 60 * time.Second
	IdleDebounce      = 5 * time.Second
	UpdateBurstCap    = 50
	GapTimerWindow    = 5 * time.Second
	MaxPendingFrames  = 20
)

// PolicyViolationCloseCode is used exclusively for rate-limit disconnects.
const PolicyViolationCloseCode = 1008

// AllowedSyntaxes is the server-side allow-list for syntax_change frames.
// Unknown values are dropped per spec §4.1.5.
var AllowedSyntaxes = map[string]bool{
	"plaintext":  true,
	"javascript": true,
	"typescript": true,
	"python":     true,
	"go":         true,
	"rust":       true,
	"java":       true,
	"c":          true,
	"cpp":        true,
	"json":       true,
	"yaml":       true,
	"markdown":   true,
	"html":       true,
	"css":        true,
	"sql":        true,
	"shell":      true,
}
