package coordinator

import (
	"time"

	"github.com/noteboard/noteboard/internal/protocol"
	"github.com/noteboard/noteboard/pkg/logger"
)

// Session is one connected client's entry in a note's session table.
// Everything here is only ever touched from the coordinator's event loop
// goroutine; the connection goroutine reads ClientID, Outbound and Done, and
// reads CloseReason only after the happens-before edge Done's close establishes.
type Session struct {
	ClientID  uint32
	SessionID string // client-supplied id (a uuid when omitted), attributed to note.last_editor_session on flush
	JoinedAt  time.Time
	LastSeen  time.Time

	// LastEditAt is the zero Time until this session's first applied
	// yjs_update or admitted request_edit. A session is an active editor
	// iff LastEditAt is set and within EditorIdleWindow of now (§4.1.3) —
	// there is no permanent editor role, so idling past the window
	// demotes a session back to viewer for future admission decisions
	// without any explicit transition.
	LastEditAt time.Time

	// CloseReason records why the coordinator evicted this session, read by
	// the connection goroutine after observing Done closed to pick the
	// right WebSocket close code.
	CloseReason CloseReason

	// Outbound carries frames to this session's connection goroutine. Sends
	// are non-blocking: a slow reader drops frames rather than stalling the
	// coordinator, and the client's own gap detection forces a reconnect.
	Outbound chan []byte

	// Done is closed by the coordinator when this session is evicted, so
	// the connection goroutine knows to stop writing and close the socket.
	Done chan struct{}
}

// IsActiveEditor reports whether this session counts against
// ActiveEditorLimit at the given instant (§4.1.3).
func (s *Session) IsActiveEditor(now time.Time) bool {
	return !s.LastEditAt.IsZero() && now.Sub(s.LastEditAt) <= protocol.EditorIdleWindow
}

// sessionTable is the insertion-ordered collection of sessions attached to
// one note. Order matters only for deterministic ConnectedUsers lists.
type sessionTable struct {
	order []uint32
	byID  map[uint32]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[uint32]*Session)}
}

func (t *sessionTable) add(s *Session) {
	t.order = append(t.order, s.ClientID)
	t.byID[s.ClientID] = s
}

func (t *sessionTable) remove(clientID uint32) {
	delete(t.byID, clientID)
	for i, id := range t.order {
		if id == clientID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *sessionTable) get(clientID uint32) (*Session, bool) {
	s, ok := t.byID[clientID]
	return s, ok
}

func (t *sessionTable) len() int {
	return len(t.order)
}

// counts returns the number of active editors and viewers attached as of
// now, recomputed each call since editor status decays with idle time
// rather than being a stored, permanent flag (§4.1.3).
func (t *sessionTable) counts(now time.Time) (editors, viewers int) {
	for _, id := range t.order {
		if t.byID[id].IsActiveEditor(now) {
			editors++
		} else {
			viewers++
		}
	}
	return
}

// clientIDs returns the connected client ids in join order, for
// user_joined/user_left broadcasts.
func (t *sessionTable) clientIDs() []uint32 {
	out := make([]uint32, len(t.order))
	copy(out, t.order)
	return out
}

// broadcast fans a pre-encoded frame out to every session but skip.
func (t *sessionTable) broadcast(payload []byte, skip uint32) {
	for _, id := range t.order {
		if id == skip {
			continue
		}
		s := t.byID[id]
		select {
		case s.Outbound <- payload:
		default:
			logger.Debug("dropped frame, outbound buffer full", logger.Fields{"client_id": id})
		}
	}
}

// send delivers a pre-encoded frame to exactly one session.
func (t *sessionTable) send(clientID uint32, payload []byte) {
	s, ok := t.byID[clientID]
	if !ok {
		return
	}
	select {
	case s.Outbound <- payload:
	default:
		logger.Debug("dropped frame, outbound buffer full", logger.Fields{"client_id": clientID})
	}
}
