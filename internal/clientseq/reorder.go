// Package clientseq implements the client-side reorder buffer described as a
// companion to the coordinator: it restores strict, contiguous seq order out
// of whatever order frames actually arrive in, and decides when a gap is
// unrecoverable and the client must resync from scratch.
package clientseq

import (
	"errors"
	"sync"
	"time"

	"github.com/noteboard/noteboard/internal/protocol"
)

// ErrResyncRequired is reported through OnGap when a gap persists past
// protocol.GapTimerWindow or the pending buffer overflows protocol.MaxPendingFrames.
// The caller is expected to close the socket and reconnect, which triggers a
// fresh yjs_sync.
var ErrResyncRequired = errors.New("clientseq: gap unresolved, resync required")

// Buffer tracks next_expected_seq for a single connection and reorders
// inbound durable frames into strictly increasing, contiguous delivery.
// Ephemeral frames (no seq) and acks are handled outside the reordering
// path, per spec §4.8.
type Buffer struct {
	mu      sync.Mutex
	next    int
	pending map[int]*protocol.Frame
	timer   *time.Timer

	// OnGap, if set, is invoked on a goroutine of its own when a buffered gap
	// outlives GapWindow without being filled, or when the pending buffer
	// overflows.
	OnGap func(error)

	// GapWindow overrides protocol.GapTimerWindow; tests shrink it to avoid
	// a multi-second sleep.
	GapWindow time.Duration
}

// New creates a Buffer seeded from the seq carried on the initial yjs_sync
// frame; next_expected_seq starts one past it.
func New(syncSeq int) *Buffer {
	return &Buffer{next: syncSeq + 1, pending: make(map[int]*protocol.Frame), GapWindow: protocol.GapTimerWindow}
}

// NextExpected reports next_expected_seq, mostly useful for tests.
func (b *Buffer) NextExpected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Ingest admits one inbound frame and returns the frames now ready to apply,
// in order. Ephemeral frames are always returned immediately as a single
// element. Acks advance next_expected_seq without being returned for
// application — the originator already applied its own edit optimistically.
func (b *Buffer) Ingest(f *protocol.Frame) []*protocol.Frame {
	if isEphemeral(f.Type) {
		return []*protocol.Frame{f}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if f.Type == protocol.KindYjsAck || f.Type == protocol.KindSyntaxAck {
		if f.SeqNum != nil {
			b.advanceLocked(*f.SeqNum + 1)
		}
		return nil
	}

	seq, ok := frameSeq(f)
	if !ok {
		return []*protocol.Frame{f}
	}

	switch {
	case seq < b.next:
		return nil // already applied, discard
	case seq == b.next:
		ready := append([]*protocol.Frame{f}, b.drainLocked()...)
		b.next += len(ready)
		b.stopGapLocked()
		if len(b.pending) > 0 {
			b.startGapLocked() // a later gap is still open
		}
		return ready
	default:
		if _, exists := b.pending[seq]; !exists {
			if len(b.pending) >= protocol.MaxPendingFrames {
				b.fireGapLocked(ErrResyncRequired)
				return nil
			}
			b.pending[seq] = f
		}
		b.startGapLocked()
		return nil
	}
}

// advanceLocked raises next_expected_seq to at least target and drops any
// now-stale buffered entries below it.
func (b *Buffer) advanceLocked(target int) {
	if target <= b.next {
		return
	}
	b.next = target
	for seq := range b.pending {
		if seq < b.next {
			delete(b.pending, seq)
		}
	}
	if len(b.pending) == 0 {
		b.stopGapLocked()
	}
}

func (b *Buffer) drainLocked() []*protocol.Frame {
	var out []*protocol.Frame
	seq := b.next + 1
	for {
		f, ok := b.pending[seq]
		if !ok {
			break
		}
		delete(b.pending, seq)
		out = append(out, f)
		seq++
	}
	return out
}

func (b *Buffer) startGapLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.GapWindow, func() {
		b.mu.Lock()
		b.timer = nil
		gap := len(b.pending) > 0
		b.mu.Unlock()
		if gap {
			b.fireGap(ErrResyncRequired)
		}
	})
}

func (b *Buffer) stopGapLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffer) fireGapLocked(err error) {
	b.stopGapLocked()
	b.pending = make(map[int]*protocol.Frame)
	cb := b.OnGap
	if cb != nil {
		go cb(err)
	}
}

func (b *Buffer) fireGap(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fireGapLocked(err)
}

// Close releases the gap timer. Call it when the socket is torn down so a
// stale timer doesn't fire OnGap after reconnect already replaced this Buffer.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopGapLocked()
}

func isEphemeral(kind string) bool {
	switch kind {
	case protocol.KindAwarenessUpdate,
		protocol.KindYjsStateResponse,
		protocol.KindRequestEditResponse,
		protocol.KindEncryptionChanged,
		protocol.KindNoteStatus,
		protocol.KindNoteDeleted,
		protocol.KindNoteExpired,
		protocol.KindError:
		return true
	default:
		return false
	}
}

// frameSeq extracts the durable sequence number from a frame, whichever of
// the two wire fields this frame type carries it in.
func frameSeq(f *protocol.Frame) (int, bool) {
	switch f.Type {
	case protocol.KindYjsSync, protocol.KindYjsUpdate, protocol.KindUserJoined,
		protocol.KindUserLeft, protocol.KindEditorCountUpdate:
		if f.Seq != nil {
			return *f.Seq, true
		}
	case protocol.KindSyntaxChange:
		if f.SeqNum != nil {
			return *f.SeqNum, true
		}
	}
	return 0, false
}
