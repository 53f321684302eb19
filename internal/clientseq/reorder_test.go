package clientseq

import (
	"testing"
	"time"

	"github.com/noteboard/noteboard/internal/protocol"
)

func seqFrame(seq int) *protocol.Frame {
	return protocol.NewYjsUpdate([]byte("x"), 1, seq)
}

func TestInOrderDeliversImmediately(t *testing.T) {
	b := New(0)
	ready := b.Ingest(seqFrame(1))
	if len(ready) != 1 {
		t.Fatalf("want 1 ready frame, got %d", len(ready))
	}
	if b.NextExpected() != 2 {
		t.Fatalf("next expected = %d, want 2", b.NextExpected())
	}
}

func TestOutOfOrderBuffersThenDrains(t *testing.T) {
	b := New(0)
	if ready := b.Ingest(seqFrame(2)); len(ready) != 0 {
		t.Fatalf("seq 2 arrived early, should not be ready yet, got %d", len(ready))
	}
	ready := b.Ingest(seqFrame(1))
	if len(ready) != 2 {
		t.Fatalf("want 2 ready frames after gap fills, got %d", len(ready))
	}
	if b.NextExpected() != 3 {
		t.Fatalf("next expected = %d, want 3", b.NextExpected())
	}
}

func TestStaleSeqDiscarded(t *testing.T) {
	b := New(0)
	b.Ingest(seqFrame(1))
	if ready := b.Ingest(seqFrame(1)); len(ready) != 0 {
		t.Fatalf("duplicate seq should be discarded, got %d ready", len(ready))
	}
}

func TestAckAdvancesNextExpected(t *testing.T) {
	b := New(0)
	ack := protocol.NewYjsAck(4)
	b.Ingest(ack)
	if b.NextExpected() != 5 {
		t.Fatalf("next expected = %d, want 5", b.NextExpected())
	}
	// a late durable frame at or below the ack is now stale
	if ready := b.Ingest(seqFrame(3)); len(ready) != 0 {
		t.Fatalf("seq below ack-advanced watermark should be discarded, got %d", len(ready))
	}
}

func TestEphemeralFrameBypassesOrdering(t *testing.T) {
	b := New(0)
	b.Ingest(seqFrame(5)) // opens a gap, nothing ready
	update := protocol.NewAwarenessUpdate([]byte("cursor"), 2)
	ready := b.Ingest(update)
	if len(ready) != 1 || ready[0] != update {
		t.Fatalf("awareness update should pass straight through")
	}
}

func TestBufferOverflowFiresGap(t *testing.T) {
	b := New(0)
	fired := make(chan error, 1)
	b.OnGap = func(err error) { fired <- err }

	for i := 0; i < protocol.MaxPendingFrames+1; i++ {
		b.Ingest(seqFrame(100 + i))
	}

	select {
	case err := <-fired:
		if err != ErrResyncRequired {
			t.Fatalf("unexpected gap error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnGap to fire on buffer overflow")
	}
}

func TestGapTimerFiresOnExpiry(t *testing.T) {
	b := New(0)
	fired := make(chan error, 1)
	b.OnGap = func(err error) { fired <- err }
	b.GapWindow = 20 * time.Millisecond

	b.Ingest(seqFrame(2)) // never fills seq 1

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected gap timer to fire")
	}
}
