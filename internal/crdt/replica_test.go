package crdt

import "testing"

func mustEncode(t *testing.T, op Op) []byte {
	t.Helper()
	data, err := EncodeUpdate([]Op{op})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestInsertAndDelete(t *testing.T) {
	r := New()
	op := r.BuildInsert(1, 0, "hello")
	if err := r.Apply(mustEncode(t, op)); err != nil {
		t.Fatalf("apply insert: %v", err)
	}
	if got := r.Text(); got != "hello" {
		t.Fatalf("text = %q, want hello", got)
	}

	del := r.BuildDelete(1, 1, 3) // remove "el"
	if err := r.Apply(mustEncode(t, del)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if got := r.Text(); got != "hlo" {
		t.Fatalf("text = %q, want hlo", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	r := New()
	op := r.BuildInsert(1, 0, "abc")
	data := mustEncode(t, op)
	if err := r.Apply(data); err != nil {
		t.Fatal(err)
	}
	if err := r.Apply(data); err != nil {
		t.Fatal(err)
	}
	if got := r.Text(); got != "abc" {
		t.Fatalf("text = %q, want abc (duplicate apply must be a no-op)", got)
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	base := New()
	baseOp := base.BuildInsert(1, 0, "ab")
	baseData := mustEncode(t, baseOp)

	// Two replicas both start from "ab", then concurrently insert at position 1.
	r1 := New()
	r2 := New()
	if err := r1.Apply(baseData); err != nil {
		t.Fatal(err)
	}
	if err := r2.Apply(baseData); err != nil {
		t.Fatal(err)
	}

	op1 := r1.BuildInsert(2, 1, "X")
	op2 := r2.BuildInsert(3, 1, "Y")
	data1 := mustEncode(t, op1)
	data2 := mustEncode(t, op2)

	// Each replica applies its own insert first, then the other's.
	if err := r1.Apply(data1); err != nil {
		t.Fatal(err)
	}
	if err := r2.Apply(data2); err != nil {
		t.Fatal(err)
	}
	if err := r1.Apply(data2); err != nil {
		t.Fatal(err)
	}
	if err := r2.Apply(data1); err != nil {
		t.Fatal(err)
	}

	if r1.Text() != r2.Text() {
		t.Fatalf("replicas diverged: %q vs %q", r1.Text(), r2.Text())
	}
}

func TestFullStateRoundTrip(t *testing.T) {
	r1 := New()
	if err := r1.Apply(mustEncode(t, r1.BuildInsert(1, 0, "hello world"))); err != nil {
		t.Fatal(err)
	}
	if err := r1.Apply(mustEncode(t, r1.BuildDelete(1, 5, 6))); err != nil {
		t.Fatal(err)
	}

	state, err := r1.FullState()
	if err != nil {
		t.Fatal(err)
	}

	r2 := New()
	if err := r2.Apply(state); err != nil {
		t.Fatal(err)
	}
	if r1.Text() != r2.Text() {
		t.Fatalf("replica from full state diverged: %q vs %q", r2.Text(), r1.Text())
	}
}

func TestDiffSince(t *testing.T) {
	r1 := New()
	if err := r1.Apply(mustEncode(t, r1.BuildInsert(1, 0, "abc"))); err != nil {
		t.Fatal(err)
	}

	r2 := New()
	sv, err := r2.StateVector()
	if err != nil {
		t.Fatal(err)
	}
	diff, err := r1.DiffSince(sv)
	if err != nil {
		t.Fatal(err)
	}
	if err := r2.Apply(diff); err != nil {
		t.Fatal(err)
	}
	if r2.Text() != "abc" {
		t.Fatalf("r2 text = %q, want abc", r2.Text())
	}

	if err := r1.Apply(mustEncode(t, r1.BuildInsert(1, 3, "def"))); err != nil {
		t.Fatal(err)
	}
	sv2, err := r2.StateVector()
	if err != nil {
		t.Fatal(err)
	}
	diff2, err := r1.DiffSince(sv2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r2.Apply(diff2); err != nil {
		t.Fatal(err)
	}
	if r2.Text() != "abcdef" {
		t.Fatalf("r2 text after second diff = %q, want abcdef", r2.Text())
	}
}

func TestInvalidUpdateRejected(t *testing.T) {
	r := New()
	if err := r.Apply([]byte("not a valid gob stream")); err == nil {
		t.Fatal("expected error for malformed update")
	}
	if r.Text() != "" {
		t.Fatal("replica should remain untouched after a rejected update")
	}
}

func TestRelativePositionTracksEdits(t *testing.T) {
	r := New()
	if err := r.Apply(mustEncode(t, r.BuildInsert(1, 0, "Hello World"))); err != nil {
		t.Fatal(err)
	}

	// Cursor anchored right after index 5 ("Hello|" World).
	rel := r.PositionToRelative(5)

	insertAtZero := r.BuildInsert(2, 0, "X")
	if err := r.Apply(mustEncode(t, insertAtZero)); err != nil {
		t.Fatal(err)
	}

	pos, ok := r.ResolvePosition(rel)
	if !ok {
		t.Fatal("expected resolvable position")
	}
	if pos != 6 {
		t.Fatalf("resolved position = %d, want 6 after shift", pos)
	}
	if r.Text() != "XHello World" {
		t.Fatalf("text = %q", r.Text())
	}
}

func TestNewFromText(t *testing.T) {
	r := NewFromText("preset")
	if r.Text() != "preset" {
		t.Fatalf("text = %q, want preset", r.Text())
	}
}
