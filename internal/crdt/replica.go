// Package crdt implements an in-memory replicated sequence (a text CRDT).
//
// It is a character-level RGA: every inserted character gets a globally
// unique CharID, concurrent inserts at the same origin converge on a
// deterministic order, and deletes are tombstones rather than removals.
// Updates are idempotent and commutative: applying the same Op twice, or
// applying a set of Ops in any order, always converges to the same text.
package crdt

import (
	"fmt"
	"strings"
	"sync"
)

type node struct {
	id        CharID
	originID  CharID
	hasOrigin bool
	value     rune
	deleted   bool
	prev, next *node
}

// Replica is a single peer's copy of the document.
type Replica struct {
	mu sync.Mutex

	head, tail *node
	byID       map[CharID]*node

	applied     map[OpID]bool
	clientSeq   map[uint32]uint32 // state vector: highest Seq applied per client
	log         []Op              // every applied op, in application order

	pendingInserts map[CharID][]pendingRun // runs buffered on a missing origin
	pendingDeletes map[CharID]bool         // deletes that targeted a char not yet inserted
}

// pendingRun is the unintegrated tail of an insert op waiting on its origin
// to arrive. startOffset preserves the CharID.Offset sequence across the
// split so re-attempting integration never reuses an Offset already
// assigned to an earlier character in the same run.
type pendingRun struct {
	op          Op
	startOffset uint32
}

// New creates an empty replica.
func New() *Replica {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head
	return &Replica{
		head:           head,
		tail:           tail,
		byID:           make(map[CharID]*node),
		applied:        make(map[OpID]bool),
		clientSeq:      make(map[uint32]uint32),
		pendingInserts: make(map[CharID][]pendingRun),
		pendingDeletes: make(map[CharID]bool),
	}
}

// NewFromText seeds a fresh replica with initial text authored by a
// synthetic system client, used when loading a persisted note.
func NewFromText(text string) *Replica {
	r := New()
	if text == "" {
		return r
	}
	op := Op{ID: OpID{Client: systemClient, Seq: 1}, Kind: OpInsert, Text: text, HasOrigin: false}
	_ = r.applyOp(op)
	return r
}

const systemClient = 0xFFFFFFFF

// Apply absorbs a binary update produced by any peer. Malformed bytes are
// rejected with an error and never poison the replica's existing state.
func (r *Replica) Apply(update []byte) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return fmt.Errorf("invalid update: %w", err)
	}
	for _, op := range ops {
		if err := validateOp(op); err != nil {
			return fmt.Errorf("invalid op: %w", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.applyOp(op)
	}
	return nil
}

func validateOp(op Op) error {
	if op.Kind == OpInsert && op.Text == "" {
		return fmt.Errorf("insert op with empty text")
	}
	if op.Kind == OpDelete && len(op.Targets) == 0 {
		return fmt.Errorf("delete op with no targets")
	}
	return nil
}

// applyOp applies a single already-validated op, idempotently. Caller holds mu.
func (r *Replica) applyOp(op Op) bool {
	if r.applied[op.ID] {
		return false
	}
	r.applied[op.ID] = true
	if op.Seq() > r.clientSeq[op.ID.Client] {
		r.clientSeq[op.ID.Client] = op.Seq()
	}
	r.log = append(r.log, op)

	switch op.Kind {
	case OpInsert:
		r.integrateInsert(op)
	case OpDelete:
		r.integrateDelete(op)
	}
	return true
}

// Seq returns the op's author-local sequence number.
func (o Op) Seq() uint32 { return o.ID.Seq }

func (r *Replica) integrateInsert(op Op) {
	r.integrateInsertFrom(op, 0)
}

// integrateInsertFrom integrates runes[startOffset:] of op.Text, with each
// character's CharID.Offset continuing from startOffset so a run that gets
// buffered partway through never reuses an already-assigned Offset.
func (r *Replica) integrateInsertFrom(op Op, startOffset uint32) {
	runes := []rune(op.Text)
	origin := op.OriginID
	hasOrigin := op.HasOrigin
	if startOffset > 0 {
		// the origin for the remaining characters is the last one already
		// integrated from this same run.
		origin = CharID{Client: op.ID.Client, Seq: op.ID.Seq, Offset: startOffset - 1}
		hasOrigin = true
	}
	for i := startOffset; int(i) < len(runes); i++ {
		id := CharID{Client: op.ID.Client, Seq: op.ID.Seq, Offset: i}
		n := &node{id: id, originID: origin, hasOrigin: hasOrigin, value: runes[i]}
		if !r.integrateOne(n) {
			// origin not yet present: buffer the remainder of this run to retry later
			key := origin
			if !hasOrigin {
				key = CharID{}
			}
			r.pendingInserts[key] = append(r.pendingInserts[key], pendingRun{op: op, startOffset: i})
			return
		}
		if r.pendingDeletes[id] {
			n.deleted = true
			delete(r.pendingDeletes, id)
		}
		// next character in this run chains off the one just placed
		origin = id
		hasOrigin = true
		r.drainPending(id)
	}
}

// integrateOne places a single node using the RGA insertion rule: it is
// inserted immediately after its origin, then walked forward past any
// sibling inserted at the same origin whose ID sorts higher, so concurrent
// inserts at one point converge on the same order everywhere.
func (r *Replica) integrateOne(n *node) bool {
	var left *node
	if n.hasOrigin {
		var ok bool
		left, ok = r.byID[n.originID]
		if !ok {
			return false
		}
	} else {
		left = r.head
	}
	right := left.next
	for right != r.tail && right.hasOrigin && right.originID.equal(n.originID) && right.id.Less(n.id) {
		left = right
		right = right.next
	}
	n.prev, n.next = left, right
	left.next = n
	right.prev = n
	r.byID[n.id] = n
	return true
}

// drainPending retries any ops that were waiting on charID as their origin.
func (r *Replica) drainPending(charID CharID) {
	waiting, ok := r.pendingInserts[charID]
	if !ok {
		return
	}
	delete(r.pendingInserts, charID)
	for _, run := range waiting {
		r.integrateInsertFrom(run.op, run.startOffset)
	}
}

func (r *Replica) integrateDelete(op Op) {
	for _, target := range op.Targets {
		if n, ok := r.byID[target]; ok {
			n.deleted = true
		} else {
			r.pendingDeletes[target] = true
		}
	}
}

// Text renders the current visible document.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for n := r.head.next; n != r.tail; n = n.next {
		if !n.deleted {
			b.WriteRune(n.value)
		}
	}
	return b.String()
}

// FullState encodes every op this replica has ever applied — enough for a
// brand new replica to converge to the same text by calling Apply once.
func (r *Replica) FullState() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]Op, len(r.log))
	copy(ops, r.log)
	return EncodeUpdate(ops)
}

// StateVector encodes the highest Seq this replica has applied per client,
// a compact summary a peer can send back to ask "what have I missed".
func (r *Replica) StateVector() ([]byte, error) {
	r.mu.Lock()
	sv := make(map[uint32]uint32, len(r.clientSeq))
	for c, s := range r.clientSeq {
		sv[c] = s
	}
	r.mu.Unlock()
	return encodeStateVector(sv)
}

// DiffSince returns every op this replica holds that postdates the given
// state vector — the incremental update a peer needs to catch up.
func (r *Replica) DiffSince(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, fmt.Errorf("invalid state vector: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []Op
	for _, op := range r.log {
		if op.ID.Seq > sv[op.ID.Client] {
			missing = append(missing, op)
		}
	}
	return EncodeUpdate(missing)
}

// Len reports the number of applied operations, used by the persistence
// scheduler's burst-cap accounting.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}
