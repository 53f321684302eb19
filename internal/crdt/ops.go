package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// OpKind distinguishes the two operation shapes carried on the wire.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is one unit of replication: either a contiguous run of characters
// inserted after OriginID, or a set of previously-inserted characters
// marked deleted. Updates exchanged between replicas are simply []Op.
type Op struct {
	ID        OpID
	Kind      OpKind
	Text      string   // set when Kind == OpInsert
	OriginID  CharID   // set when Kind == OpInsert and HasOrigin
	HasOrigin bool     // false means "insert at the document's start"
	Targets   []CharID // set when Kind == OpDelete
}

// Update is a batch of operations produced by one apply, encode, or diff
// call. It is the opaque "bytes" the rest of the system passes around.
type Update []Op

// EncodeUpdate serializes a batch of operations to the replica's wire format.
func EncodeUpdate(ops []Op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Update(ops)); err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeUpdate deserializes a batch of operations from the wire format.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u Update
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return []Op(u), nil
}
