package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func encodeStateVector(sv map[uint32]uint32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStateVector(data []byte) (map[uint32]uint32, error) {
	if len(data) == 0 {
		return map[uint32]uint32{}, nil
	}
	var sv map[uint32]uint32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}
