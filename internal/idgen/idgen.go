// Package idgen generates short, human-typeable note identifiers.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// alphabet excludes characters that are easily confused when read aloud or
// handwritten: 0/O, 1/I/l, and vowel-adjacent lookalikes are dropped.
const alphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const (
	defaultLength = 4
	maxLength     = 10
)

// New generates a random id of the given length from the unambiguous
// alphabet. length is clamped to [defaultLength, maxLength].
func New(length int) (string, error) {
	if length < defaultLength {
		length = defaultLength
	}
	if length > maxLength {
		length = maxLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// Exists reports whether a candidate id is already taken; callers supply it
// so idgen stays storage-agnostic.
type Exists func(id string) (bool, error)

// Generate produces an id that does not already exist, starting at
// defaultLength and lengthening by one character per collision up to
// maxLength, after which it gives up rather than loop forever.
func Generate(exists Exists) (string, error) {
	for length := defaultLength; length <= maxLength; length++ {
		id, err := New(length)
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", fmt.Errorf("check existing id: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted id space up to length %d", maxLength)
}
