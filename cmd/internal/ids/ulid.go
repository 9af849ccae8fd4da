// Package ids provides the ULID primitives used for conversation, message and session ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// Ids minted in the same millisecond by this process sort in creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		// Monotonic entropy can overflow within a single millisecond; fall back to fresh randomness.
		id, err = ulid.New(ulid.Timestamp(now), rand.Reader)
		if err != nil {
			return "", err
		}
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (envelope ids, test fixtures).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
