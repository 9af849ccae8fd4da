package realtime

import (
	"time"

	"bazaar/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id, so envelopes sort by creation in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
