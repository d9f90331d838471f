package chat

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID (26 chars) used for conversation and message ids.
// ULIDs sort by creation time, which keeps ids readable in logs and indexes.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		// Monotonic entropy overflow within one millisecond; fall back to a fresh reader.
		return ulid.Make().String()
	}
	return id.String()
}
