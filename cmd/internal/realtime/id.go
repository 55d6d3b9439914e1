package realtime

import (
	"time"

	"classchat/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id. Failure degrades to an
// empty id rather than dropping the envelope; ids are for tracing only.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
