package realtime

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns a ULID used as websocket connection id.
// ULIDs are lexicographically sortable, which keeps log correlation cheap.
func NewConnectionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
