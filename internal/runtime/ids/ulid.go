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

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return createAt(time.Now())
}

// NewMessageID returns the identifier assigned to a newly created message record.
func NewMessageID() string {
	return "msg_" + CreateULID()
}

// NewExecutionID returns the identifier of a single pipeline run.
func NewExecutionID() string {
	return "exec_" + CreateULID()
}

// NewValidationID identifies an immutable validation record.
func NewValidationID() string {
	return "val_" + CreateULID()
}

// NewTransformationID identifies an immutable transformation record.
func NewTransformationID() string {
	return "xfm_" + CreateULID()
}

// Time extracts the creation time embedded in a ULID, ignoring known prefixes.
func Time(id string) (time.Time, bool) {
	if len(id) > ulid.EncodedSize {
		id = id[len(id)-ulid.EncodedSize:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

func createAt(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(ts), entropy)
	return id.String()
}
