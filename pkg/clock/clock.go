// Package clock provides wall-clock reads and unique identifier
// generation for operations and transfers. The Clock interface is
// injected so timestamp-sensitive components stay deterministic under
// test.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides millisecond wall-clock reads.
type Clock interface {
	Now() time.Time
	NowMs() int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// System returns the real wall clock.
func System() Clock {
	return systemClock{}
}

// NewTransferID allocates a globally unique transfer identifier.
func NewTransferID() string {
	return uuid.New().String()
}

// NewOperationID allocates a globally unique operation identifier.
func NewOperationID() string {
	return uuid.New().String()
}

// ISO formats a millisecond timestamp as RFC 3339 with millisecond
// precision in UTC, the format used throughout the transaction log.
func ISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
