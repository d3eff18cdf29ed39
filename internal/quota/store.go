// Package quota tracks the per-minute and per-day request allowance of every
// configured generation API key and picks the key to use for the next call.
//
// Counters live in a shared store so that every process handling generation
// requests observes and decrements the same values.
package quota

import (
	"context"
	"errors"
)

// Field names one counter of a key.
type Field string

const (
	FieldMinuteRequests  Field = "minute_requests"
	FieldDailyRequests   Field = "daily_requests"
	FieldLastMinuteReset Field = "last_minute_reset"
	FieldLastDailyReset  Field = "last_daily_reset"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("quota: store unavailable")
	// ErrCorruptValue is returned when a stored value is not a number.
	ErrCorruptValue = errors.New("quota: corrupt counter value")
)

// Store holds integer counters addressed by key index and field.
//
// Decrement must be atomic with respect to concurrent callers; it may return
// a negative value, which the caller clamps.
type Store interface {
	Get(ctx context.Context, keyIndex int, field Field) (value int64, ok bool, err error)
	Set(ctx context.Context, keyIndex int, field Field, value int64) error
	Decrement(ctx context.Context, keyIndex int, field Field) (int64, error)
	SetIfAbsent(ctx context.Context, keyIndex int, field Field, value int64) (bool, error)
}
