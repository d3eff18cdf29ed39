package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

// ErrNoKeys is returned by Acquire when the selector has no keys configured.
var ErrNoKeys = errors.New("quota: no api keys configured")

// Limits are the per-key allowances restored on each window reset.
type Limits struct {
	PerMinute int64
	PerDay    int64
}

// Selector hands out key indexes with remaining allowance, resetting expired
// windows lazily on every acquisition.
type Selector struct {
	store   Store
	numKeys int
	limits  Limits
	backoff time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

type SelectorOption func(*Selector)

// WithClock replaces time.Now. The returned time's location decides the
// calendar day used by the daily window.
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// WithSleep replaces the wait between acquisition rounds.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) SelectorOption {
	return func(s *Selector) { s.sleep = sleep }
}

func WithBackoff(d time.Duration) SelectorOption {
	return func(s *Selector) {
		if d > 0 {
			s.backoff = d
		}
	}
}

func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSelector(store Store, numKeys int, limits Limits, opts ...SelectorOption) *Selector {
	s := &Selector{
		store:   store,
		numKeys: numKeys,
		limits:  limits,
		backoff: 200 * time.Millisecond,
		now:     time.Now,
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "quota")
	return s
}

func (s *Selector) NumKeys() int {
	return s.numKeys
}

// Init writes default limits and reset stamps for every key that has none.
// Existing values are left untouched, so restarts keep the shared state.
func (s *Selector) Init(ctx context.Context) error {
	stamp := s.now().Unix()
	for i := 0; i < s.numKeys; i++ {
		defaults := []struct {
			field Field
			value int64
		}{
			{FieldMinuteRequests, s.limits.PerMinute},
			{FieldDailyRequests, s.limits.PerDay},
			{FieldLastMinuteReset, stamp},
			{FieldLastDailyReset, stamp},
		}
		for _, d := range defaults {
			if _, err := s.store.SetIfAbsent(ctx, i, d.field, d.value); err != nil {
				return fmt.Errorf("init key %d: %w", i, err)
			}
		}
	}
	return nil
}

// Acquire returns the index of the key with the most daily allowance left
// among keys that still have both minute and daily allowance. Ties go to the
// lowest index. When no key is free it waits and tries again until ctx is
// done. Store failures are returned immediately.
func (s *Selector) Acquire(ctx context.Context) (int, error) {
	if s.numKeys <= 0 {
		return -1, ErrNoKeys
	}
	for {
		idx, err := s.pick(ctx)
		if err != nil {
			return -1, err
		}
		if idx >= 0 {
			return idx, nil
		}
		s.logger.Debug("no api key available, waiting", "backoff", s.backoff)
		if err := s.sleep(ctx, s.backoff); err != nil {
			return -1, err
		}
	}
}

func (s *Selector) pick(ctx context.Context) (int, error) {
	now := s.now()
	best, bestDay := -1, int64(0)
	for i := 0; i < s.numKeys; i++ {
		q, err := s.refresh(ctx, i, now, true)
		if err != nil {
			return -1, err
		}
		if q.MinuteRemaining > 0 && q.DayRemaining > 0 && q.DayRemaining > bestDay {
			best, bestDay = i, q.DayRemaining
		}
	}
	return best, nil
}

// Consume charges one request against both windows of a key. Counters that
// drop below zero are written back as zero.
func (s *Selector) Consume(ctx context.Context, keyIndex int) error {
	var errs []error
	for _, field := range []Field{FieldMinuteRequests, FieldDailyRequests} {
		v, err := s.store.Decrement(ctx, keyIndex, field)
		if err != nil && !errors.Is(err, ErrCorruptValue) {
			errs = append(errs, fmt.Errorf("decrement %s: %w", field, err))
			continue
		}
		if err != nil || v < 0 {
			if err := s.store.Set(ctx, keyIndex, field, 0); err != nil {
				errs = append(errs, fmt.Errorf("clamp %s: %w", field, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Snapshot reports the allowance of every key as Acquire would see it now,
// without writing resets back to the store.
func (s *Selector) Snapshot(ctx context.Context) ([]models.KeyQuota, error) {
	now := s.now()
	out := make([]models.KeyQuota, 0, s.numKeys)
	for i := 0; i < s.numKeys; i++ {
		q, err := s.refresh(ctx, i, now, false)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Selector) refresh(ctx context.Context, idx int, now time.Time, persist bool) (models.KeyQuota, error) {
	q := models.KeyQuota{KeyIndex: idx}

	day, dayReset, err := s.window(ctx, idx, now, persist, windowSpec{
		counter: FieldDailyRequests,
		stamp:   FieldLastDailyReset,
		limit:   s.limits.PerDay,
		expired: DailyWindowExpired,
	})
	if err != nil {
		return q, err
	}
	minute, minuteReset, err := s.window(ctx, idx, now, persist, windowSpec{
		counter: FieldMinuteRequests,
		stamp:   FieldLastMinuteReset,
		limit:   s.limits.PerMinute,
		expired: MinuteWindowExpired,
	})
	if err != nil {
		return q, err
	}

	q.DayRemaining = max(day, 0)
	q.MinuteRemaining = max(minute, 0)
	q.LastDailyReset = dayReset
	q.LastMinuteReset = minuteReset
	return q, nil
}

type windowSpec struct {
	counter Field
	stamp   Field
	limit   int64
	expired func(now, last time.Time) bool
}

func (s *Selector) window(ctx context.Context, idx int, now time.Time, persist bool, w windowSpec) (int64, time.Time, error) {
	var last time.Time
	raw, ok, err := s.store.Get(ctx, idx, w.stamp)
	switch {
	case errors.Is(err, ErrCorruptValue):
		s.logger.Warn("corrupt reset stamp, resetting window",
			"key_index", idx, "field", string(w.stamp), "err", err)
	case err != nil:
		return 0, time.Time{}, err
	case ok:
		last = time.Unix(raw, 0)
	}

	if w.expired(now, last) {
		if persist {
			if err := s.store.Set(ctx, idx, w.counter, w.limit); err != nil {
				return 0, time.Time{}, err
			}
			if err := s.store.Set(ctx, idx, w.stamp, now.Unix()); err != nil {
				return 0, time.Time{}, err
			}
		}
		return w.limit, now, nil
	}

	remaining, ok, err := s.store.Get(ctx, idx, w.counter)
	switch {
	case errors.Is(err, ErrCorruptValue):
		s.logger.Warn("corrupt counter, treating as exhausted until next window",
			"key_index", idx, "field", string(w.counter), "err", err)
		if persist {
			if err := s.store.Set(ctx, idx, w.counter, 0); err != nil {
				return 0, time.Time{}, err
			}
		}
		return 0, last, nil
	case err != nil:
		return 0, time.Time{}, err
	case !ok:
		return w.limit, last, nil
	}
	return remaining, last, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
