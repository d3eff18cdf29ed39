package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/telegram"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingSyncer struct {
	calls atomic.Int32
	err   error
}

func (s *countingSyncer) SyncPending(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

func TestPaymentPoller_PollsUntilCanceled(t *testing.T) {
	syncer := &countingSyncer{err: errors.New("provider down")}
	poller := NewPaymentPoller(syncer, 5*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool { return syncer.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

type engagementStore struct {
	mu                 sync.Mutex
	reminderCandidates []int64
	discountCandidates []int64
	registeredFrom     time.Time
	reminderDay        time.Time
	discountBefore     time.Time
	reminded           []int64
	offered            []int64
	resets             int
}

func (s *engagementStore) ResetDailyBonusFlags(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return 3, nil
}

func (s *engagementStore) ListReminderCandidates(_ context.Context, registeredFrom, day time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredFrom, s.reminderDay = registeredFrom, day
	return s.reminderCandidates, nil
}

func (s *engagementStore) MarkReminderSent(_ context.Context, chatID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminded = append(s.reminded, chatID)
	return nil
}

func (s *engagementStore) ListDiscountCandidates(_ context.Context, before time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discountBefore = before
	return s.discountCandidates, nil
}

func (s *engagementStore) MarkDiscountOffered(_ context.Context, chatID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offered = append(s.offered, chatID)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures map[int64]error
	sent     map[int64]string
}

func (n *fakeNotifier) NotifyUser(_ context.Context, chatID int64, text string, _ ...telegram.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failures[chatID]; err != nil {
		return err
	}
	if n.sent == nil {
		n.sent = map[int64]string{}
	}
	n.sent[chatID] = text
	return nil
}

func newTestScheduler(t *testing.T, now time.Time, store *engagementStore, notifier *fakeNotifier) *Scheduler {
	t.Helper()
	loc := time.FixedZone("MSK", 3*60*60)
	s := NewScheduler(config.Config{
		Location:               loc,
		WorkerCheckInterval:    time.Minute,
		DailyBonusReminderHour: 11,
		DiscountDelay:          24 * time.Hour,
	}, discardLogger(), store, notifier)
	s.now = func() time.Time { return now }
	return s
}

func TestSendReminders_BeforeReminderHour(t *testing.T) {
	// 10:30 Moscow time.
	now := time.Date(2025, 5, 10, 7, 30, 0, 0, time.UTC)
	store := &engagementStore{reminderCandidates: []int64{1}}
	notifier := &fakeNotifier{}

	sent, err := newTestScheduler(t, now, store, notifier).SendReminders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, notifier.sent)
	assert.Empty(t, store.reminded)
}

func TestSendReminders_WindowAndMarking(t *testing.T) {
	// 12:00 Moscow time on May 10th.
	now := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	store := &engagementStore{reminderCandidates: []int64{1, 2, 3}}
	notifier := &fakeNotifier{failures: map[int64]error{
		2: fmt.Errorf("%w: blocked", telegram.ErrRecipientUnavailable),
		3: errors.New("timeout"),
	}}
	s := newTestScheduler(t, now, store, notifier)

	sent, err := s.SendReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, notifier.sent[1], "ежедневный бонус")

	assert.Equal(t, time.Date(2025, 5, 8, 0, 0, 0, 0, s.loc), store.registeredFrom)
	assert.Equal(t, time.Date(2025, 5, 10, 0, 0, 0, 0, s.loc), store.reminderDay)
	// Unreachable chats are marked so they are not retried; transient failures are.
	assert.ElementsMatch(t, []int64{1, 2}, store.reminded)
}

func TestSendDiscountOffers_MarksDeliveredAndUnreachable(t *testing.T) {
	now := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	store := &engagementStore{discountCandidates: []int64{1, 2, 3}}
	notifier := &fakeNotifier{failures: map[int64]error{
		2: fmt.Errorf("%w: bot was blocked by the user", telegram.ErrRecipientUnavailable),
		3: errors.New("timeout"),
	}}

	sent, err := newTestScheduler(t, now, store, notifier).SendDiscountOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, now.Add(-24*time.Hour), store.discountBefore)
	// Blocked chats are not offered again; transient failures are retried.
	assert.Equal(t, []int64{1, 2}, store.offered)
	assert.Contains(t, notifier.sent[1], "200 руб")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	store := &engagementStore{}
	s := newTestScheduler(t, time.Now(), store, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestResetDailyBonusFlags(t *testing.T) {
	store := &engagementStore{}
	newTestScheduler(t, time.Now(), store, &fakeNotifier{}).ResetDailyBonusFlags(context.Background())
	assert.Equal(t, 1, store.resets)
}
