package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/telegram"
)

const (
	reminderWindowDays = 3

	reminderText = "🔔 Привет! Не забудь забрать свой <b>ежедневный бонус</b> +1 оживашка 🎁\n\n" +
		"📅 Эта возможность доступна в первые 3 дня после регистрации. " +
		"Зайди в раздел 'Бонусы' в главном меню, чтобы получить!"

	discountText = "Привет! Хочу сделать тебе персональный подарок:\n" +
		"Специальная цена на пакет 10 оживашек - <s>250</s> 200 руб\n" +
		"Нажми 'Купить оживашки' в меню!"
)

type EngagementStore interface {
	ResetDailyBonusFlags(ctx context.Context) (int64, error)
	ListReminderCandidates(ctx context.Context, registeredFrom, day time.Time) ([]int64, error)
	MarkReminderSent(ctx context.Context, chatID int64, day time.Time) error
	ListDiscountCandidates(ctx context.Context, lastGenerationBefore time.Time) ([]int64, error)
	MarkDiscountOffered(ctx context.Context, chatID int64, now time.Time) error
}

type UserNotifier interface {
	NotifyUser(ctx context.Context, chatID int64, text string, buttons ...telegram.Button) error
}

// Scheduler runs the calendar jobs on a cron in the configured time zone.
type Scheduler struct {
	store         EngagementStore
	notifier      UserNotifier
	loc           *time.Location
	checkInterval time.Duration
	reminderHour  int
	discountDelay time.Duration
	now           func() time.Time
	log           *slog.Logger
}

func NewScheduler(cfg config.Config, log *slog.Logger, store EngagementStore, notifier UserNotifier) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:         store,
		notifier:      notifier,
		loc:           loc,
		checkInterval: cfg.WorkerCheckInterval,
		reminderHour:  cfg.DailyBonusReminderHour,
		discountDelay: cfg.DiscountDelay,
		now:           time.Now,
		log:           log.With("component", "scheduler"),
	}
}

// Run registers the jobs and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := c.AddFunc("0 0 * * *", func() { s.ResetDailyBonusFlags(ctx) }); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	interval := s.checkInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if _, err := c.AddFunc("@every "+interval.String(), func() { s.CheckEngagement(ctx) }); err != nil {
		return fmt.Errorf("schedule engagement check: %w", err)
	}

	c.Start()
	s.log.Info("scheduler started", "check_interval", interval, "location", s.loc.String())
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) ResetDailyBonusFlags(ctx context.Context) {
	n, err := s.store.ResetDailyBonusFlags(ctx)
	if err != nil {
		s.log.Error("reset daily bonus flags", "err", err)
		return
	}
	s.log.Info("daily bonus flags reset", "users", n)
}

func (s *Scheduler) CheckEngagement(ctx context.Context) {
	if _, err := s.SendReminders(ctx); err != nil {
		s.log.Error("daily bonus reminders", "err", err)
	}
	if _, err := s.SendDiscountOffers(ctx); err != nil {
		s.log.Error("discount offers", "err", err)
	}
}

// SendReminders nudges users in their first three calendar days who have not
// claimed today's bonus. Nothing is sent before the reminder hour, and each
// user is reminded at most once per day.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	if now.Hour() < s.reminderHour {
		return 0, nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	registeredFrom := today.AddDate(0, 0, -(reminderWindowDays - 1))

	ids, err := s.store.ListReminderCandidates(ctx, registeredFrom, today)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, chatID := range ids {
		err := s.notifier.NotifyUser(ctx, chatID, reminderText)
		if err != nil && !errors.Is(err, telegram.ErrRecipientUnavailable) {
			s.log.Warn("send reminder", "chat_id", chatID, "err", err)
			continue
		}
		if err == nil {
			sent++
		}
		if err := s.store.MarkReminderSent(ctx, chatID, today); err != nil {
			s.log.Error("mark reminder sent", "chat_id", chatID, "err", err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("daily bonus reminders sent", "sent", sent, "candidates", len(ids))
	}
	return sent, nil
}

// SendDiscountOffers sends the one-time discount to users who spent their
// only credit more than the discount delay ago. A user is marked once the
// offer was delivered or the chat is unreachable.
func (s *Scheduler) SendDiscountOffers(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ListDiscountCandidates(ctx, now.Add(-s.discountDelay))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, chatID := range ids {
		err := s.notifier.NotifyUser(ctx, chatID, discountText)
		if err != nil && !errors.Is(err, telegram.ErrRecipientUnavailable) {
			s.log.Warn("send discount offer", "chat_id", chatID, "err", err)
			continue
		}
		if markErr := s.store.MarkDiscountOffered(ctx, chatID, now); markErr != nil {
			s.log.Error("mark discount offered", "chat_id", chatID, "err", markErr)
			continue
		}
		if err == nil {
			sent++
		}
	}
	if sent > 0 {
		s.log.Info("discount offers sent", "sent", sent)
	}
	return sent, nil
}
