package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

const (
	StartingBalance    = 1
	DailyBonusAmount   = 1
	DailyBonusDays     = 3
	referralCodePrefix = "ref_"
)

var ErrInvalidAmount = errors.New("amount must be positive")

type UserStore interface {
	FindByChatID(ctx context.Context, chatID int64) (*models.User, error)
	Exists(ctx context.Context, chatID int64) (bool, error)
	Create(ctx context.Context, u *models.User) (bool, error)
	TouchActivity(ctx context.Context, chatID int64, now time.Time) error
	AddBalance(ctx context.Context, chatID int64, delta int) error
	ClaimDailyBonus(ctx context.Context, chatID int64, amount int, registeredAfter, now time.Time) (bool, error)
	MarkDiscountOffered(ctx context.Context, chatID int64, now time.Time) error
	ResetDailyBonusFlags(ctx context.Context) (int64, error)
}

type UserService struct {
	users UserStore
	log   *slog.Logger
	now   func() time.Time
}

func NewUserService(users UserStore, log *slog.Logger) *UserService {
	return &UserService{users: users, log: log.With("component", "users"), now: time.Now}
}

type RegisterRequest struct {
	ChatID            int64  `json:"chat_id"`
	Username          string `json:"username"`
	ReferralCode      string `json:"referral_code"`
	AdvertisingSource string `json:"advertising_source"`
}

// Register creates the account on first contact and returns the existing one
// on every later call. created reports whether this call inserted it.
func (s *UserService) Register(ctx context.Context, req RegisterRequest) (user *models.User, created bool, err error) {
	existing, err := s.users.FindByChatID(ctx, req.ChatID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, models.ErrUserNotFound):
		return nil, false, fmt.Errorf("find user: %w", err)
	}

	now := s.now()
	u := &models.User{
		ChatID:            req.ChatID,
		Username:          req.Username,
		Balance:           StartingBalance,
		RegisteredAt:      now,
		ReferralCode:      referralCodePrefix + strconv.FormatInt(req.ChatID, 10),
		LastActivityTime:  &now,
		AdvertisingSource: req.AdvertisingSource,
	}
	if referrer, ok := s.resolveReferrer(ctx, req.ChatID, req.ReferralCode); ok {
		u.ReferredBy = &referrer
	}

	inserted, err := s.users.Create(ctx, u)
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent registration.
		existing, err := s.users.FindByChatID(ctx, req.ChatID)
		if err != nil {
			return nil, false, fmt.Errorf("find user: %w", err)
		}
		return existing, false, nil
	}

	s.log.Info("user registered", "chat_id", u.ChatID, "referred_by", u.ReferredBy, "source", u.AdvertisingSource)
	return u, true, nil
}

// resolveReferrer accepts "ref_<chat_id>" codes that point at another,
// existing user.
func (s *UserService) resolveReferrer(ctx context.Context, chatID int64, code string) (int64, bool) {
	if !strings.HasPrefix(code, referralCodePrefix) {
		return 0, false
	}
	referrer, err := strconv.ParseInt(strings.TrimPrefix(code, referralCodePrefix), 10, 64)
	if err != nil {
		s.log.Warn("unparsable referral code", "chat_id", chatID, "code", code)
		return 0, false
	}
	if referrer == chatID {
		s.log.Warn("own referral code used", "chat_id", chatID)
		return 0, false
	}
	found, err := s.users.Exists(ctx, referrer)
	if err != nil {
		s.log.Error("check referrer", "chat_id", chatID, "referrer", referrer, "err", err)
		return 0, false
	}
	if !found {
		s.log.Warn("referrer not found", "chat_id", chatID, "referrer", referrer)
		return 0, false
	}
	return referrer, true
}

// Get returns the account and records the user as active.
func (s *UserService) Get(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := s.users.FindByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.users.TouchActivity(ctx, chatID, s.now()); err != nil {
		s.log.Warn("touch activity", "chat_id", chatID, "err", err)
	}
	return u, nil
}

func (s *UserService) AddCredits(ctx context.Context, chatID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.users.AddBalance(ctx, chatID, amount); err != nil {
		return err
	}
	if err := s.users.TouchActivity(ctx, chatID, s.now()); err != nil {
		s.log.Warn("touch activity", "chat_id", chatID, "err", err)
	}
	s.log.Info("credits added", "chat_id", chatID, "amount", amount)
	return nil
}

// ClaimDailyBonus grants DailyBonusAmount once per day during the first
// DailyBonusDays after registration.
func (s *UserService) ClaimDailyBonus(ctx context.Context, chatID int64) (int, error) {
	now := s.now()
	registeredAfter := now.Add(-DailyBonusDays * 24 * time.Hour)

	ok, err := s.users.ClaimDailyBonus(ctx, chatID, DailyBonusAmount, registeredAfter, now)
	if err != nil {
		return 0, err
	}
	if ok {
		s.log.Info("daily bonus claimed", "chat_id", chatID)
		return DailyBonusAmount, nil
	}

	u, err := s.users.FindByChatID(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if u.DailyBonusClaimedToday {
		return 0, fmt.Errorf("%w: already claimed today", models.ErrDailyBonusUnavailable)
	}
	return 0, fmt.Errorf("%w: only available during the first %d days", models.ErrDailyBonusUnavailable, DailyBonusDays)
}

func (s *UserService) MarkDiscountOffered(ctx context.Context, chatID int64) error {
	return s.users.MarkDiscountOffered(ctx, chatID, s.now())
}

func (s *UserService) ResetDailyBonusFlags(ctx context.Context) (int64, error) {
	n, err := s.users.ResetDailyBonusFlags(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Info("daily bonus flags reset", "users", n)
	return n, nil
}
