// Package ledger accounts for the credit spent on a generation attempt.
//
// A credit is debited before any external work starts. The attempt then
// settles exactly once: Commit keeps the debit and applies earned bonuses,
// Compensate reverses it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

// ErrSettled is returned when a reservation is committed or compensated a
// second time.
var ErrSettled = errors.New("ledger: reservation already settled")

// Store is the account storage the ledger needs. Every method must be a
// single atomic update on the backing store.
type Store interface {
	// ReserveGeneration debits one credit and increments generation_count
	// when balance > 0, returning the account after the update. It returns
	// models.ErrInsufficientBalance or models.ErrUserNotFound otherwise.
	ReserveGeneration(ctx context.Context, chatID int64, now time.Time) (*models.User, error)
	// RefundGeneration credits one back and decrements generation_count.
	RefundGeneration(ctx context.Context, chatID int64) error
	AddBalance(ctx context.Context, chatID int64, delta int) error
	// ClaimReferralBonus flips referral_bonus_claimed to true and reports
	// whether this call was the one that flipped it.
	ClaimReferralBonus(ctx context.Context, chatID int64) (bool, error)
}

type State int

const (
	StateReserved State = iota + 1
	StateCommitted
	StateCompensated
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateCommitted:
		return "committed"
	case StateCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// Reservation is one debited, not yet settled, generation.
type Reservation struct {
	ChatID          int64
	GenerationCount int
	BalanceAfter    int
	ReferredBy      *int64
	ReferralClaimed bool

	state State
}

func (r *Reservation) State() State {
	return r.state
}

// Outcome describes what a commit granted.
type Outcome struct {
	StreakBonus     int
	ReferralAwarded bool
	NewBalance      int
}

type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "ledger"),
	}
}

// Reserve debits one credit for a generation attempt.
func (l *Ledger) Reserve(ctx context.Context, chatID int64) (*Reservation, error) {
	user, err := l.store.ReserveGeneration(ctx, chatID, l.now())
	if err != nil {
		return nil, err
	}
	return &Reservation{
		ChatID:          chatID,
		GenerationCount: user.GenerationCount,
		BalanceAfter:    user.Balance,
		ReferredBy:      user.ReferredBy,
		ReferralClaimed: user.ReferralBonusClaimed,
		state:           StateReserved,
	}, nil
}

// Commit finalizes the reservation and applies the streak and referral
// bonuses. Bonus crediting failures are logged and leave the commit intact.
func (l *Ledger) Commit(ctx context.Context, r *Reservation) (Outcome, error) {
	if r.state != StateReserved {
		return Outcome{}, fmt.Errorf("commit %s reservation: %w", r.state, ErrSettled)
	}
	r.state = StateCommitted

	bonus := EvaluateBonus(r.GenerationCount, r.ReferredBy, r.ReferralClaimed)
	out := Outcome{NewBalance: r.BalanceAfter}

	if bonus.Streak > 0 {
		if err := l.store.AddBalance(ctx, r.ChatID, bonus.Streak); err != nil {
			l.logger.Error("failed to credit streak bonus",
				"chat_id", r.ChatID, "generation_count", r.GenerationCount, "err", err)
		} else {
			out.StreakBonus = bonus.Streak
			out.NewBalance += bonus.Streak
		}
	}

	if bonus.ReferralTrigger {
		out.ReferralAwarded = l.awardReferral(ctx, r)
	}
	return out, nil
}

func (l *Ledger) awardReferral(ctx context.Context, r *Reservation) bool {
	log := l.logger.With("chat_id", r.ChatID, "referrer_chat_id", *r.ReferredBy)

	claimed, err := l.store.ClaimReferralBonus(ctx, r.ChatID)
	if err != nil {
		log.Error("failed to claim referral bonus", "err", err)
		return false
	}
	if !claimed {
		return false
	}
	r.ReferralClaimed = true
	if err := l.store.AddBalance(ctx, *r.ReferredBy, ReferralReward); err != nil {
		log.Error("failed to credit referrer", "err", err)
		return false
	}
	log.Info("referral bonus credited", "amount", ReferralReward)
	return true
}

// Compensate reverses the reservation. The reservation is settled even when
// the refund fails, so it is never applied twice.
func (l *Ledger) Compensate(ctx context.Context, r *Reservation) error {
	if r.state != StateReserved {
		return fmt.Errorf("compensate %s reservation: %w", r.state, ErrSettled)
	}
	r.state = StateCompensated
	if err := l.store.RefundGeneration(ctx, r.ChatID); err != nil {
		return fmt.Errorf("refund generation for %d: %w", r.ChatID, err)
	}
	return nil
}
