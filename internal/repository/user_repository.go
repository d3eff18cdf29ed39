package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/ledger"
	"github.com/itsuppartem/telegram-image2life/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

var _ ledger.Store = (*UserRepository)(nil)

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `chat_id, COALESCE(username, ''), balance, generation_count, first_generation_time, last_generation_time,
registered_at, referral_code, referred_by, referral_bonus_claimed, daily_bonus_claimed_today, daily_bonus_streak,
discount_offered, last_activity_time, COALESCE(advertising_source, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                        models.User
		firstGen, lastGen, lastA sql.NullTime
		referredBy               sql.NullInt64
	)
	err := row.Scan(&u.ChatID, &u.Username, &u.Balance, &u.GenerationCount, &firstGen, &lastGen,
		&u.RegisteredAt, &u.ReferralCode, &referredBy, &u.ReferralBonusClaimed, &u.DailyBonusClaimedToday,
		&u.DailyBonusStreak, &u.DiscountOffered, &lastA, &u.AdvertisingSource)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.FirstGenerationTime = nullTime(firstGen)
	u.LastGenerationTime = nullTime(lastGen)
	u.LastActivityTime = nullTime(lastA)
	if referredBy.Valid {
		id := referredBy.Int64
		u.ReferredBy = &id
	}
	return &u, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *UserRepository) FindByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE chat_id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, chatID))
}

func (r *UserRepository) Exists(ctx context.Context, chatID int64) (bool, error) {
	return exists(ctx, r.db, chatID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryer, chatID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return true, nil
}

// Create inserts the user unless one with the same chat_id exists. It
// reports whether a row was inserted.
func (r *UserRepository) Create(ctx context.Context, u *models.User) (bool, error) {
	const query = `
INSERT IGNORE INTO users (chat_id, username, balance, generation_count, registered_at, referral_code, referred_by, last_activity_time, advertising_source)
VALUES (?, NULLIF(?, ''), ?, 0, ?, ?, ?, ?, NULLIF(?, ''))`
	var referredBy any
	if u.ReferredBy != nil {
		referredBy = *u.ReferredBy
	}
	res, err := r.db.ExecContext(ctx, query, u.ChatID, u.Username, u.Balance, u.RegisteredAt, u.ReferralCode,
		referredBy, u.LastActivityTime, u.AdvertisingSource)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert user rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) TouchActivity(ctx context.Context, chatID int64, now time.Time) error {
	const query = `UPDATE users SET last_activity_time = ? WHERE chat_id = ?`
	if _, err := r.db.ExecContext(ctx, query, now, chatID); err != nil {
		return fmt.Errorf("update last activity: %w", err)
	}
	return nil
}

// ReserveGeneration debits one credit when the balance allows it and returns
// the account as it is after the debit.
func (r *UserRepository) ReserveGeneration(ctx context.Context, chatID int64, now time.Time) (*models.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin reserve", err)
	}
	defer tx.Rollback()

	const debit = `
UPDATE users SET balance = balance - 1, generation_count = generation_count + 1,
last_generation_time = ?, first_generation_time = COALESCE(first_generation_time, ?), last_activity_time = ?
WHERE chat_id = ? AND balance > 0`
	res, err := tx.ExecContext(ctx, debit, now, now, now, chatID)
	if err != nil {
		return nil, storeError("reserve generation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve rows affected: %w", err)
	}
	if affected == 0 {
		found, err := exists(ctx, tx, chatID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, models.ErrUserNotFound
		}
		return nil, models.ErrInsufficientBalance
	}

	user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = ?`, chatID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return user, nil
}

func (r *UserRepository) RefundGeneration(ctx context.Context, chatID int64) error {
	const query = `
UPDATE users SET balance = balance + 1, generation_count = GREATEST(generation_count - 1, 0)
WHERE chat_id = ?`
	res, err := r.db.ExecContext(ctx, query, chatID)
	if err != nil {
		return storeError("refund generation", err)
	}
	return r.requireUser(ctx, res, chatID)
}

func (r *UserRepository) AddBalance(ctx context.Context, chatID int64, delta int) error {
	const query = `UPDATE users SET balance = GREATEST(balance + ?, 0) WHERE chat_id = ?`
	res, err := r.db.ExecContext(ctx, query, delta, chatID)
	if err != nil {
		return storeError("update balance", err)
	}
	return r.requireUser(ctx, res, chatID)
}

func (r *UserRepository) ClaimReferralBonus(ctx context.Context, chatID int64) (bool, error) {
	const query = `UPDATE users SET referral_bonus_claimed = 1 WHERE chat_id = ? AND referral_bonus_claimed = 0`
	res, err := r.db.ExecContext(ctx, query, chatID)
	if err != nil {
		return false, storeError("claim referral bonus", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("referral rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClaimDailyBonus credits amount when the bonus was not claimed today and
// the user registered after registeredAfter.
func (r *UserRepository) ClaimDailyBonus(ctx context.Context, chatID int64, amount int, registeredAfter, now time.Time) (bool, error) {
	const query = `
UPDATE users SET balance = balance + ?, daily_bonus_claimed_today = 1, daily_bonus_streak = daily_bonus_streak + 1,
last_activity_time = ?
WHERE chat_id = ? AND daily_bonus_claimed_today = 0 AND registered_at > ?`
	res, err := r.db.ExecContext(ctx, query, amount, now, chatID, registeredAfter)
	if err != nil {
		return false, fmt.Errorf("claim daily bonus: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("daily bonus rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) MarkDiscountOffered(ctx context.Context, chatID int64, now time.Time) error {
	const query = `UPDATE users SET discount_offered = 1, last_activity_time = ? WHERE chat_id = ?`
	res, err := r.db.ExecContext(ctx, query, now, chatID)
	if err != nil {
		return fmt.Errorf("mark discount offered: %w", err)
	}
	return r.requireUser(ctx, res, chatID)
}

func (r *UserRepository) ResetDailyBonusFlags(ctx context.Context) (int64, error) {
	const query = `UPDATE users SET daily_bonus_claimed_today = 0 WHERE daily_bonus_claimed_today = 1`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reset daily bonus flags: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows affected: %w", err)
	}
	return affected, nil
}

// ListReminderCandidates returns users registered at or after registeredFrom
// who have not claimed today's bonus and were not reminded on day yet.
func (r *UserRepository) ListReminderCandidates(ctx context.Context, registeredFrom, day time.Time) ([]int64, error) {
	const query = `
SELECT chat_id FROM users
WHERE registered_at >= ? AND daily_bonus_claimed_today = 0
AND (last_bonus_reminder_date IS NULL OR last_bonus_reminder_date < ?)`
	return r.listChatIDs(ctx, query, registeredFrom, day.Format(time.DateOnly))
}

func (r *UserRepository) MarkReminderSent(ctx context.Context, chatID int64, day time.Time) error {
	const query = `UPDATE users SET last_bonus_reminder_date = ? WHERE chat_id = ?`
	if _, err := r.db.ExecContext(ctx, query, day.Format(time.DateOnly), chatID); err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// ListDiscountCandidates returns users who generated exactly once, before
// lastGenerationBefore, spent everything and were never offered a discount.
func (r *UserRepository) ListDiscountCandidates(ctx context.Context, lastGenerationBefore time.Time) ([]int64, error) {
	const query = `
SELECT chat_id FROM users
WHERE generation_count = 1 AND balance = 0 AND discount_offered = 0 AND last_generation_time < ?`
	return r.listChatIDs(ctx, query, lastGenerationBefore)
}

func (r *UserRepository) listChatIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// requireUser turns "no rows changed" into ErrUserNotFound when the user is
// really missing. MySQL reports changed rows, not matched ones.
func (r *UserRepository) requireUser(ctx context.Context, res sql.Result, chatID int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	found, err := exists(ctx, r.db, chatID)
	if err != nil {
		return err
	}
	if !found {
		return models.ErrUserNotFound
	}
	return nil
}
