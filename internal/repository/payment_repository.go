package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `payment_id, chat_id, item_name, quantity, price, status, generations_added,
COALESCE(cancellation_reason, ''), COALESCE(cancellation_party, ''), created_at, COALESCE(updated_at, created_at)`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	if err := row.Scan(&p.PaymentID, &p.ChatID, &p.ItemName, &p.Quantity, &p.Price, &p.Status, &p.GenerationsAdded,
		&p.CancellationReason, &p.CancellationParty, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	const query = `
INSERT INTO payments (payment_id, chat_id, item_name, quantity, price, status, generations_added)
VALUES (?, ?, ?, ?, ?, ?, 0)`
	if _, err := r.db.ExecContext(ctx, query, p.PaymentID, p.ChatID, p.ItemName, p.Quantity, p.Price, p.Status); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = ?`
	return scanPayment(r.db.QueryRowContext(ctx, query, paymentID))
}

// ListUnsettled returns payments whose outcome has not been applied yet.
func (r *PaymentRepository) ListUnsettled(ctx context.Context, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
WHERE generations_added = 0 AND status <> ? ORDER BY created_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, models.PaymentCanceled, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsettled payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	const query = `UPDATE payments SET status = ?, updated_at = NOW() WHERE payment_id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// ApplySucceeded marks the payment succeeded and credits its quantity to the
// owner in the same transaction. A payment already applied is left alone and
// reported with applied=false.
func (r *PaymentRepository) ApplySucceeded(ctx context.Context, paymentID string) (p *models.Payment, applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin apply payment: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = ? FOR UPDATE`
	p, err = scanPayment(tx.QueryRowContext(ctx, query, paymentID))
	if err != nil {
		return nil, false, err
	}
	if p.GenerationsAdded {
		return p, false, nil
	}

	if p.Quantity > 0 {
		res, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE chat_id = ?`, p.Quantity, p.ChatID)
		if err != nil {
			return nil, false, fmt.Errorf("credit payment: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("credit rows affected: %w", err)
		}
		if affected == 0 {
			return nil, false, models.ErrUserNotFound
		}
	}

	const mark = `UPDATE payments SET status = ?, generations_added = 1, updated_at = NOW() WHERE payment_id = ?`
	if _, err := tx.ExecContext(ctx, mark, models.PaymentSucceeded, paymentID); err != nil {
		return nil, false, fmt.Errorf("mark payment applied: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit apply payment: %w", err)
	}
	p.Status = models.PaymentSucceeded
	p.GenerationsAdded = true
	return p, true, nil
}

// MarkCanceled settles an unsettled payment as canceled. It reports whether
// this call settled it.
func (r *PaymentRepository) MarkCanceled(ctx context.Context, paymentID, reason, party string) (bool, error) {
	const query = `
UPDATE payments SET status = ?, cancellation_reason = NULLIF(?, ''), cancellation_party = NULLIF(?, ''),
generations_added = 1, updated_at = NOW()
WHERE payment_id = ? AND generations_added = 0`
	res, err := r.db.ExecContext(ctx, query, models.PaymentCanceled, reason, party, paymentID)
	if err != nil {
		return false, fmt.Errorf("mark payment canceled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return affected > 0, nil
}
