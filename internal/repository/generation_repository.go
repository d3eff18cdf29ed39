package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

// GenerationRepository keeps the audit trail of settled generation attempts.
type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, entry models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (chat_id, generation_number, outcome, main_images, bonus_images, reason)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`
	if _, err := r.db.ExecContext(ctx, query, entry.ChatID, entry.GenerationNumber, entry.Outcome,
		entry.MainImages, entry.BonusImages, entry.Reason); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

func (r *GenerationRepository) ListForUser(ctx context.Context, chatID int64, limit int) ([]models.GenerationLog, error) {
	const query = `
SELECT id, chat_id, generation_number, outcome, main_images, bonus_images, COALESCE(reason, ''), created_at
FROM generation_logs WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generation logs: %w", err)
	}
	defer rows.Close()

	var logs []models.GenerationLog
	for rows.Next() {
		var l models.GenerationLog
		if err := rows.Scan(&l.ID, &l.ChatID, &l.GenerationNumber, &l.Outcome, &l.MainImages, &l.BonusImages,
			&l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
