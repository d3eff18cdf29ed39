package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

type SourceRepository struct {
	db *sql.DB
}

func NewSourceRepository(db *sql.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

func (r *SourceRepository) Create(ctx context.Context, src *models.AdvertisingSource) error {
	const query = `
INSERT INTO advertising_sources (source_code, campaign_name, created_at)
VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, src.SourceCode, src.CampaignName, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("create advertising source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("advertising source last insert id: %w", err)
	}
	src.ID = id
	return nil
}
