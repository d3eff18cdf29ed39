package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itsuppartem/telegram-image2life/internal/models"
)

var ErrCampaignRequired = errors.New("campaign name is required")

type SourceStore interface {
	Create(ctx context.Context, src *models.AdvertisingSource) error
}

// SourceService issues tracked start links for advertising campaigns.
type SourceService struct {
	sources     SourceStore
	botUsername string
	log         *slog.Logger
}

func NewSourceService(sources SourceStore, botUsername string, log *slog.Logger) *SourceService {
	return &SourceService{sources: sources, botUsername: botUsername, log: log}
}

type SourceLink struct {
	SourceCode string `json:"source_code"`
	Link       string `json:"link"`
}

func (s *SourceService) CreateLink(ctx context.Context, campaign string) (*SourceLink, error) {
	campaign = strings.TrimSpace(campaign)
	if campaign == "" {
		return nil, ErrCampaignRequired
	}

	code := "src_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	src := &models.AdvertisingSource{SourceCode: code, CampaignName: campaign, CreatedAt: time.Now()}
	if err := s.sources.Create(ctx, src); err != nil {
		return nil, fmt.Errorf("create source link: %w", err)
	}

	s.log.Info("source link created", "source_code", code, "campaign", campaign)
	return &SourceLink{
		SourceCode: code,
		Link:       fmt.Sprintf("https://t.me/%s?start=%s", s.botUsername, code),
	}, nil
}
