package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/gemini"
	"github.com/itsuppartem/telegram-image2life/internal/ledger"
	"github.com/itsuppartem/telegram-image2life/internal/models"
)

const (
	MainImageCount  = 4
	BonusImageCount = 2

	settleTimeout = 30 * time.Second
)

var (
	ErrEmptyImage         = errors.New("empty image")
	ErrInvalidImage       = errors.New("invalid image")
	ErrNoGenerationKeys   = errors.New("no generation api keys configured")
	ErrContentBlocked     = errors.New("generation blocked by content filter")
	ErrInsufficientImages = errors.New("not enough images generated")
	ErrExternalCall       = errors.New("generation call failed")
)

// ContentBlockedError carries the provider's reason for refusing a request.
// It matches ErrContentBlocked with errors.Is.
type ContentBlockedError struct {
	Reason  string
	Message string
}

func (e *ContentBlockedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", ErrContentBlocked, e.Reason)
	}
	return fmt.Sprintf("%s: %s - %s", ErrContentBlocked, e.Reason, e.Message)
}

func (e *ContentBlockedError) Is(target error) bool {
	return target == ErrContentBlocked
}

type ImageGenerator interface {
	GenerateOne(ctx context.Context, apiKey, prompt string, src gemini.Image) (*gemini.Image, error)
}

type KeySelector interface {
	Acquire(ctx context.Context) (int, error)
	Consume(ctx context.Context, keyIndex int) error
}

type CreditLedger interface {
	Reserve(ctx context.Context, chatID int64) (*ledger.Reservation, error)
	Commit(ctx context.Context, r *ledger.Reservation) (ledger.Outcome, error)
	Compensate(ctx context.Context, r *ledger.Reservation) error
}

type GenerationLogWriter interface {
	Log(ctx context.Context, entry models.GenerationLog) error
}

type ImageArchive interface {
	Store(ctx context.Context, images [][]byte, contentType string) ([]string, error)
}

type GenerationService struct {
	log       *slog.Logger
	generator ImageGenerator
	selector  KeySelector
	ledger    CreditLedger
	logs      GenerationLogWriter
	archive   ImageArchive
	apiKeys   []string
	prompt    string
	timeout   time.Duration
}

// NewGenerationService wires the orchestrator. archive may be nil when image
// archiving is disabled.
func NewGenerationService(cfg config.Config, log *slog.Logger, generator ImageGenerator, selector KeySelector,
	credits CreditLedger, logs GenerationLogWriter, archive ImageArchive) *GenerationService {
	return &GenerationService{
		log:       log.With("component", "generation"),
		generator: generator,
		selector:  selector,
		ledger:    credits,
		logs:      logs,
		archive:   archive,
		apiKeys:   cfg.GeminiAPIKeys,
		prompt:    cfg.GenerationPrompt,
		timeout:   cfg.GenerationTimeout,
	}
}

type GenerationResult struct {
	MainImages      []string `json:"main_images"`
	BonusImages     []string `json:"bonus_images"`
	MainImageURLs   []string `json:"main_image_urls,omitempty"`
	BonusImageURLs  []string `json:"bonus_image_urls,omitempty"`
	OzhivashkiSpent int      `json:"ozhivashki_spent"`
	NewBalance      int      `json:"new_balance"`
	GenerationCount int      `json:"generation_count"`
	StreakBonus     int      `json:"streak_bonus"`
}

// Generate spends one credit of chatID on turning source into four images,
// plus two bonus images on the first and every even generation.
//
// The attempt runs to commit or compensation even if ctx is canceled; only
// the configured generation timeout bounds it.
func (s *GenerationService) Generate(ctx context.Context, chatID int64, source []byte) (*GenerationResult, error) {
	if len(s.apiKeys) == 0 {
		return nil, ErrNoGenerationKeys
	}
	src, err := normalizeSourceImage(source)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.ledger.Reserve(ctx, chatID)
	if err != nil {
		return nil, err
	}
	log := s.log.With("chat_id", chatID, "generation_count", res.GenerationCount)

	defer func() {
		if p := recover(); p != nil {
			if res.State() == ledger.StateReserved {
				s.compensate(ctx, log, res, nil, fmt.Errorf("panic: %v", p))
			}
			panic(p)
		}
	}()

	images, err := s.collect(ctx, log, res, src)
	if err != nil {
		s.compensate(ctx, log, res, images, err)
		return nil, err
	}

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	outcome, err := s.ledger.Commit(settleCtx, res)
	if err != nil {
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	main, bonus := splitImages(images)
	log.Info("generation committed",
		"main_images", len(main), "bonus_images", len(bonus),
		"streak_bonus", outcome.StreakBonus, "referral_awarded", outcome.ReferralAwarded)
	s.audit(settleCtx, log, models.GenerationLog{
		ChatID:           chatID,
		GenerationNumber: res.GenerationCount,
		Outcome:          models.OutcomeCommitted,
		MainImages:       len(main),
		BonusImages:      len(bonus),
	})

	result := &GenerationResult{
		MainImages:      encodeImages(main),
		BonusImages:     encodeImages(bonus),
		OzhivashkiSpent: 1,
		NewBalance:      outcome.NewBalance,
		GenerationCount: res.GenerationCount,
		StreakBonus:     outcome.StreakBonus,
	}
	s.archiveImages(settleCtx, log, result, main, bonus)
	return result, nil
}

// collect performs the external calls for a reservation. It stops at the
// first blocked or failed call and returns whatever images it has so far.
func (s *GenerationService) collect(ctx context.Context, log *slog.Logger, res *ledger.Reservation, src gemini.Image) ([]gemini.Image, error) {
	total := MainImageCount
	if ledger.BonusImagesEligible(res.GenerationCount) {
		total += BonusImageCount
	}

	images := make([]gemini.Image, 0, total)
	for call := 1; call <= total; call++ {
		img, err := s.generateOne(ctx, src)
		if err != nil {
			return images, err
		}
		if img == nil {
			log.Warn("generation call returned no image", "call", call, "total", total)
			continue
		}
		images = append(images, *img)
	}

	if len(images) < MainImageCount {
		return images, fmt.Errorf("%w: got %d of %d", ErrInsufficientImages, len(images), MainImageCount)
	}
	return images, nil
}

func (s *GenerationService) generateOne(ctx context.Context, src gemini.Image) (*gemini.Image, error) {
	idx, err := s.selector.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire api key: %w", err)
	}
	if idx < 0 || idx >= len(s.apiKeys) {
		return nil, fmt.Errorf("%w: key index %d out of range", ErrExternalCall, idx)
	}

	img, err := s.generator.GenerateOne(ctx, s.apiKeys[idx], s.prompt, src)
	if !errors.Is(err, gemini.ErrNotSent) {
		s.consume(ctx, idx)
	}
	if err != nil {
		var blocked *gemini.BlockedError
		if errors.As(err, &blocked) {
			return nil, &ContentBlockedError{Reason: blocked.Reason, Message: blocked.Message}
		}
		return nil, fmt.Errorf("%w: key %d: %w", ErrExternalCall, idx, err)
	}
	return img, nil
}

// consume charges a key for a call that reached the provider. The generation
// deadline may already have expired, so the charge runs on a settle context.
func (s *GenerationService) consume(ctx context.Context, idx int) {
	cctx, cancel := settleContext(ctx)
	defer cancel()
	if err := s.selector.Consume(cctx, idx); err != nil {
		s.log.Warn("failed to consume key quota", "key_index", idx, "err", err)
	}
}

func (s *GenerationService) compensate(ctx context.Context, log *slog.Logger, res *ledger.Reservation, images []gemini.Image, cause error) {
	settleCtx, cancel := settleContext(ctx)
	defer cancel()

	log.Error("generation failed, compensating", "images", len(images), "err", cause)
	if err := s.ledger.Compensate(settleCtx, res); err != nil {
		log.Error("compensation failed", "err", err)
	}

	main, bonus := splitImages(images)
	s.audit(settleCtx, log, models.GenerationLog{
		ChatID:           res.ChatID,
		GenerationNumber: res.GenerationCount,
		Outcome:          models.OutcomeCompensated,
		MainImages:       len(main),
		BonusImages:      len(bonus),
		Reason:           cause.Error(),
	})
}

func (s *GenerationService) audit(ctx context.Context, log *slog.Logger, entry models.GenerationLog) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Log(ctx, entry); err != nil {
		log.Warn("failed to write generation log", "err", err)
	}
}

func (s *GenerationService) archiveImages(ctx context.Context, log *slog.Logger, result *GenerationResult, main, bonus []gemini.Image) {
	if s.archive == nil {
		return
	}
	all := make([][]byte, 0, len(main)+len(bonus))
	for _, img := range append(append([]gemini.Image{}, main...), bonus...) {
		all = append(all, img.Data)
	}
	urls, err := s.archive.Store(ctx, all, main[0].MimeType)
	if err != nil {
		log.Warn("failed to archive images", "err", err)
		return
	}
	result.MainImageURLs = urls[:len(main)]
	result.BonusImageURLs = urls[len(main):]
}

// settleContext bounds ledger settlement independently of the generation
// deadline, which may already have passed.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// splitImages assigns the first MainImageCount images to the main set and
// the rest to the bonus set.
func splitImages(images []gemini.Image) (main, bonus []gemini.Image) {
	if len(images) <= MainImageCount {
		return images, nil
	}
	return images[:MainImageCount], images[MainImageCount:]
}

func encodeImages(images []gemini.Image) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		out = append(out, base64.StdEncoding.EncodeToString(img.Data))
	}
	return out
}
