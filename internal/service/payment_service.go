package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/models"
	"github.com/itsuppartem/telegram-image2life/internal/telegram"
	"github.com/itsuppartem/telegram-image2life/internal/yookassa"
)

const (
	syncBatchSize        = 100
	notFoundCancelReason = "not_found_in_yookassa"
)

var ErrInvalidPayment = errors.New("invalid payment request")

type PaymentProvider interface {
	CreatePayment(ctx context.Context, req yookassa.CreateRequest) (*yookassa.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*yookassa.Payment, error)
	CapturePayment(ctx context.Context, paymentID string, amount yookassa.Amount) (*yookassa.Payment, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	FindByID(ctx context.Context, paymentID string) (*models.Payment, error)
	ListUnsettled(ctx context.Context, limit int) ([]models.Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error
	ApplySucceeded(ctx context.Context, paymentID string) (*models.Payment, bool, error)
	MarkCanceled(ctx context.Context, paymentID, reason, party string) (bool, error)
}

type AccountChecker interface {
	Exists(ctx context.Context, chatID int64) (bool, error)
}

type Notifier interface {
	NotifyUser(ctx context.Context, chatID int64, text string, buttons ...telegram.Button) error
	NotifyAdmin(ctx context.Context, text string) error
}

type PaymentService struct {
	log         *slog.Logger
	payments    PaymentStore
	users       AccountChecker
	provider    PaymentProvider
	notifier    Notifier
	botUsername string
	currency    string
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments PaymentStore, users AccountChecker,
	provider PaymentProvider, notifier Notifier) *PaymentService {
	return &PaymentService{
		log:         log.With("component", "payments"),
		payments:    payments,
		users:       users,
		provider:    provider,
		notifier:    notifier,
		botUsername: cfg.BotUsername,
		currency:    cfg.PaymentCurrency,
	}
}

type PaymentRequest struct {
	ItemName string  `json:"item_name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type PaymentLink struct {
	PaymentURL string `json:"payment_url"`
	PaymentID  string `json:"payment_id"`
}

// CreatePayment opens a provider payment that returns the buyer to the bot
// and records it as unsettled.
func (s *PaymentService) CreatePayment(ctx context.Context, chatID int64, req PaymentRequest) (*PaymentLink, error) {
	req.ItemName = strings.TrimSpace(req.ItemName)
	if req.ItemName == "" || req.Quantity <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("%w: item_name, quantity and price are required", ErrInvalidPayment)
	}
	found, err := s.users.Exists(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrUserNotFound
	}

	p, err := s.provider.CreatePayment(ctx, yookassa.CreateRequest{
		Amount: yookassa.NewAmount(req.Price, s.currency),
		Confirmation: yookassa.Confirmation{
			Type:      "redirect",
			ReturnURL: "https://t.me/" + s.botUsername,
		},
		Description: fmt.Sprintf("%s для Оживи Рисунок (user %d)", req.ItemName, chatID),
		Metadata: map[string]string{
			"chat_id":   strconv.FormatInt(chatID, 10),
			"quantity":  strconv.Itoa(req.Quantity),
			"item_name": req.ItemName,
		},
		Capture: true,
	})
	if err != nil {
		return nil, err
	}

	record := &models.Payment{
		PaymentID: p.ID,
		ChatID:    chatID,
		ItemName:  req.ItemName,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    models.PaymentStatus(p.Status),
		CreatedAt: time.Now(),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.log.Info("payment created", "payment_id", p.ID, "chat_id", chatID, "item", req.ItemName, "quantity", req.Quantity)
	return &PaymentLink{PaymentURL: p.Confirmation.ConfirmationURL, PaymentID: p.ID}, nil
}

// HandleWebhook applies a provider notification. The payment state is
// re-read from the provider instead of trusting the posted body.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte) error {
	n, err := yookassa.ParseNotification(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	local, err := s.payments.FindByID(ctx, n.Object.ID)
	if err != nil {
		return err
	}
	return s.sync(ctx, *local)
}

// SyncPending polls the provider for every unsettled payment and applies
// status changes. It returns how many payments were checked. Per-payment
// failures are logged and do not stop the batch.
func (s *PaymentService) SyncPending(ctx context.Context) (int, error) {
	pending, err := s.payments.ListUnsettled(ctx, syncBatchSize)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.sync(ctx, p); err != nil {
			s.log.Error("sync payment", "payment_id", p.PaymentID, "chat_id", p.ChatID, "err", err)
		}
	}
	return len(pending), nil
}

func (s *PaymentService) sync(ctx context.Context, local models.Payment) error {
	if local.GenerationsAdded {
		return nil
	}
	remote, err := s.provider.GetPayment(ctx, local.PaymentID)
	if errors.Is(err, yookassa.ErrNotFound) {
		s.log.Warn("payment unknown to provider, canceling", "payment_id", local.PaymentID, "chat_id", local.ChatID)
		_, err := s.payments.MarkCanceled(ctx, local.PaymentID, notFoundCancelReason, "")
		return err
	}
	if err != nil {
		return err
	}
	return s.applyStatus(ctx, local, remote)
}

func (s *PaymentService) applyStatus(ctx context.Context, local models.Payment, remote *yookassa.Payment) error {
	switch models.PaymentStatus(remote.Status) {
	case models.PaymentSucceeded:
		return s.applySucceeded(ctx, local)
	case models.PaymentCanceled:
		return s.applyCanceled(ctx, local, remote)
	case models.PaymentWaitingForCapture:
		captured, err := s.provider.CapturePayment(ctx, remote.ID, remote.Amount)
		if err != nil {
			return err
		}
		s.log.Info("payment captured", "payment_id", remote.ID, "status", captured.Status)
		if err := s.payments.UpdateStatus(ctx, local.PaymentID, models.PaymentStatus(captured.Status)); err != nil {
			return err
		}
		if models.PaymentStatus(captured.Status) != models.PaymentSucceeded {
			return nil
		}
		s.notifyAdmin(ctx, fmt.Sprintf("ℹ️ Платеж %s (user %d) успешно подтвержден", local.PaymentID, local.ChatID))
		return s.applySucceeded(ctx, local)
	default:
		if models.PaymentStatus(remote.Status) == local.Status {
			return nil
		}
		s.log.Info("payment status changed", "payment_id", local.PaymentID, "from", local.Status, "to", remote.Status)
		return s.payments.UpdateStatus(ctx, local.PaymentID, models.PaymentStatus(remote.Status))
	}
}

func (s *PaymentService) applySucceeded(ctx context.Context, local models.Payment) error {
	p, applied, err := s.payments.ApplySucceeded(ctx, local.PaymentID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if p.Quantity <= 0 {
		s.log.Error("succeeded payment has no quantity", "payment_id", p.PaymentID, "chat_id", p.ChatID, "quantity", p.Quantity)
		s.notifyAdmin(ctx, fmt.Sprintf("⚠️ ОШИБКА: Некорректное кол-во (%d) для УСПЕШНОГО платежа %s, user %d.",
			p.Quantity, p.PaymentID, p.ChatID))
		return nil
	}

	s.log.Info("payment credited", "payment_id", p.PaymentID, "chat_id", p.ChatID, "quantity", p.Quantity)
	s.notifyUser(ctx, p.ChatID,
		fmt.Sprintf("🎉 Оплата прошла успешно! Начислено <b>%d %s</b> (%s).",
			p.Quantity, telegram.PluralizeCredits(p.Quantity), html.EscapeString(p.ItemName)),
		telegram.Button{Text: "🪄 Оживить еще!", CallbackData: "generate_drawing"})
	s.notifyAdmin(ctx, fmt.Sprintf("✅ Успешный платеж %s (%s) для user %d. Начислено: %d.",
		p.PaymentID, html.EscapeString(p.ItemName), p.ChatID, p.Quantity))
	return nil
}

func (s *PaymentService) applyCanceled(ctx context.Context, local models.Payment, remote *yookassa.Payment) error {
	reason, party := "N/A", "N/A"
	if d := remote.CancellationDetails; d != nil {
		reason, party = d.Reason, d.Party
	}
	settled, err := s.payments.MarkCanceled(ctx, local.PaymentID, reason, party)
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	s.log.Info("payment canceled", "payment_id", local.PaymentID, "chat_id", local.ChatID, "reason", reason, "party", party)
	s.notifyUser(ctx, local.ChatID, fmt.Sprintf(
		"😔 Платеж (%s) был отменен. Попробуй еще раз или напиши в поддержку, если это ошибка.",
		html.EscapeString(local.ItemName)))
	s.notifyAdmin(ctx, fmt.Sprintf("❌ Платеж %s отменен для user %d. Причина: %s (%s).",
		local.PaymentID, local.ChatID, reason, party))
	return nil
}

func (s *PaymentService) notifyUser(ctx context.Context, chatID int64, text string, buttons ...telegram.Button) {
	if err := s.notifier.NotifyUser(ctx, chatID, text, buttons...); err != nil {
		s.log.Warn("notify user", "chat_id", chatID, "err", err)
	}
}

func (s *PaymentService) notifyAdmin(ctx context.Context, text string) {
	if err := s.notifier.NotifyAdmin(ctx, text); err != nil {
		s.log.Warn("notify admin", "err", err)
	}
}
