// Package api exposes the generation, account and payment operations over
// HTTP for the bot front end and the payment provider.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/itsuppartem/telegram-image2life/internal/models"
	"github.com/itsuppartem/telegram-image2life/internal/quota"
	"github.com/itsuppartem/telegram-image2life/internal/service"
)

const (
	maxUploadBytes      = 20 << 20
	maxWebhookBytes     = 1 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Generator interface {
	Generate(ctx context.Context, chatID int64, source []byte) (*service.GenerationResult, error)
}

type Users interface {
	Register(ctx context.Context, req service.RegisterRequest) (*models.User, bool, error)
	Get(ctx context.Context, chatID int64) (*models.User, error)
	AddCredits(ctx context.Context, chatID int64, amount int) error
	ClaimDailyBonus(ctx context.Context, chatID int64) (int, error)
	MarkDiscountOffered(ctx context.Context, chatID int64) error
	ResetDailyBonusFlags(ctx context.Context) (int64, error)
}

type Sources interface {
	CreateLink(ctx context.Context, campaign string) (*service.SourceLink, error)
}

type Payments interface {
	CreatePayment(ctx context.Context, chatID int64, req service.PaymentRequest) (*service.PaymentLink, error)
	HandleWebhook(ctx context.Context, body []byte) error
}

type QuotaReporter interface {
	Snapshot(ctx context.Context) ([]models.KeyQuota, error)
}

type GenerationHistory interface {
	ListForUser(ctx context.Context, chatID int64, limit int) ([]models.GenerationLog, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Generator Generator
	Users     Users
	Sources   Sources
	Payments  Payments
	Quota     QuotaReporter
	History   GenerationHistory
}

type Options struct {
	Addr               string
	APIKey             string
	RateLimitPerMinute int
	// WriteTimeout must cover the longest generation.
	WriteTimeout time.Duration
}

type Server struct {
	opts   Options
	log    *slog.Logger
	deps   Deps
	router *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		opts:   opts,
		log:    log.With("component", "api"),
		deps:   deps,
		router: r,
	}

	r.Post("/webhook/yookassa", s.handleYooKassaWebhook)
	r.Group(func(protected chi.Router) {
		if opts.RateLimitPerMinute > 0 {
			protected.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
		}
		protected.Use(s.apiKeyMiddleware)

		protected.Post("/generate_source_link", s.handleGenerateSourceLink)
		protected.Get("/api_key_limits", s.handleAPIKeyLimits)
		protected.Post("/generate", s.handleGenerate)
		protected.Post("/tasks/reset_daily_bonus_flags", s.handleResetDailyBonusFlags)
		protected.Post("/users", s.handleCreateUser)
		protected.Route("/users/{chat_id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Get("/generations", s.handleGenerationHistory)
			r.Post("/create_payment", s.handleCreatePayment)
			r.Post("/add_ozhivashki/{amount}", s.handleAddCredits)
			r.Post("/claim_daily_bonus", s.handleClaimDailyBonus)
			r.Put("/mark_discount_offered", s.handleMarkDiscountOffered)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	writeTimeout := s.opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

type sourceLinkRequest struct {
	CampaignName string `json:"campaign_name"`
}

func (s *Server) handleGenerateSourceLink(w http.ResponseWriter, r *http.Request) {
	var req sourceLinkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	link, err := s.deps.Sources.CreateLink(r.Context(), req.CampaignName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.ChatID == 0 {
		s.writeDetail(w, http.StatusBadRequest, "chat_id required")
		return
	}
	user, _, err := s.deps.Users.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	user, err := s.deps.Users.Get(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGenerationHistory(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeDetail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := s.deps.History.ListForUser(r.Context(), chatID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.GenerationLog{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAPIKeyLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.deps.Quota.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("chat_id")), 10, 64)
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid chat_id")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "image file required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "read image")
		return
	}

	result, err := s.deps.Generator.Generate(r.Context(), chatID, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	var req service.PaymentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	link, err := s.deps.Payments.CreatePayment(r.Context(), chatID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	amount, err := strconv.Atoi(chi.URLParam(r, "amount"))
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.deps.Users.AddCredits(r.Context(), chatID, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("%d оживашек успешно добавлено.", amount)})
}

func (s *Server) handleClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	added, err := s.deps.Users.ClaimDailyBonus(r.Context(), chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Ежедневный бонус получен!", "ozhivashki_added": added})
}

func (s *Server) handleMarkDiscountOffered(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.chatID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Users.MarkDiscountOffered(r.Context(), chatID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Скидка отмечена как предложенная."})
}

func (s *Server) handleResetDailyBonusFlags(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Users.ResetDailyBonusFlags(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

// handleYooKassaWebhook is the public endpoint for payment status updates.
// Unknown payments are acknowledged so the provider stops retrying them.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "read body error")
		return
	}
	err = s.deps.Payments.HandleWebhook(r.Context(), body)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrPaymentNotFound):
		s.log.Warn("webhook for unknown payment", "err", err)
	case errors.Is(err, service.ErrInvalidPayment):
		s.writeDetail(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Error("yookassa webhook", "err", err)
		s.writeDetail(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// apiKeyMiddleware accepts the key in either the "api_key" or the "api-key"
// header.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("api_key")
		if key == "" {
			key = r.Header.Get("api-key")
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
			s.writeDetail(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "chat_id")), 10, 64)
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid chat_id")
		return 0, false
	}
	return id, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrUserNotFound), errors.Is(err, models.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrContentBlocked),
		errors.Is(err, service.ErrEmptyImage),
		errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidPayment),
		errors.Is(err, service.ErrCampaignRequired),
		errors.Is(err, models.ErrDailyBonusUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrStoreUnavailable),
		errors.Is(err, models.ErrStorageUnavailable),
		errors.Is(err, service.ErrNoGenerationKeys):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
		if status == http.StatusInternalServerError {
			s.writeDetail(w, status, "internal error")
			return
		}
	}
	s.writeDetail(w, status, err.Error())
}

func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
