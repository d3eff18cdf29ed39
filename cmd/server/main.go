package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/itsuppartem/telegram-image2life/internal/api"
	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/database"
	"github.com/itsuppartem/telegram-image2life/internal/gemini"
	"github.com/itsuppartem/telegram-image2life/internal/ledger"
	"github.com/itsuppartem/telegram-image2life/internal/quota"
	"github.com/itsuppartem/telegram-image2life/internal/repository"
	"github.com/itsuppartem/telegram-image2life/internal/service"
	"github.com/itsuppartem/telegram-image2life/internal/storage"
	"github.com/itsuppartem/telegram-image2life/internal/telegram"
	"github.com/itsuppartem/telegram-image2life/internal/worker"
	"github.com/itsuppartem/telegram-image2life/internal/yookassa"
	"github.com/itsuppartem/telegram-image2life/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("redis connect: %v", err)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	selector := quota.NewSelector(
		quota.NewRedisStore(rdb, quota.WithKeyPrefix(cfg.QuotaKeyPrefix)),
		len(cfg.GeminiAPIKeys),
		quota.Limits{PerMinute: cfg.RequestsPerMinuteLimit, PerDay: cfg.RequestsPerDayLimit},
		quota.WithBackoff(cfg.KeyPollInterval),
		quota.WithLogger(logr),
		quota.WithClock(func() time.Time { return time.Now().In(cfg.Location) }),
	)
	if err := selector.Init(ctx); err != nil {
		log.Fatalf("quota init: %v", err)
	}

	geminiClient := gemini.New(
		gemini.WithBaseURL(cfg.GeminiBaseURL),
		gemini.WithModel(cfg.GeminiModel),
		gemini.WithLogger(logr),
		gemini.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)

	userRepo := repository.NewUserRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	sourceRepo := repository.NewSourceRepository(db)

	var archive service.ImageArchive
	if cfg.S3Enabled() {
		a, err := storage.NewArchive(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage archive: %v", err)
		}
		archive = a
	}

	var sender telegram.Sender
	if cfg.NotificationsEnabled() {
		botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		sender = botAPI
	} else {
		logr.Warn("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}
	notifier := telegram.NewNotifier(sender, cfg.AdminChatID, logr)

	credits := ledger.New(userRepo, logr)
	generationService := service.NewGenerationService(cfg, logr, geminiClient, selector, credits, generationRepo, archive)
	userService := service.NewUserService(userRepo, logr)
	sourceService := service.NewSourceService(sourceRepo, cfg.BotUsername, logr)
	paymentService := service.NewPaymentService(cfg, logr, paymentRepo, userRepo,
		yookassa.NewClient(cfg.YooKassaShopID, cfg.YooKassaSecretKey, cfg.YooKassaBaseURL, cfg.RequestTimeout), notifier)

	poller := worker.NewPaymentPoller(paymentService, cfg.PaymentPollInterval, logr)
	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("payment poller stopped", "err", err)
		}
	}()

	scheduler := worker.NewScheduler(cfg, logr, userRepo, notifier)
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("scheduler stopped", "err", err)
		}
	}()

	server := api.NewServer(api.Options{
		Addr:               cfg.ListenAddr,
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.APIRateLimitPerMinute,
		WriteTimeout:       cfg.GenerationTimeout + 30*time.Second,
	}, logr, api.Deps{
		Generator: generationService,
		Users:     userService,
		Sources:   sourceService,
		Payments:  paymentService,
		Quota:     selector,
		History:   generationRepo,
	})

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}
