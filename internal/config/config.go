package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultGenerationPrompt = "Bring this child's drawing to life as a detailed digital painting. " +
	"Maintain the core design, whimsical elements, and composition from the original drawing, " +
	"but add believable textures, volume, dramatic lighting, and a touch of magic. " +
	"Keep the charm of the original concept but execute it in a realistic, illustrative style."

// Config aggregates runtime configuration for the API server and its workers.
type Config struct {
	LogLevel              string
	ListenAddr            string
	APIKey                string
	APIRateLimitPerMinute int

	MySQLDSN       string
	RedisURL       string
	QuotaKeyPrefix string

	GeminiAPIKeys          []string
	GeminiBaseURL          string
	GeminiModel            string
	GenerationPrompt       string
	RequestsPerMinuteLimit int64
	RequestsPerDayLimit    int64
	KeyPollInterval        time.Duration
	GenerationTimeout      time.Duration
	RequestTimeout         time.Duration
	Location               *time.Location

	BotToken    string
	BotUsername string
	AdminChatID int64

	YooKassaShopID      string
	YooKassaSecretKey   string
	YooKassaBaseURL     string
	PaymentCurrency     string
	PaymentPollInterval time.Duration

	WorkerCheckInterval    time.Duration
	DailyBonusReminderHour int
	DiscountDelay          time.Duration

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		ListenAddr:             getEnv("LISTEN_ADDR", ":8000"),
		APIRateLimitPerMinute:  getInt("API_RATE_LIMIT_PER_MINUTE", 120),
		QuotaKeyPrefix:         getEnv("QUOTA_KEY_PREFIX", "gemini_key:"),
		GeminiBaseURL:          getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-2.0-flash-preview-image-generation"),
		GenerationPrompt:       getEnv("GENERATION_PROMPT", defaultGenerationPrompt),
		RequestsPerMinuteLimit: getInt64("REQUESTS_PER_MINUTE_LIMIT", 9),
		RequestsPerDayLimit:    getInt64("REQUESTS_PER_DAY_LIMIT", 1400),
		KeyPollInterval:        time.Millisecond * time.Duration(getInt("KEY_POLL_INTERVAL_MS", 200)),
		GenerationTimeout:      time.Second * time.Duration(getInt("GENERATION_TIMEOUT_SECONDS", 300)),
		RequestTimeout:         time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		BotToken:               os.Getenv("TELEGRAM_BOT_TOKEN"),
		BotUsername:            strings.TrimPrefix(os.Getenv("TELEGRAM_BOT_USERNAME"), "@"),
		AdminChatID:            getInt64("ADMIN_CHAT_ID", 0),
		YooKassaBaseURL:        getEnv("YOOKASSA_BASE_URL", "https://api.yookassa.ru/v3"),
		PaymentCurrency:        getEnv("PAYMENT_CURRENCY", "RUB"),
		PaymentPollInterval:    time.Second * time.Duration(getInt("PAYMENT_POLL_INTERVAL_SECONDS", 10)),
		WorkerCheckInterval:    time.Minute * time.Duration(getInt("WORKER_CHECK_INTERVAL_MINUTES", 15)),
		DailyBonusReminderHour: getInt("DAILY_BONUS_REMINDER_HOUR", 11),
		DiscountDelay:          time.Hour * time.Duration(getInt("DISCOUNT_DELAY_HOURS", 24)),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3Region:               os.Getenv("S3_REGION"),
		S3AccessKey:            os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:            os.Getenv("S3_SECRET_KEY"),
		S3Bucket:               os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:        os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:         getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:               getEnv("S3_PREFIX", "generations"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.APIKey = os.Getenv("API_KEY")
	cfg.YooKassaShopID = os.Getenv("YOOKASSA_SHOP_ID")
	cfg.YooKassaSecretKey = os.Getenv("YOOKASSA_SECRET_KEY")
	cfg.GeminiAPIKeys = splitList(os.Getenv("GEMINI_API_KEYS"))

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Europe/Moscow"))
	if err != nil {
		return Config{}, fmt.Errorf("load timezone: %w", err)
	}
	cfg.Location = loc

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(cfg.GeminiAPIKeys) == 0 {
		missing = append(missing, "GEMINI_API_KEYS")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "API_KEY")
	}
	if cfg.YooKassaShopID == "" {
		missing = append(missing, "YOOKASSA_SHOP_ID")
	}
	if cfg.YooKassaSecretKey == "" {
		missing = append(missing, "YOOKASSA_SECRET_KEY")
	}
	if cfg.BotUsername == "" {
		missing = append(missing, "TELEGRAM_BOT_USERNAME")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// S3Enabled reports whether generated images should be archived.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c Config) NotificationsEnabled() bool {
	return c.BotToken != ""
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile loads the first env file found. Running without one is fine:
// the environment alone may carry the configuration.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
