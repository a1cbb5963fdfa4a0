package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agencyflow/logging"
)

const (
	defaultAppName        = "agencyflow"
	defaultHTTPAddr       = ":8080"
	defaultSigningLinkTTL = 72 * time.Hour
	defaultCacheTTL       = 60 * time.Second
	defaultSMTPPort       = 587
)

// Config holds every runtime setting. Optional integrations are disabled when
// their credentials are empty.
type Config struct {
	AppName        string
	HTTPAddr       string
	DatabaseURL    string
	JWTSecret      string
	PublicBaseURL  string
	SigningLinkTTL time.Duration
	CORSOrigins    []string
	LogLevel       string
	LogFormat      string

	RedisURL string
	CacheTTL time.Duration

	AMQPURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromPhone  string
	WebhookBaseURL   string

	SendGridAPIKey  string
	SendGridSandbox bool
	FromEmail       string
	FromName        string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
}

// Load reads an optional .env file and then the environment. Missing required
// settings are fatal.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Logger.WithError(err).Warn("could not read .env file")
	}

	cfg := &Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		HTTPAddr:       getEnv("HTTP_ADDR", defaultHTTPAddr),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		SigningLinkTTL: getDuration("SIGNING_LINK_TTL", defaultSigningLinkTTL),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),

		RedisURL: os.Getenv("REDIS_URL"),
		CacheTTL: getDuration("CACHE_TTL", defaultCacheTTL),

		AMQPURL: os.Getenv("AMQP_URL"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromPhone:  os.Getenv("TWILIO_FROM_PHONE"),
		WebhookBaseURL:   strings.TrimRight(os.Getenv("WEBHOOK_BASE_URL"), "/"),

		SendGridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
		SendGridSandbox: getBool("SENDGRID_SANDBOX", false),
		FromEmail:       getEnv("FROM_EMAIL", "no-reply@agencyflow.local"),
		FromName:        getEnv("FROM_NAME", "AgencyFlow"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getInt("SMTP_PORT", defaultSMTPPort),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
	}

	if cfg.DatabaseURL == "" {
		logging.Logger.Fatal("DATABASE_URL env var is empty")
	}
	if cfg.JWTSecret == "" {
		logging.Logger.Fatal("JWT_SECRET env var is empty")
	}

	return cfg
}

// TwilioEnabled reports whether SMS should go through Twilio.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromPhone != ""
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Logger.Warnf("invalid duration for %s: %q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logging.Logger.Warnf("invalid integer for %s: %q, using %d", key, raw, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
