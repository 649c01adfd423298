package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

// Config captures runtime settings for the trust service.
type Config struct {
	Env      string
	LogLevel string

	Addr        string
	DatabaseURL string

	SessionSecret string
	SessionTTL    time.Duration

	TelegramBotToken string
	WebAppMaxAge     time.Duration
	TokenTTL         time.Duration
	APIKeyScheme     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	AuditBatchSize   int
	AuditConcurrency int

	Thresholds trust.Thresholds
	TierQuorum int
}

const (
	defaultAddr       = ":8060"
	defaultSessionTTL = 24 * time.Hour
	defaultKafkaTopic = "cpass.audit"
	defaultS3Prefix   = "cpass"
)

// Load reads environment variables and returns a Config.
func Load() (Config, error) {
	th := trust.DefaultThresholds()
	cfg := Config{
		Env:              getEnv("CPASS_ENV", "production"),
		LogLevel:         getEnv("CPASS_LOG_LEVEL", "info"),
		Addr:             getEnv("CPASS_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("CPASS_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SessionSecret:    os.Getenv("CPASS_SESSION_SECRET"),
		SessionTTL:       getDuration("CPASS_SESSION_TTL", defaultSessionTTL),
		TelegramBotToken: os.Getenv("CPASS_TELEGRAM_BOT_TOKEN"),
		WebAppMaxAge:     getDuration("CPASS_WEBAPP_MAX_AGE", 0),
		TokenTTL:         getDuration("CPASS_TOKEN_TTL", 300*time.Second),
		APIKeyScheme:     getEnv("CPASS_API_KEY_SCHEME", "tvet"),
		RedisAddr:        os.Getenv("CPASS_REDIS_ADDR"),
		RedisPassword:    os.Getenv("CPASS_REDIS_PASSWORD"),
		RedisDB:          getNonNegativeInt("CPASS_REDIS_DB", 0),
		KafkaBrokers:     splitList(os.Getenv("CPASS_KAFKA_BROKERS")),
		KafkaTopic:       getEnv("CPASS_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:         os.Getenv("CPASS_S3_BUCKET"),
		S3Prefix:         getEnv("CPASS_S3_PREFIX", defaultS3Prefix),
		AuditBatchSize:   getInt("CPASS_AUDIT_BATCH_SIZE", 10),
		AuditConcurrency: getInt("CPASS_AUDIT_CONCURRENCY", 5),
		Thresholds: trust.Thresholds{
			Supervisor:    getNonNegativeInt("CPASS_TIER_SUPERVISOR", th.Supervisor),
			TVET:          getNonNegativeInt("CPASS_TIER_TVET", th.TVET),
			Certification: getNonNegativeInt("CPASS_TIER_CERTIFICATION", th.Certification),
		},
		TierQuorum: getInt("CPASS_TIER_QUORUM", 3),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or CPASS_DATABASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("CPASS_SESSION_SECRET is required")
	}
	if strings.Contains(cfg.APIKeyScheme, "_") {
		return Config{}, fmt.Errorf("CPASS_API_KEY_SCHEME must not contain '_'")
	}
	return cfg, nil
}

// Policy builds the trust classification policy from the configured
// thresholds and quorum.
func (c Config) Policy() trust.Policy {
	p := trust.DefaultPolicy(c.Thresholds)
	if c.TierQuorum > 0 {
		p.TierQuorum = c.TierQuorum
	}
	return p
}

func (c Config) AuditStreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 || c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getNonNegativeInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

// getDuration accepts Go durations ("5m") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
