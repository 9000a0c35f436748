// Package config loads service configuration from a .env file and
// SENTIMENT_*-prefixed environment variables, environment winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "SENTIMENT_"

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost  string
	ListenPort  int
	MetricsPort int
	DataPath    string

	// Billing webhook
	StripeWebhookSecret string
	EventRetention      time.Duration

	// Reminder scheduler
	ScanInterval     time.Duration
	ScanBatchLimit   int
	DispatchWorkers  int
	DispatchTimeout  time.Duration
	SchedulerEnabled bool

	// Notification transport: "sms", "webhook" or "log"
	NotifyTransport  string
	NotifyWebhookURL string
	SMSBaseURL       string
	SMSAccountID     string
	SMSAuthToken     string
	SMSFromNumber    string
	SMSAllowPatterns []string
	SMSDenyPatterns  []string

	// Verification codes
	VerifyCodeTTL time.Duration

	// Security
	AdminTokenHash string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenHost:       "0.0.0.0",
		ListenPort:       7660,
		MetricsPort:      9101,
		DataPath:         "/var/lib/sentiment",
		EventRetention:   72 * time.Hour,
		ScanInterval:     60 * time.Second,
		ScanBatchLimit:   100,
		DispatchWorkers:  8,
		DispatchTimeout:  30 * time.Second,
		SchedulerEnabled: true,
		NotifyTransport:  "log",
		SMSBaseURL:       "https://api.twilio.com/2010-04-01",
		VerifyCodeTTL:    10 * time.Minute,
		LogLevel:         "info",
		LogFormat:        "auto",
	}
}

// Load reads configuration: defaults, then the .env file in dir (if any),
// then process environment overrides.
func Load(dir string) (*Config, error) {
	cfg := Defaults()
	if dir != "" {
		cfg.DataPath = dir
	}

	envPath := filepath.Join(cfg.DataPath, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
		log.Debug().Str("path", envPath).Msg("Loaded .env file")
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenHost, "LISTEN_HOST")
	setInt(&c.ListenPort, "LISTEN_PORT")
	setInt(&c.MetricsPort, "METRICS_PORT")
	setString(&c.DataPath, "DATA_PATH")

	setString(&c.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setDuration(&c.EventRetention, "EVENT_RETENTION")

	setDuration(&c.ScanInterval, "SCAN_INTERVAL")
	setInt(&c.ScanBatchLimit, "SCAN_BATCH_LIMIT")
	setInt(&c.DispatchWorkers, "DISPATCH_WORKERS")
	setDuration(&c.DispatchTimeout, "DISPATCH_TIMEOUT")
	setBool(&c.SchedulerEnabled, "SCHEDULER_ENABLED")

	setString(&c.NotifyTransport, "NOTIFY_TRANSPORT")
	setString(&c.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	setString(&c.SMSBaseURL, "SMS_BASE_URL")
	setString(&c.SMSAccountID, "SMS_ACCOUNT_ID")
	setString(&c.SMSAuthToken, "SMS_AUTH_TOKEN")
	setString(&c.SMSFromNumber, "SMS_FROM_NUMBER")
	setList(&c.SMSAllowPatterns, "SMS_ALLOW_PATTERNS")
	setList(&c.SMSDenyPatterns, "SMS_DENY_PATTERNS")

	setDuration(&c.VerifyCodeTTL, "VERIFY_CODE_TTL")
	setString(&c.AdminTokenHash, "ADMIN_TOKEN_HASH")

	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.LogFile, "LOG_FILE")
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.ScanInterval < time.Second {
		return fmt.Errorf("scan interval %s too short", c.ScanInterval)
	}
	if c.DispatchWorkers < 1 {
		c.DispatchWorkers = 1
	}
	switch c.NotifyTransport {
	case "sms", "webhook", "log":
	default:
		return fmt.Errorf("unknown notify transport %q", c.NotifyTransport)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer env value")
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-boolean env value")
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring unparseable duration env value")
		}
	}
}

func setList(dst *[]string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}
