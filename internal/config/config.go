// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Week boundaries must resolve TIMEZONE on hosts without zoneinfo.

	"github.com/joho/godotenv"
)

// FailurePolicy decides what happens to an item whose AI call failed.
type FailurePolicy string

// Supported failure policies.
const (
	// PolicyReject treats a failed AI call as a terminal rejection.
	PolicyReject FailurePolicy = "reject"
	// PolicyRetry leaves the item pending until its attempts are exhausted.
	PolicyRetry FailurePolicy = "retry"
)

// MaxCollectWriteBatch is the hard ceiling on rows written per collector batch.
const MaxCollectWriteBatch = 500

// Config holds the application configuration.
type Config struct {
	DatabasePath  string
	LogLevel      string
	HTTPAddr      string
	PublicBaseURL string
	SiteURL       string
	SourcesFile   string
	Timezone      string

	LLMAPIURL     string
	LLMAPIKey     string
	LLMModel      string
	LLMMaxRetries int

	AIFailurePolicy      FailurePolicy
	AIMaxAttempts        int
	AIRatePerMinute      int
	FilterMaxArticles    int
	FilterBatchSize      int
	SummarizeMaxArticles int
	SummarizeBatchSize   int

	SMTP2GOAPIKey     string
	SMTP2GOAPIURL     string
	MailFrom          string
	SendBatchSize     int
	SendRatePerSecond int

	CollectWriteBatch int
	CollectInterval   time.Duration
	CurateInterval    time.Duration
	CompileHour       int

	TelegramBotToken  string
	TelegramAdminChat int64
	AllowedUsers      []int64

	location *time.Location
}

// LoadEnvFiles loads .env files into the process environment when present.
// Variables already set take precedence. It returns the files it loaded.
func LoadEnvFiles(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var loaded []string
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("load %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		DatabasePath:  envOr("DATABASE_PATH", "./data/digest.db"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		HTTPAddr:      envOr("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(envOr("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		SiteURL:       envOr("SITE_URL", "https://example.com"),
		SourcesFile:   envOr("SOURCES_FILE", "./sources.yaml"),
		Timezone:      envOr("TIMEZONE", "UTC"),

		LLMAPIURL:     strings.TrimRight(envOr("LLM_API_URL", "https://api.openai.com/v1"), "/"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxRetries: p.intVar("LLM_MAX_RETRIES", 2, 0),

		AIFailurePolicy:      FailurePolicy(envOr("AI_FAILURE_POLICY", string(PolicyReject))),
		AIMaxAttempts:        p.intVar("AI_MAX_ATTEMPTS", 3, 1),
		AIRatePerMinute:      p.intVar("AI_RATE_PER_MINUTE", 60, 1),
		FilterMaxArticles:    p.intVar("FILTER_MAX_ARTICLES", 100, 1),
		FilterBatchSize:      p.intVar("FILTER_BATCH_SIZE", 10, 1),
		SummarizeMaxArticles: p.intVar("SUMMARIZE_MAX_ARTICLES", 50, 1),
		SummarizeBatchSize:   p.intVar("SUMMARIZE_BATCH_SIZE", 5, 1),

		SMTP2GOAPIKey:     os.Getenv("SMTP2GO_API_KEY"),
		SMTP2GOAPIURL:     strings.TrimRight(envOr("SMTP2GO_API_URL", "https://api.smtp2go.com/v3"), "/"),
		MailFrom:          envOr("MAIL_FROM", "NRI Wealth Weekly <newsletter@example.com>"),
		SendBatchSize:     p.intVar("SEND_BATCH_SIZE", 50, 1),
		SendRatePerSecond: p.intVar("SEND_RATE_PER_SECOND", 25, 1),

		CollectWriteBatch: p.intVar("COLLECT_WRITE_BATCH", MaxCollectWriteBatch, 1),
		CollectInterval:   p.durationVar("COLLECT_INTERVAL", 6*time.Hour),
		CurateInterval:    p.durationVar("CURATE_INTERVAL", time.Hour),
		CompileHour:       p.intVar("COMPILE_HOUR", 6, 0),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.CompileHour > 23 {
		return nil, fmt.Errorf("invalid COMPILE_HOUR %d: must be between 0 and 23", cfg.CompileHour)
	}

	if cfg.CollectWriteBatch > MaxCollectWriteBatch {
		cfg.CollectWriteBatch = MaxCollectWriteBatch
	}

	switch cfg.AIFailurePolicy {
	case PolicyReject, PolicyRetry:
	default:
		return nil, fmt.Errorf("invalid AI_FAILURE_POLICY %q: want reject or retry", cfg.AIFailurePolicy)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.location = loc

	if raw := os.Getenv("TELEGRAM_ADMIN_CHAT"); raw != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ADMIN_CHAT %q: %w", raw, err)
		}
		cfg.TelegramAdminChat = id
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	return cfg, nil
}

// Location returns the timezone used for week boundaries.
func (c *Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	return time.UTC
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser collects the first parse error so Load can build the struct in one literal.
type parser struct {
	err error
}

func (p *parser) intVar(key string, def, minimum int) int {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return def
	}
	if v < minimum {
		p.err = fmt.Errorf("invalid %s %d: must be at least %d", key, v, minimum)
		return def
	}
	return v
}

func (p *parser) durationVar(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return def
	}
	if v <= 0 {
		p.err = fmt.Errorf("invalid %s %s: must be positive", key, v)
		return def
	}
	return v
}
