package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"nri_digest/internal/ai"
	"nri_digest/internal/batch"
	"nri_digest/internal/bot"
	"nri_digest/internal/collector"
	"nri_digest/internal/compiler"
	"nri_digest/internal/config"
	"nri_digest/internal/delivery"
	"nri_digest/internal/fetcher"
	"nri_digest/internal/mailer"
	"nri_digest/internal/metrics"
	"nri_digest/internal/relevance"
	"nri_digest/internal/storage"
	"nri_digest/internal/summarizer"
)

const httpTimeout = 30 * time.Second

// app holds what every subcommand shares: configuration, logger, store and metrics.
type app struct {
	envFiles  []string
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.SQLite
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	ai        *ai.Client
	aiLimiter *rate.Limiter
}

// loadConfig reads the env files and environment and sets up logging.
func (a *app) loadConfig() error {
	loaded, err := config.LoadEnvFiles(a.envFiles...)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = newLogger(cfg.LogLevel)
	for _, f := range loaded {
		a.log.Debug("loaded env file", "path", f)
	}
	return nil
}

// init loads the configuration and opens the store, applying pending migrations.
func (a *app) init() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.cfg

	if err := ensureDataDir(cfg.DatabasePath); err != nil {
		return err
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	a.store = store

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.ai = ai.NewClient(&http.Client{Timeout: 90 * time.Second}, ai.Config{
		APIURL:     cfg.LLMAPIURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		MaxRetries: cfg.LLMMaxRetries,
	})
	// Filter and summarizer share one bucket so together they stay under the AI quota.
	a.aiLimiter = batch.PerMinute(cfg.AIRatePerMinute, max(cfg.FilterBatchSize, cfg.SummarizeBatchSize))
	return nil
}

func ensureDataDir(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *app) collector() *collector.Collector {
	return collector.New(collector.Deps{
		Store:      a.store,
		Fetcher:    fetcher.New(&http.Client{Timeout: httpTimeout}),
		Log:        a.log,
		Metrics:    a.metrics,
		WriteBatch: a.cfg.CollectWriteBatch,
	})
}

func (a *app) relevance() *relevance.Filter {
	return relevance.New(relevance.Deps{
		Store:       a.store,
		AI:          a.ai,
		Log:         a.log,
		Metrics:     a.metrics,
		Limiter:     a.aiLimiter,
		MaxArticles: a.cfg.FilterMaxArticles,
		BatchSize:   a.cfg.FilterBatchSize,
		Policy:      a.cfg.AIFailurePolicy,
		MaxAttempts: a.cfg.AIMaxAttempts,
	})
}

func (a *app) summarizer() *summarizer.Summarizer {
	return summarizer.New(summarizer.Deps{
		Store:       a.store,
		AI:          a.ai,
		Log:         a.log,
		Metrics:     a.metrics,
		Limiter:     a.aiLimiter,
		MaxArticles: a.cfg.SummarizeMaxArticles,
		BatchSize:   a.cfg.SummarizeBatchSize,
		Policy:      a.cfg.AIFailurePolicy,
		MaxAttempts: a.cfg.AIMaxAttempts,
	})
}

func (a *app) compiler() *compiler.Compiler {
	return compiler.New(compiler.Deps{
		Store:    a.store,
		AI:       a.ai,
		Log:      a.log,
		Metrics:  a.metrics,
		Location: a.cfg.Location(),
	})
}

func (a *app) sender() (*delivery.Sender, error) {
	renderer, err := delivery.NewRenderer(a.cfg.PublicBaseURL, a.cfg.SiteURL)
	if err != nil {
		return nil, err
	}
	return delivery.New(delivery.Deps{
		Store: a.store,
		Mailer: mailer.New(&http.Client{Timeout: httpTimeout}, mailer.Config{
			APIURL: a.cfg.SMTP2GOAPIURL,
			APIKey: a.cfg.SMTP2GOAPIKey,
			From:   a.cfg.MailFrom,
		}),
		Renderer:  renderer,
		Log:       a.log,
		Metrics:   a.metrics,
		Limiter:   batch.PerSecond(a.cfg.SendRatePerSecond, a.cfg.SendBatchSize),
		BatchSize: a.cfg.SendBatchSize,
	}), nil
}

// bot returns nil when no Telegram token is configured.
func (a *app) bot(sender bot.Sender) (*bot.Bot, error) {
	if a.cfg.TelegramBotToken == "" {
		return nil, nil
	}
	return bot.New(a.cfg.TelegramBotToken, a.store, sender, a.cfg, a.log)
}

// curate runs the relevance filter and then the summarizer.
func (a *app) curate(ctx context.Context) error {
	if _, err := a.relevance().Run(ctx); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if _, err := a.summarizer().Run(ctx); err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	return nil
}

// syncSources upserts the YAML catalogue into the store.
func (a *app) syncSources(ctx context.Context) (int, error) {
	sources, err := config.LoadSources(a.cfg.SourcesFile)
	if err != nil {
		return 0, err
	}
	for i := range sources {
		if err := a.store.UpsertSource(ctx, &sources[i]); err != nil {
			return i, fmt.Errorf("upsert source %s: %w", sources[i].ID, err)
		}
	}
	return len(sources), nil
}
