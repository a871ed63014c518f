package main

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nri_digest/internal/bot"
	"nri_digest/internal/compiler"
	"nri_digest/internal/scheduler"
	"nri_digest/internal/server"
	"nri_digest/internal/tracker"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, tracking server and Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	n, err := a.syncSources(ctx)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.log.Warn("source catalogue not found, using stored sources", "path", a.cfg.SourcesFile)
	case err != nil:
		return err
	default:
		a.log.Info("synced sources", "count", n)
	}

	sender, err := a.sender()
	if err != nil {
		return err
	}
	b, err := a.bot(sender)
	if err != nil {
		return err
	}

	// A nil *bot.Bot must not reach the scheduler as a non-nil interface.
	var notifier scheduler.Notifier
	if b != nil {
		notifier = b
	} else {
		a.log.Warn("TELEGRAM_BOT_TOKEN not set, review notifications disabled")
	}

	sched := scheduler.New(a.store, sender, notifier, a.log)
	sched.AddTask("collect", scheduler.Every(a.cfg.CollectInterval), true, func(ctx context.Context) error {
		_, err := a.collector().Run(ctx)
		return err
	})
	sched.AddTask("curate", scheduler.Every(a.cfg.CurateInterval), true, a.curate)
	sched.AddTask("compile", scheduler.Weekly(time.Monday, a.cfg.CompileHour, a.cfg.Location()), false,
		func(ctx context.Context) error { return a.compileAndNotify(ctx, b) })

	srv := server.New(a.cfg.HTTPAddr, tracker.New(a.store, a.log, a.metrics, a.cfg.SiteURL), a.registry, a.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	if b != nil {
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}

	a.log.Info("digest started", "addr", a.cfg.HTTPAddr, "timezone", a.cfg.Timezone)
	err = g.Wait()
	a.log.Info("digest stopped")
	return err
}

// compileAndNotify builds this week's issue and asks the admins to review it.
// b may be nil.
func (a *app) compileAndNotify(ctx context.Context, b *bot.Bot) error {
	res, err := a.compiler().Run(ctx)
	if errors.Is(err, compiler.ErrNoArticles) {
		a.log.Info("no summarized articles this week, skipping compile")
		return nil
	}
	if err != nil {
		return err
	}
	if b != nil {
		b.NotifyPendingReview(res.Newsletter)
	}
	return nil
}
