package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskfactory/taskfactory/internal/budget"
	"github.com/taskfactory/taskfactory/internal/config"
	"github.com/taskfactory/taskfactory/internal/events"
	"github.com/taskfactory/taskfactory/internal/executor"
	"github.com/taskfactory/taskfactory/internal/notify"
	"github.com/taskfactory/taskfactory/internal/scheduler"
	"github.com/taskfactory/taskfactory/internal/store"
	"github.com/taskfactory/taskfactory/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon and API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured API port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	runtime := config.NewRuntime(cfg, path, log)

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hub := events.NewHub()
	guard := budget.NewGuard(st, runtime, log)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)
	}

	exec := executor.NewProcessExecutor(cfg.Agent.Command, cfg.Agent.Args, cfg.General.LogDir, hub, log)
	sched := scheduler.New(st, guard, exec, hub, runtime, notifier, log)
	exec.SetOnComplete(sched.OnAttemptDone)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	if servePort != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Web.Host, servePort)
	}
	server := api.NewServer(st, sched, guard, runtime, hub, addr, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return tickLoop(ctx, sched, cfg.General.TickInterval, log) })
	g.Go(func() error { return runtime.Watch(ctx) })

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// tickLoop drives the periodic reconciliation sweep. The schedule is
// a cron expression or @every duration; parse failures fall back to a
// five second interval.
func tickLoop(ctx context.Context, sched *scheduler.Scheduler, expr string, log zerolog.Logger) error {
	var next func(time.Time) time.Time
	if s, err := cron.ParseStandard(expr); err == nil {
		next = s.Next
	} else {
		log.Warn().Str("expr", expr).Err(err).Msg("invalid tick schedule, using 5s")
		next = func(t time.Time) time.Time { return t.Add(5 * time.Second) }
	}

	for {
		wait := time.Until(next(time.Now()))
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			if err := sched.Tick(); err != nil {
				// Transient observation failure: retried next tick.
				log.Warn().Err(err).Msg("reconciliation tick failed")
			}
		}
	}
}
