package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CZERTAINLY/conductor/internal/history"
	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/proc"
	"github.com/CZERTAINLY/conductor/internal/registry"
	"github.com/CZERTAINLY/conductor/internal/status"
	"github.com/CZERTAINLY/conductor/internal/supervisor"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultHistoryPath = "conductor.db"

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("conductor",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
		slog.String("run_id", uuid.NewString()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	for _, dir := range config.SharedDirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating shared directory %s: %w", dir, err)
		}
	}

	reg, err := registry.New(config.Workers)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "registry validated", "order", reg.TopoOrder())

	opts := []supervisor.Option{supervisor.WithOptions(config.Supervisor)}
	if config.History != nil && config.History.Enabled {
		db, err := openHistory(ctx, config.History)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.Close()
		}()
		opts = append(opts, supervisor.WithRecorder(history.NewRecorder(db)))
	}
	sup := supervisor.New(reg, proc.NewExecLauncher(), opts...)

	var reporter *status.Reporter
	if config.Status != nil && config.Status.Enabled {
		uploaders, err := status.Uploaders(os.Stdout, config.Status.Dir, config.Status.URL)
		if err != nil {
			return fmt.Errorf("initializing status uploaders: %w", err)
		}
		reporter, err = status.NewReporter(ctx, *config.Status, sup.Snapshot, uploaders...)
		if err != nil {
			return fmt.Errorf("initializing status reporter: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		defer close(stopped)
		return sup.Do(gctx)
	})
	if reporter != nil {
		g.Go(func() error {
			if err := reporter.Run(gctx, stopped); err != nil {
				slog.WarnContext(gctx, "publishing final status failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func openHistory(ctx context.Context, cfg *model.History) (*sql.DB, error) {
	path := defaultHistoryPath
	if cfg != nil && cfg.Path != "" {
		path = cfg.Path
	}
	db, err := history.InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	return db, nil
}
