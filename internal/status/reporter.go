package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/supervisor"
)

// Source returns the latest supervisor state.
type Source func() supervisor.Snapshot

// Reporter periodically publishes a Snapshot to its uploaders.
type Reporter struct {
	source    Source
	uploaders []Uploader
	scheduler gocron.Scheduler
}

func NewReporter(ctx context.Context, cfg model.Status, source Source, uploaders ...Uploader) (*Reporter, error) {
	r := &Reporter{
		source:    source,
		uploaders: uploaders,
	}
	scheduler, err := newScheduler(ctx, cfg, func() {
		if err := r.Publish(ctx); err != nil {
			slog.ErrorContext(ctx, "publishing status failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	r.scheduler = scheduler
	return r, nil
}

// Run starts the scheduler and blocks until ctx is done. A final status is
// published after the scheduler stops, so it reflects stopped workers as
// long as the supervisor stops them first.
func (r *Reporter) Run(ctx context.Context, final <-chan struct{}) error {
	slog.DebugContext(ctx, "starting a status reporter", "uploaders", len(r.uploaders))
	r.scheduler.Start()

	defer r.closeUploaders(ctx)

	<-ctx.Done()
	if err := r.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	if final != nil {
		<-final
	}
	return r.Publish(context.WithoutCancel(ctx))
}

// Publish uploads the current snapshot to every uploader.
func (r *Reporter) Publish(ctx context.Context) error {
	raw, err := json.Marshal(r.source())
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	var errs []error
	for _, u := range r.uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reporter) closeUploaders(ctx context.Context) {
	for _, uploader := range r.uploaders {
		if closer, ok := uploader.(UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func newScheduler(ctx context.Context, cfg model.Status, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing status.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := model.ParseDuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing status.every: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("status.every must be positive")
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "every", d.String())
	default:
		return nil, errors.New("both status.cron and status.every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
