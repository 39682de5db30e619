package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/berth-dev/baton/internal/store"
)

// cronParser accepts standard 5-field expressions, an optional seconds
// field and descriptors such as "@daily".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Archiver periodically archives terminal sessions that ended more than
// Retention ago.
type Archiver struct {
	store     *store.Store
	schedule  string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewArchiver validates schedule and returns a stopped Archiver.
func NewArchiver(st *store.Store, schedule string, retention time.Duration, logger *slog.Logger) (*Archiver, error) {
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse archive schedule %q: %w", schedule, err)
	}
	if retention < 0 {
		return nil, fmt.Errorf("archive retention must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:     st,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("component", "archiver"),
	}, nil
}

// RunOnce archives every eligible session and returns how many it archived.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)
	n, err := a.store.ArchiveEndedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("archived sessions", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run schedules RunOnce and blocks until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	a.cron = cron.New(cron.WithParser(cronParser))
	_, err := a.cron.AddFunc(a.schedule, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Warn("archive run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule archiver: %w", err)
	}
	a.logger.Info("archiver scheduled", "schedule", a.schedule, "retention", a.retention)
	a.cron.Start()

	<-ctx.Done()
	stopped := a.cron.Stop()
	<-stopped.Done()
	return nil
}
