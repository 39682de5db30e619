package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/berth-dev/baton/internal/store"
)

// Source is the part of the store the watcher reads.
type Source interface {
	ChangesSince(ctx context.Context, afterID int64, limit int) ([]store.Change, error)
}

// Recorder receives every notification before the hub publishes it. A
// change whose notifications cannot all be recorded is neither published
// nor passed by the watermark.
type Recorder interface {
	Record(n Notification) error
}

// Options configures a Watcher.
type Options struct {
	Interval         time.Duration
	BatchSize        int
	TerminalMarker   string
	FailureThreshold int
	MaxBackoff       time.Duration
	Recorder         Recorder
	Logger           *slog.Logger
}

// DefaultOptions returns a 500ms interval, 200-row batches and BAZINGA as
// the terminal marker.
func DefaultOptions() Options {
	return Options{
		Interval:         500 * time.Millisecond,
		BatchSize:        200,
		TerminalMarker:   "BAZINGA",
		FailureThreshold: 3,
		MaxBackoff:       10 * time.Second,
	}
}

// Watcher polls the change feed on a single timer and publishes new rows
// to a Hub. Notifications may lag the store by up to one interval.
type Watcher struct {
	src       Source
	hub       *Hub
	opts      Options
	breaker   *CircuitBreaker
	logger    *slog.Logger
	watermark atomic.Int64

	// recorded counts the notifications of the change just past the
	// watermark that the recorder has already accepted.
	recorded int
}

// NewWatcher returns a watcher with its watermark at zero, so the first
// poll replays the whole feed.
func NewWatcher(src Source, hub *Hub, opts Options) *Watcher {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		src:     src,
		hub:     hub,
		opts:    opts,
		breaker: NewCircuitBreaker(opts.FailureThreshold),
		logger:  logger.With("component", "watch"),
	}
}

// Watermark returns the ID of the last published change.
func (w *Watcher) Watermark() int64 {
	return w.watermark.Load()
}

// SetWatermark moves the watermark, e.g. to skip history on startup. It
// must not race with Poll.
func (w *Watcher) SetWatermark(id int64) {
	w.watermark.Store(id)
	w.recorded = 0
}

// Hub returns the hub the watcher publishes to.
func (w *Watcher) Hub() *Hub {
	return w.hub
}

// Run polls until ctx is done. Store failures skip the cycle and are
// retried on the next tick, with backoff once the breaker opens.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.breaker.RecordFailure()
			w.logger.Warn("poll failed, skipping cycle",
				"error", err, "failures", w.breaker.Failures(), "retryable", store.IsRetryable(err))
		} else {
			w.breaker.RecordSuccess()
		}
		timer.Reset(w.breaker.Delay(w.opts.Interval, w.opts.MaxBackoff))
	}
}

// Poll drains every change past the watermark and returns how many change
// rows were published. On error the watermark stays at the last row that
// was published. Poll is not safe for concurrent use.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	published := 0
	for {
		changes, err := w.src.ChangesSince(ctx, w.watermark.Load(), w.opts.BatchSize)
		if err != nil {
			return published, err
		}
		for _, c := range changes {
			batch := Expand(c, w.opts.TerminalMarker)
			if err := w.record(batch); err != nil {
				return published, fmt.Errorf("record change %d: %w", c.ID, err)
			}
			for _, n := range batch {
				w.hub.Publish(n)
			}
			w.watermark.Store(c.ID)
			published++
		}
		if len(changes) < w.opts.BatchSize {
			return published, nil
		}
	}
}

// record hands batch to the recorder, skipping notifications a previous
// failed attempt already recorded.
func (w *Watcher) record(batch []Notification) error {
	if w.opts.Recorder == nil {
		return nil
	}
	for i := w.recorded; i < len(batch); i++ {
		if err := w.opts.Recorder.Record(batch[i]); err != nil {
			w.recorded = i
			return err
		}
	}
	w.recorded = 0
	return nil
}
