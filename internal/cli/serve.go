// serve.go implements "baton serve": the change watcher, the observer HTTP
// surface and the archiver, run together until interrupted.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/baton/internal/lifecycle"
	batonlog "github.com/berth-dev/baton/internal/log"
	"github.com/berth-dev/baton/internal/observer"
	"github.com/berth-dev/baton/internal/watch"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr      string
		fromStart bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the observer API, change stream and archiver",
		Long: `Serve the dispatcher API and the Server-Sent Event streams, poll the
change feed and append every notification to .baton/journal.jsonl.
The watcher resumes after the last journaled change unless --from-start
is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return a.serve(ctx, e, fromStart, func(srv *observer.Server) {
				fmt.Fprintf(cmd.OutOrStdout(), "baton serving on http://%s\n", srv.Addr())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Replay the whole change feed into the journal")
	return cmd
}

// serve runs every long-lived component until ctx is done or one of them
// fails. ready is called once the listener is bound.
func (a *app) serve(ctx context.Context, e *engine, fromStart bool, ready func(*observer.Server)) error {
	journal, err := batonlog.NewJournal(a.dir)
	if err != nil {
		return err
	}

	wc := a.cfg.Watch
	hub := watch.NewHub(wc.SubscriberBuffer)
	watcher := watch.NewWatcher(e.store, hub, watch.Options{
		Interval:         wc.Interval(),
		BatchSize:        wc.BatchSize,
		TerminalMarker:   a.cfg.Workflow.TerminalMarker,
		FailureThreshold: wc.FailureThreshold,
		MaxBackoff:       wc.MaxBackoff(),
		Recorder:         journal,
		Logger:           a.logger,
	})
	if !fromStart {
		last, err := journal.LastID()
		if err != nil {
			return err
		}
		watcher.SetWatermark(last)
	}

	var archiver *lifecycle.Archiver
	if a.cfg.Archive.Enabled {
		archiver, err = lifecycle.NewArchiver(e.store, a.cfg.Archive.Schedule, a.cfg.Archive.Retention(), a.logger)
		if err != nil {
			return err
		}
	}

	srv, err := observer.NewServer(e.manager, e.ledger, hub, observer.Options{
		Addr:           a.cfg.Server.Addr,
		TerminalMarker: a.cfg.Workflow.TerminalMarker,
		MaxReplays:     int64(wc.MaxReplays),
		ReplayBatch:    wc.BatchSize,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	if ready != nil {
		ready(srv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}

	a.logger.Info("baton serving",
		"addr", srv.Addr(), "db", e.store.Path(), "journal", journal.Path(), "watermark", watcher.Watermark())
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
