// watch.go implements "baton watch", a live view of the change feed read
// directly from the database.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/tui"
	"github.com/berth-dev/baton/internal/watch"
)

// watchBuffer is the subscriber buffer of the local view. History is
// published in one burst at startup, so it is larger than the server's.
const watchBuffer = 16384

func newWatchCmd(a *app) *cobra.Command {
	var (
		sessionID string
		all       bool
		sinceNow  bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch sessions live",
		Long: `Show the change feed of the active session (or --session, or --all
sessions) as it is committed. History is replayed first unless --since-now
is given. Without a terminal, one line is printed per notification.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if !all {
				if sessionID, err = resolveSession(ctx, st, sessionID); err != nil {
					return err
				}
			} else {
				sessionID = ""
			}

			wc := a.cfg.Watch
			hub := watch.NewHub(max(wc.SubscriberBuffer, watchBuffer))
			watcher := watch.NewWatcher(st, hub, watch.Options{
				Interval:         wc.Interval(),
				BatchSize:        wc.BatchSize,
				TerminalMarker:   a.cfg.Workflow.TerminalMarker,
				FailureThreshold: wc.FailureThreshold,
				MaxBackoff:       wc.MaxBackoff(),
				Logger:           a.logger,
			})
			if sinceNow {
				latest, err := st.LatestChangeID(ctx)
				if err != nil {
					return err
				}
				watcher.SetWatermark(latest)
			}

			sub := hub.Subscribe(sessionID)
			defer sub.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- watcher.Run(ctx) }()

			err = tui.Run(ctx, sub, sessionID)
			cancel()
			if werr := <-done; werr != nil && err == nil {
				err = werr
			}
			if errors.Is(err, watch.ErrSubscriberLagged) {
				return fmt.Errorf("watch view fell behind the change feed; rerun with --since-now: %w", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	cmd.Flags().BoolVar(&all, "all", false, "Watch every session")
	cmd.Flags().BoolVar(&sinceNow, "since-now", false, "Skip history and show only new changes")
	return cmd
}
