package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/berth-dev/baton/internal/watch"
)

// RunPlain prints one line per notification to w until ctx is done or the
// subscription closes. It returns the subscription's error, if any.
func RunPlain(ctx context.Context, sub *watch.Subscription, w io.Writer) error {
	board := NewBoard()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C:
			if !ok {
				return sub.Err()
			}
			line, applied := board.Apply(n)
			if !applied {
				continue
			}
			if _, err := fmt.Fprintln(w, line.String()); err != nil {
				return fmt.Errorf("writing watch output: %w", err)
			}
		}
	}
}
