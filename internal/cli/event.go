// event.go implements the "baton event" ledger commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/ledger"
	"github.com/berth-dev/baton/internal/store"
)

func newEventCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Save and read deduplicated ledger events",
	}
	cmd.AddCommand(newEventSaveCmd(a), newEventListCmd(a), newEventLatestCmd(a))
	return cmd
}

func newEventSaveCmd(a *app) *cobra.Command {
	var (
		sessionID string
		groupID   string
		iteration int
	)
	cmd := &cobra.Command{
		Use:   "save <subtype> <json>",
		Short: "Save an event, replacing any event with the same key",
		Long: `Save a JSON payload under (session, group, iteration, subtype). Saving
again under the same key replaces the payload and bumps its revision.
Pass "-" to read the payload from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readContent(cmd, args[1])
			if err != nil {
				return err
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("save event: %w: payload is not valid JSON", store.ErrInvalidInput)
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				ev, err := e.ledger.Save(ctx, ledger.Key{
					SessionID: sid,
					GroupID:   groupID,
					Iteration: iteration,
					Subtype:   args[0],
				}, json.RawMessage(payload))
				if err != nil {
					return err
				}
				return a.emit(cmd, ev, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Saved %s (iteration %d, revision %d)\n", ev.Subtype, ev.Iteration, ev.Revision)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	cmd.Flags().StringVar(&groupID, "group", "", "Task group ID")
	cmd.Flags().IntVar(&iteration, "iteration", 0, "Iteration number")
	return cmd
}

func newEventListCmd(a *app) *cobra.Command {
	var (
		sessionID string
		groupID   string
		subtype   string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				var events []store.Event
				if groupID != "" {
					events, err = e.ledger.GroupEvents(ctx, sid, groupID, subtype, limit)
				} else {
					events, err = e.ledger.Events(ctx, sid, subtype, limit)
				}
				if err != nil {
					return err
				}
				return a.emit(cmd, events, func(w io.Writer) error {
					if len(events) == 0 {
						_, err := fmt.Fprintln(w, "No events.")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "GROUP\tITER\tSUBTYPE\tREV\tPAYLOAD")
					for _, ev := range events {
						fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
							dash(ev.GroupID), ev.Iteration, ev.Subtype, ev.Revision, truncate(string(ev.Payload), 60))
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	cmd.Flags().StringVar(&groupID, "group", "", "Only events of this task group")
	cmd.Flags().StringVar(&subtype, "subtype", "", "Only events of this subtype")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to list (0 for all)")
	return cmd
}

func newEventLatestCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "latest <subtype>",
		Short: "Print the payload of the highest-iteration event of a subtype",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				ev, err := e.ledger.Latest(ctx, sid, args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, ev, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s\n", ev.Payload)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	return cmd
}
