// group.go implements the "baton group" commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/store"
)

func newGroupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage the task groups of a session",
	}
	cmd.AddCommand(newGroupAddCmd(a), newGroupListCmd(a))
	return cmd
}

func newGroupAddCmd(a *app) *cobra.Command {
	var (
		sessionID  string
		id         string
		assignee   string
		complexity int
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a pending task group to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				g, err := e.manager.CreateTaskGroup(ctx, store.NewTaskGroup{
					SessionID:  sid,
					ID:         id,
					Name:       args[0],
					Assignee:   assignee,
					Complexity: complexity,
				})
				if err != nil {
					return err
				}
				return a.emit(cmd, g, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Added group %s to session %s\n", g.ID, g.SessionID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	cmd.Flags().StringVar(&id, "id", "", "Group ID (default: next G<n>)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Initial assignee role")
	cmd.Flags().IntVar(&complexity, "complexity", 0, "Complexity score")
	return cmd
}

func newGroupListCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's task groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				groups, err := e.store.ListTaskGroups(ctx, sid)
				if err != nil {
					return err
				}
				return a.emit(cmd, groups, func(w io.Writer) error {
					if len(groups) == 0 {
						_, err := fmt.Fprintln(w, "No task groups.")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "GROUP\tSTATUS\tASSIGNEE\tREV\tCOMPLEXITY\tNAME")
					for _, g := range groups {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
							g.ID, g.Status, dash(g.Assignee), g.Revision, g.Complexity, g.Name)
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	return cmd
}
