// usage.go implements "baton usage", the token metering commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/store"
)

func newUsageCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage per role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, sessionID)
				if err != nil {
					return err
				}
				summary, err := e.store.TokenUsageSummary(ctx, sid)
				if err != nil {
					return err
				}
				return a.emit(cmd, summary, func(w io.Writer) error {
					if len(summary) == 0 {
						_, err := fmt.Fprintln(w, "No usage recorded.")
						return err
					}
					var in, out int64
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ROLE\tRECORDS\tTOKENS IN\tTOKENS OUT")
					for _, u := range summary {
						fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", u.Role, u.Records, u.TokensIn, u.TokensOut)
						in += u.TokensIn
						out += u.TokensOut
					}
					fmt.Fprintf(tw, "total\t\t%d\t%d\n", in, out)
					return tw.Flush()
				})
			})
		},
	}
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "Session ID (default: the active session)")
	cmd.AddCommand(newUsageRecordCmd(a, &sessionID))
	return cmd
}

func newUsageRecordCmd(a *app, sessionID *string) *cobra.Command {
	var (
		rf        roleFlags
		tokensIn  int64
		tokensOut int64
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record tokens consumed by one role turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, *sessionID)
				if err != nil {
					return err
				}
				u, err := e.store.InsertTokenUsage(ctx, store.NewTokenUsage{
					SessionID: sid,
					GroupID:   rf.group,
					Role:      rf.role,
					AgentID:   rf.agent,
					TokensIn:  tokensIn,
					TokensOut: tokensOut,
				})
				if err != nil {
					return err
				}
				return a.emit(cmd, u, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Recorded %d in / %d out for %s\n", u.TokensIn, u.TokensOut, u.Role)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&rf.group, "group", "", "Task group ID")
	cmd.Flags().StringVar(&rf.role, "role", "", "Role that consumed the tokens")
	cmd.Flags().StringVar(&rf.agent, "agent", "", "Role-instance ID")
	_ = cmd.MarkFlagRequired("role")
	cmd.Flags().Int64Var(&tokensIn, "in", 0, "Input tokens")
	cmd.Flags().Int64Var(&tokensOut, "out", 0, "Output tokens")
	return cmd
}
