// dispatch.go implements the commands a role dispatcher calls for each
// turn: "turn", "reason", "advance" and "phases".
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

// roleFlags are the flags shared by every dispatcher command.
type roleFlags struct {
	session string
	group   string
	role    string
	agent   string
}

func (f *roleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.session, "session", "", "Session ID (default: the active session)")
	cmd.Flags().StringVar(&f.group, "group", "", "Task group ID")
	cmd.Flags().StringVar(&f.role, "role", "", "Role reporting the turn")
	cmd.Flags().StringVar(&f.agent, "agent", "", "Role-instance ID")
	_ = cmd.MarkFlagRequired("role")
}

func newTurnCmd(a *app) *cobra.Command {
	var (
		rf  roleFlags
		seq int64
	)
	cmd := &cobra.Command{
		Use:   "turn <content>",
		Short: "Record one role turn",
		Long: `Append a role's turn to the session log. Pass "-" to read the content
from stdin. Without --seq the next sequence number is used; repeating a
call with an already recorded --seq returns the stored turn.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, rf.session)
				if err != nil {
					return err
				}
				n := seq
				if n <= 0 {
					if n, err = e.store.NextSequence(ctx, sid); err != nil {
						return err
					}
				}
				it, created, err := e.manager.RecordTurn(ctx, lifecycle.Turn{
					SessionID: sid,
					GroupID:   rf.group,
					Role:      rf.role,
					AgentID:   rf.agent,
					Seq:       n,
					Content:   content,
				})
				if err != nil {
					return err
				}
				return a.emit(cmd, it, func(w io.Writer) error {
					if !created {
						_, err := fmt.Fprintf(w, "Turn #%d already recorded\n", it.Seq)
						return err
					}
					_, err := fmt.Fprintf(w, "Recorded turn #%d (%s)\n", it.Seq, it.Role)
					return err
				})
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().Int64Var(&seq, "seq", 0, "Sequence number (default: next in session)")
	return cmd
}

func newReasonCmd(a *app) *cobra.Command {
	var (
		rf        roleFlags
		iteration int
	)
	cmd := &cobra.Command{
		Use:   "reason <phase> <content>",
		Short: "Record a role's reasoning at a phase",
		Long: `Record reasoning for one of the phases understanding, approach,
decisions, risks, blockers, pivot or completion. The iteration defaults to
the group's current revision.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, args[1])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, rf.session)
				if err != nil {
					return err
				}
				iter := iteration
				if iter < 0 {
					iter = 0
					if rf.group != "" {
						g, err := e.store.GetTaskGroup(ctx, sid, rf.group)
						if err != nil {
							return err
						}
						iter = g.Revision
					}
				}
				entry, err := e.manager.RecordReasoning(ctx, store.NewReasoning{
					SessionID: sid,
					GroupID:   rf.group,
					Role:      rf.role,
					AgentID:   rf.agent,
					Iteration: iter,
					Phase:     store.Phase(args[0]),
					Content:   content,
				})
				if err != nil {
					return err
				}
				return a.emit(cmd, entry, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Recorded %s reasoning for %s (iteration %d)\n", entry.Phase, entry.Role, entry.Iteration)
					return err
				})
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().IntVar(&iteration, "iteration", -1, "Iteration (default: the group's revision)")
	return cmd
}

func newAdvanceCmd(a *app) *cobra.Command {
	var (
		rf      roleFlags
		markers []string
		output  string
		rules   []string
	)
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Route a role's outcome to the next step",
		Long: `Advance a task group (or the session, without --group) from a role's
outcome. Give the outcome as --marker values, or as --output text from which
known markers are extracted ("-" reads stdin). Fails until the role has
recorded its mandatory reasoning phases.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, rf.session)
				if err != nil {
					return err
				}
				found := markers
				if len(found) == 0 && output != "" {
					text, err := readContent(cmd, output)
					if err != nil {
						return err
					}
					found = workflow.ExtractMarkers(text, e.table.Markers())
				}
				res, err := e.manager.Advance(ctx, lifecycle.AdvanceRequest{
					SessionID:    sid,
					GroupID:      rf.group,
					Role:         rf.role,
					AgentID:      rf.agent,
					Markers:      found,
					SpecialRules: rules,
				})
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func(w io.Writer) error {
					return printAdvance(w, res)
				})
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringSliceVar(&markers, "marker", nil, "Outcome marker (repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "Role output to extract markers from")
	cmd.Flags().StringSliceVar(&rules, "rule", nil, "Extra special rule for this advance (repeatable)")
	return cmd
}

func printAdvance(w io.Writer, res *lifecycle.AdvanceResult) error {
	fmt.Fprintf(w, "Next: %s\n", res.Action)
	if len(res.Rules) > 0 {
		fmt.Fprintf(w, "Rules: %s\n", strings.Join(res.Rules, ", "))
	}
	if g := res.Group; g != nil {
		fmt.Fprintf(w, "Group %s: %s, assignee %s, revision %d\n", g.ID, g.Status, dash(g.Assignee), g.Revision)
	}
	if res.Session != nil && res.Session.Status.Terminal() {
		fmt.Fprintf(w, "Session %s %s (%s)\n", res.Session.ID, res.Session.Status, res.Session.Verdict)
	}
	return nil
}

func newPhasesCmd(a *app) *cobra.Command {
	var rf roleFlags
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Show which mandatory reasoning phases a role still owes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sid, err := resolveSession(ctx, e.store, rf.session)
				if err != nil {
					return err
				}
				report, err := e.manager.CheckMandatoryPhases(ctx, sid, rf.group, rf.role, rf.agent)
				if err != nil {
					return err
				}
				return a.emit(cmd, report, func(w io.Writer) error {
					if report.Complete {
						_, err := fmt.Fprintf(w, "%s has recorded every mandatory phase (iteration %d)\n", rf.role, report.Iteration)
						return err
					}
					missing := make([]string, len(report.Missing))
					for i, p := range report.Missing {
						missing[i] = string(p)
					}
					_, err := fmt.Fprintf(w, "%s is missing: %s (iteration %d)\n", rf.role, strings.Join(missing, ", "), report.Iteration)
					return err
				})
			})
		},
	}
	rf.register(cmd)
	return cmd
}
