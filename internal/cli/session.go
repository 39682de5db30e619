// session.go implements the "baton session" commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	batonlog "github.com/berth-dev/baton/internal/log"
	"github.com/berth-dev/baton/internal/store"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start, inspect and finish sessions",
	}
	cmd.AddCommand(
		newSessionStartCmd(a),
		newSessionListCmd(a),
		newSessionShowCmd(a),
		newSessionCompleteCmd(a),
		newSessionArchiveCmd(a),
	)
	return cmd
}

func newSessionStartCmd(a *app) *cobra.Command {
	var (
		mode  string
		rules []string
	)
	cmd := &cobra.Command{
		Use:   "start <request>",
		Short: "Start a new active session",
		Long: `Start a session for the given request. Pass "-" to read the request
from stdin. Only one session may be active at a time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := readContent(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sess, err := e.manager.CreateSession(ctx, request, store.Mode(mode), rules)
				if err != nil {
					return err
				}
				return a.emit(cmd, sess, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Started session %s (%s)\n", sess.ID, sess.Mode)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(store.ModeSingle), "Execution mode: single or parallel")
	cmd.Flags().StringSliceVar(&rules, "rule", nil, "Special rule to apply to every advance (repeatable)")
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				list, err := e.store.ListSessions(ctx, store.ListOptions{IncludeArchived: all, Limit: limit})
				if err != nil {
					return err
				}
				return a.emit(cmd, list, func(w io.Writer) error {
					if len(list) == 0 {
						_, err := fmt.Fprintln(w, "No sessions found.")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tGROUPS\tSTARTED\tREQUEST")
					for _, s := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
							s.ID, s.Status, s.Mode, s.GroupsCompleted, s.GroupsTotal,
							s.StartedAt.Local().Format("2006-01-02 15:04"), truncate(s.Request, 48))
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include archived sessions")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}

// sessionDetail is the JSON shape of "session show".
type sessionDetail struct {
	Session   *store.Session         `json:"session"`
	Groups    []store.TaskGroup      `json:"groups"`
	Reasoning []store.ReasoningEntry `json:"reasoning,omitempty"`
	Journal   []batonlog.Entry       `json:"journal,omitempty"`
}

func newSessionShowCmd(a *app) *cobra.Command {
	var withReasoning, withJournal bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session and its task groups (default: the active session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				id, err := resolveSession(ctx, e.store, firstArg(args))
				if err != nil {
					return err
				}
				sess, err := e.store.GetSession(ctx, id)
				if err != nil {
					return err
				}
				groups, err := e.store.ListTaskGroups(ctx, id)
				if err != nil {
					return err
				}
				detail := sessionDetail{Session: sess, Groups: groups}

				if withReasoning {
					scopes := []string{""}
					for _, g := range groups {
						scopes = append(scopes, g.ID)
					}
					for _, groupID := range scopes {
						entries, err := e.store.ListReasoning(ctx, id, groupID)
						if err != nil {
							return err
						}
						detail.Reasoning = append(detail.Reasoning, entries...)
					}
				}
				if withJournal {
					journal, err := batonlog.NewJournal(a.dir)
					if err != nil {
						return err
					}
					if detail.Journal, err = journal.Session(id); err != nil {
						return err
					}
				}

				return a.emit(cmd, detail, func(w io.Writer) error {
					if err := printSession(w, sess, groups); err != nil {
						return err
					}
					if withReasoning {
						if err := printReasoning(w, detail.Reasoning); err != nil {
							return err
						}
					}
					if withJournal {
						return printJournal(w, detail.Journal)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&withReasoning, "reasoning", false, "Include every recorded reasoning entry")
	cmd.Flags().BoolVar(&withJournal, "journal", false, "Include the session's notification journal")
	return cmd
}

func printReasoning(w io.Writer, entries []store.ReasoningEntry) error {
	fmt.Fprintln(w)
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No reasoning recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tROLE\tAGENT\tITER\tPHASE\tCONTENT")
	for _, r := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			dash(r.GroupID), r.Role, dash(r.AgentID), r.Iteration, r.Phase, truncate(r.Content, 60))
	}
	return tw.Flush()
}

func printJournal(w io.Writer, entries []batonlog.Entry) error {
	fmt.Fprintln(w)
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "Journal is empty for this session.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tKIND\tGROUP")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.Time.Local().Format(time.RFC3339), e.Kind, dash(e.GroupID))
	}
	return tw.Flush()
}

func printSession(w io.Writer, sess *store.Session, groups []store.TaskGroup) error {
	fmt.Fprintf(w, "Session %s\n", sess.ID)
	fmt.Fprintf(w, "Status:  %s\n", sess.Status)
	fmt.Fprintf(w, "Mode:    %s\n", sess.Mode)
	if len(sess.SpecialRules) > 0 {
		fmt.Fprintf(w, "Rules:   %s\n", strings.Join(sess.SpecialRules, ", "))
	}
	fmt.Fprintf(w, "Started: %s\n", sess.StartedAt.Local().Format(time.RFC3339))
	if sess.EndedAt != nil {
		fmt.Fprintf(w, "Ended:   %s (%s)\n", sess.EndedAt.Local().Format(time.RFC3339), sess.Verdict)
	}
	if sess.ArchivedAt != nil {
		fmt.Fprintf(w, "Archived %s\n", sess.ArchivedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Request: %s\n", truncate(sess.Request, 200))

	if len(groups) == 0 {
		_, err := fmt.Fprintln(w, "\nNo task groups.")
		return err
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSTATUS\tASSIGNEE\tREV\tVERDICT\tNAME")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			g.ID, g.Status, dash(g.Assignee), g.Revision, dash(g.LastVerdict), g.Name)
	}
	return tw.Flush()
}

func newSessionCompleteCmd(a *app) *cobra.Command {
	var verdict string
	cmd := &cobra.Command{
		Use:   "complete [id]",
		Short: "Mark a session completed or failed",
		Long: `Record the session's final verdict. Verdicts naming a failure (fail,
escalate, abandon, abort, reject) mark the session failed; anything else
completes it. Repeating the same call is a no-op.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				id, err := resolveSession(ctx, e.store, firstArg(args))
				if err != nil {
					return err
				}
				sess, err := e.manager.CompleteSession(ctx, id, verdict)
				if err != nil {
					return err
				}
				return a.emit(cmd, sess, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Session %s %s (%s)\n", sess.ID, sess.Status, sess.Verdict)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "completed", "Final verdict")
	return cmd
}

func newSessionArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine) error {
				sess, err := e.store.ArchiveSession(ctx, args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, sess, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Archived session %s\n", sess.ID)
					return err
				})
			})
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
