// transitions.go implements "baton transitions", which validates and
// prints the transition table.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/workflow"
)

func newTransitionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Inspect the transition table",
	}
	cmd.AddCommand(newTransitionsCheckCmd(a))
	return cmd
}

// tableSummary is the JSON shape of "transitions check".
type tableSummary struct {
	Source    string   `json:"source"`
	Version   int      `json:"version"`
	Fallback  string   `json:"fallback"`
	Roles     []string `json:"roles"`
	Markers   []string `json:"markers"`
	Overrides []string `json:"overrides"`
}

func newTransitionsCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a transition table (default: the configured one)",
		Long: `Load and compile a transition table, reporting every problem found.
Without a file the configured table, or the built-in one, is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.TransitionsPath(a.dir)
			if len(args) == 1 {
				path = args[0]
			}
			table, err := workflow.Load(path)
			if err != nil {
				return err
			}
			source := path
			if source == "" {
				source = "built-in"
			}
			summary := tableSummary{
				Source:    source,
				Version:   table.Version(),
				Fallback:  table.Fallback(),
				Roles:     table.Roles(),
				Markers:   table.Markers(),
				Overrides: table.Overrides(),
			}
			return a.emit(cmd, summary, func(w io.Writer) error {
				fmt.Fprintf(w, "%s: ok (version %d)\n", summary.Source, summary.Version)
				fmt.Fprintf(w, "Fallback:  %s\n", summary.Fallback)
				fmt.Fprintf(w, "Roles:     %s\n", strings.Join(summary.Roles, ", "))
				fmt.Fprintf(w, "Markers:   %s\n", strings.Join(summary.Markers, ", "))
				_, err := fmt.Fprintf(w, "Overrides: %s\n", strings.Join(summary.Overrides, ", "))
				return err
			})
		},
	}
}
