// init.go implements "baton init", which writes the default configuration
// and creates the database.
package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/config"
	batonlog "github.com/berth-dev/baton/internal/log"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize baton in the current project",
		Long: `Create .baton/ with a default config.yaml and the SQLite database, and
report where the notification journal is written. An existing config is
kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := filepath.Join(config.Dir(a.dir), "config.yaml")
			_, statErr := os.Stat(cfgPath)
			exists := statErr == nil
			if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
				return fmt.Errorf("checking config: %w", statErr)
			}
			if !exists || force {
				if err := config.WriteConfig(a.dir, config.DefaultConfig()); err != nil {
					return err
				}
				cfg, err := config.Load(a.dir)
				if err != nil {
					return err
				}
				a.cfg = cfg
			}

			if _, err := a.loadTable(); err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			j, err := batonlog.NewJournal(a.dir)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if exists && !force {
				fmt.Fprintf(w, "Config:   %s (kept)\n", cfgPath)
			} else {
				fmt.Fprintf(w, "Config:   %s\n", cfgPath)
			}
			fmt.Fprintf(w, "Database: %s\n", st.Path())
			fmt.Fprintf(w, "Journal:  %s\n", j.Path())
			return printNextSteps(w)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config with defaults")
	return cmd
}

func printNextSteps(w io.Writer) error {
	_, err := fmt.Fprint(w, `
Next steps:
  baton serve                      start the observer API and change stream
  baton session start "<request>"  begin a run
`)
	return err
}
