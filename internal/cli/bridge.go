// bridge.go implements the "bridge" command, an MCP stdio-to-HTTP bridge
// that role agents use to reach a running "baton serve".
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/berth-dev/baton/internal/observer"
)

func newBridgeCmd(a *app) *cobra.Command {
	var cfg observer.BridgeConfig
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "MCP stdio bridge to the observer API",
		Long: `Speak MCP (JSON-RPC 2.0 over stdin/stdout) and forward each tool call
to a running "baton serve". Role and agent ID are filled in from the flags
when a tool call omits them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Addr == "" {
				cfg.Addr = a.cfg.Server.Addr
			}
			return observer.RunBridge(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", "", "Observer address host:port (default: server.addr)")
	cmd.Flags().StringVar(&cfg.SessionID, "session", "", "Session ID")
	cmd.Flags().StringVar(&cfg.Role, "role", "", "Role of the agent using the bridge")
	cmd.Flags().StringVar(&cfg.AgentID, "agent", "", "Role-instance ID")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
