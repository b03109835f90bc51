package cli

import (
	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
)

func newExecCmd() *cobra.Command {
	var (
		agentID  string
		host     string
		node     string
		security string
		ask      string
		workdir  string
		timeout  string
	)
	c := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Submit a command through the gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			cmdArgs := args[1:]

			c := client.New(serverAddr(cmd))
			outcome, err := c.Exec(cmd.Context(), client.ExecParams{
				AgentID:  agentID,
				Command:  command,
				Args:     cmdArgs,
				Workdir:  workdir,
				Host:     host,
				Node:     node,
				Security: security,
				Ask:      ask,
				Timeout:  timeout,
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd, outcome); err != nil {
				return err
			}
			if outcome.Result != nil && outcome.Result.ExitCode != 0 {
				return &ExitError{code: outcome.Result.ExitCode}
			}
			return nil
		},
		DisableFlagsInUseLine: true,
	}
	c.Flags().StringVar(&agentID, "agent", getenvDefault("EXECGATE_AGENT", "default"), "Agent identity the command runs as")
	c.Flags().StringVar(&host, "host", "", "Execution host: sandbox|gateway|node")
	c.Flags().StringVar(&node, "node", "", "Node reference (id, name, IP, or id prefix)")
	c.Flags().StringVar(&security, "security", "", "Security mode override: deny|allowlist|full")
	c.Flags().StringVar(&ask, "ask", "", "Ask mode override: off|on-miss|always")
	c.Flags().StringVar(&workdir, "workdir", "", "Working directory for the command")
	c.Flags().StringVar(&timeout, "timeout", "", "Command timeout (e.g. 30s, 5m)")
	return c
}
