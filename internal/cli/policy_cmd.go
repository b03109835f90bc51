package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and edit per-agent policy",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show AGENT_ID",
		Short: "Show the effective stored policy for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			p, err := c.GetAgentPolicy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	})

	var security string
	var ask string
	var askFallback string
	setCmd := &cobra.Command{
		Use:   "set AGENT_ID",
		Short: "Set an agent's security and ask modes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if security == "" && ask == "" && askFallback == "" {
				return fmt.Errorf("nothing to set: pass --security, --ask, or --ask-fallback")
			}
			c := client.New(serverAddr(cmd))
			p, err := c.GetAgentPolicy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if security != "" {
				mode, err := types.ParseSecurityMode(security)
				if err != nil {
					return err
				}
				p.Security = mode
			}
			if ask != "" {
				mode, err := types.ParseAskMode(ask)
				if err != nil {
					return err
				}
				p.Ask = mode
			}
			if askFallback != "" {
				mode, err := types.ParseSecurityMode(askFallback)
				if err != nil {
					return err
				}
				p.AskFallback = mode
			}
			if err := c.SetAgentPolicy(cmd.Context(), args[0], p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	setCmd.Flags().StringVar(&security, "security", "", "Security mode: deny|allowlist|full")
	setCmd.Flags().StringVar(&ask, "ask", "", "Ask mode: off|on-miss|always")
	setCmd.Flags().StringVar(&askFallback, "ask-fallback", "", "Security applied when no approver is reachable: deny|allowlist|full")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "allow AGENT_ID PATTERN",
		Short: "Add an allowlist pattern for an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			if err := c.AddAllowlistEntry(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allowlist AGENT_ID",
		Short: "List an agent's allowlist with usage metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			p, err := c.GetAgentPolicy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p.Allowlist == nil {
				p.Allowlist = []policy.AllowlistEntry{}
			}
			return printJSON(cmd, p.Allowlist)
		},
	})

	return cmd
}
