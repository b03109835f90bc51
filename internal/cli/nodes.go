package cli

import (
	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
)

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List connected execution nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			nodes, err := c.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, nodes)
		},
	}
}
