package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execgate",
		Short:         "execgate: command-execution gateway for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("execgate {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("EXECGATE_SERVER", "http://127.0.0.1:7070"), "execgate gateway base URL")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExecCmd())
	cmd.AddCommand(newApproveCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newNodesCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("server")
	if addr == "" {
		addr = "http://127.0.0.1:7070"
	}
	return addr
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
