package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/approval"
	"github.com/agentsh/execgate/internal/client"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "List and resolve pending approvals",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			approvals, err := c.ListApprovals(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, approvals)
		},
	})

	var allow bool
	var deny bool
	var always bool
	resolveCmd := &cobra.Command{
		Use:   "resolve RUN_ID",
		Short: "Allow or deny a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allow == deny {
				return fmt.Errorf("choose exactly one of --allow or --deny")
			}
			decision := string(types.DecisionDeny)
			if allow {
				decision = string(types.DecisionAllowOnce)
				if always {
					decision = string(types.DecisionAllowAlways)
				}
			}
			c := client.New(serverAddr(cmd))
			if err := c.ResolveApproval(cmd.Context(), args[0], decision); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	resolveCmd.Flags().BoolVar(&allow, "allow", false, "Allow the command")
	resolveCmd.Flags().BoolVar(&deny, "deny", false, "Deny the command")
	resolveCmd.Flags().BoolVar(&always, "always", false, "With --allow, record the command on the agent's allowlist")
	cmd.AddCommand(resolveCmd)

	cmd.AddCommand(newApproveListenCmd())

	return cmd
}

// newApproveListenCmd runs the interactive approval prompt on this
// terminal: it binds the approval socket, rotates the capability
// token, and asks y/a/n for each incoming command.
func newApproveListenCmd() *cobra.Command {
	var policyPath string
	var socketPath string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Answer approval prompts interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := config.DefaultBaseDir()
			if policyPath == "" {
				policyPath = config.Default(base).Policy.Path
			}
			if socketPath == "" {
				socketPath = config.Default(base).Approval.Socket
			}

			store, err := policy.NewStore(policyPath)
			if err != nil {
				return err
			}
			manager := approval.NewManager()
			listener := approval.NewListener(store, manager, slog.Default())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := listener.Start(ctx, socketPath); err != nil {
				return err
			}
			defer listener.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "listening for approval requests on %s\n", socketPath)
			return promptLoop(ctx, cmd, manager)
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy document path (default under $EXECGATE_HOME)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Approval socket path (default under $EXECGATE_HOME)")
	return cmd
}

func promptLoop(ctx context.Context, cmd *cobra.Command, manager *approval.Manager) error {
	out := cmd.OutOrStdout()
	stdin := bufio.NewReader(cmd.InOrStdin())

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := stdin.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	for {
		var prompt approval.Prompt
		select {
		case <-ctx.Done():
			return nil
		case prompt = <-manager.Notifications():
		}

		fmt.Fprintf(out, "\nagent %s wants to run on %s", prompt.AgentID, prompt.HostMeta.Host)
		if prompt.HostMeta.Node != "" {
			fmt.Fprintf(out, " (%s)", prompt.HostMeta.Node)
		}
		fmt.Fprintf(out, ":\n  %s", prompt.Command)
		if len(prompt.Args) > 0 {
			fmt.Fprintf(out, " %s", strings.Join(prompt.Args, " "))
		}
		if prompt.Workdir != "" {
			fmt.Fprintf(out, "\n  in %s", prompt.Workdir)
		}
		fmt.Fprintf(out, "\nallow once [y], allow always [a], deny [n]? ")

		decision := types.DecisionDeny
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(line) {
			case "y", "yes":
				decision = types.DecisionAllowOnce
			case "a", "always":
				decision = types.DecisionAllowAlways
			}
		}

		if !manager.Resolve(prompt.RunID, decision) {
			fmt.Fprintln(out, "request expired before the decision")
			continue
		}
		fmt.Fprintf(out, "-> %s\n", decision)
	}
}
