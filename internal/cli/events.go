package cli

import (
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
	"github.com/agentsh/execgate/pkg/types"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and stream lifecycle events",
	}

	var (
		agentID string
		runID   string
		evTypes string
		since   string
		until   string
		limit   int
		asc     bool
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if agentID != "" {
				q.Set("agent", agentID)
			}
			if runID != "" {
				q.Set("run", runID)
			}
			if evTypes != "" {
				q.Set("types", evTypes)
			}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			if limit > 0 {
				q.Set("limit", itoa(limit))
			}
			if asc {
				q.Set("order", "asc")
			}
			c := client.New(serverAddr(cmd))
			events, err := c.SearchEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	searchCmd.Flags().StringVar(&agentID, "agent", "", "Filter by agent id")
	searchCmd.Flags().StringVar(&runID, "run", "", "Filter by run id")
	searchCmd.Flags().StringVar(&evTypes, "types", "", "Comma-separated event types (exec.started,exec.finished,exec.denied)")
	searchCmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp or relative duration (e.g. 1h)")
	searchCmd.Flags().StringVar(&until, "until", "", "RFC3339 timestamp or relative duration")
	searchCmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to return")
	searchCmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	cmd.AddCommand(searchCmd)

	followCmd := &cobra.Command{
		Use:   "follow AGENT_ID",
		Short: "Stream an agent's events live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), c.EventsURL(args[0]), nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			for {
				var ev types.Event
				if err := conn.ReadJSON(&ev); err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				if err := printJSON(cmd, ev); err != nil {
					return err
				}
			}
		},
	}
	cmd.AddCommand(followCmd)

	return cmd
}
