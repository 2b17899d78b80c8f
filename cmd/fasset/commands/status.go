package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

// requestContext bounds one CLI invocation's API calls
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

// NewStatusCmd shows daemon health and the global asset state
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient()

			health, err := c.Health(ctx)
			if err != nil {
				Error(fmt.Sprintf("Daemon not reachable at %s", c.BaseURL()))
				fmt.Println(Hint("Start it with: fasset serve"))
				return err
			}
			st, err := c.State(ctx)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return printJSON(map[string]interface{}{"health": health, "state": st})
			}

			fields := [][2]string{
				{"Status", StatusBadge(health.Status)},
				{"Version", health.Version},
				{"Uptime", health.Uptime},
				{"Agents", fmt.Sprintf("%d", health.Agents)},
				{"Stream clients", fmt.Sprintf("%d", health.StreamClients)},
				{"Underlying block", fmt.Sprintf("%d", st.CurrentUnderlyingBlock)},
				{"Next request id", fmt.Sprintf("%d", st.NextRequestID)},
				{"Queue head ticket", fmt.Sprintf("%d", st.FirstTicketID)},
			}
			if health.Reason != "" {
				fields = append(fields, [2]string{"Reason", health.Reason})
			}
			if health.Panics > 0 {
				fields = append(fields, [2]string{"Recovered panics", fmt.Sprintf("%d", health.Panics)})
			}
			fmt.Println(StatusBox("Asset Manager", fields))
			return nil
		},
	}
}
