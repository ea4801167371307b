package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Relay API",
	Long:  `Report database and Redis health as seen by the API's /healthz endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		err := newClient().do(cmd.Context(), http.MethodGet, "/healthz", nil, nil, &st)
		var apiErr *apiError
		if err != nil && !errors.As(err, &apiErr) {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if apiErr != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d)\n", apiErr.Status)
			return nil
		}
		if outputJSON {
			return printJSON(out, st)
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		fmt.Fprintf(out, "  Database: %v\n", st.Database)
		if st.Redis != nil {
			fmt.Fprintf(out, "  Redis: %v\n", *st.Redis)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
