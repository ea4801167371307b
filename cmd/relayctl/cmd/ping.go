package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Harbor Relay API",
	Long:  `Send a ping request to verify the API is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/ping", nil, nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pong! Service is running")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
