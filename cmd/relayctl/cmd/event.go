package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish domain events",
	Long:  `Publish domain events for delivery to every matching subscription.`,
}

var sendCmd = &cobra.Command{
	Use:     "send [event-type] [payload-json]",
	Aliases: []string{"publish"},
	Short:   "Publish an event",
	Long: `Publish an event with a JSON payload. The payload may also be read from a file.

Examples:
  relayctl event send deal.won '{"deal_id":"d_789","amount":1200}'
  relayctl event send contact.created --file contact.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := eventPayload(cmd, args)
		if err != nil {
			return err
		}

		req := map[string]any{"event_type": args[0], "payload": payload}
		var resp map[string]string
		if err := newClient().do(cmd.Context(), http.MethodPost, "/v1/events", nil, req, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s (%s)\n", args[0], resp["status"])
		return nil
	},
}

// eventPayload returns the payload from the second argument or --file, checked to be JSON.
func eventPayload(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	file, _ := cmd.Flags().GetString("file")
	var raw []byte
	switch {
	case len(args) == 2 && file != "":
		return nil, fmt.Errorf("pass the payload either as an argument or with --file, not both")
	case len(args) == 2:
		raw = []byte(args[1])
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("payload is required")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid payload JSON")
	}
	return json.RawMessage(raw), nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringP("file", "f", "", "read the payload from a JSON file")
}
