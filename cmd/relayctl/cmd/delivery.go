package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
	Long:  `List deliveries and show their attempt count and last response.`,
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deliveries",
	Long: `List deliveries, newest first.

Example:
  relayctl delivery list --subscription 3f6c... --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("subscription"); v != "" {
			q.Set("subscription_id", v)
		}
		if v, _ := cmd.Flags().GetString("event"); v != "" {
			q.Set("event_type", v)
		}
		if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
			q.Set("limit", strconv.Itoa(n))
		}

		var resp struct {
			Deliveries []webhook.Delivery `json:"deliveries"`
		}
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/deliveries", q, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		out := cmd.OutOrStdout()
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Fprintf(out, "\n%s\n", d.ID)
			printDelivery(out, d)
		}
		return nil
	},
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d webhook.Delivery
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/deliveries/"+url.PathEscape(args[0]), nil, nil, &d); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), d)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Delivery %s\n", d.ID)
		printDelivery(out, d)
		fmt.Fprintf(out, "  Payload: %s\n", d.Payload)
		return nil
	},
}

func printDelivery(out io.Writer, d webhook.Delivery) {
	fmt.Fprintf(out, "  Subscription: %s\n", d.SubscriptionID)
	fmt.Fprintf(out, "  Event: %s\n", d.EventType)
	// classified with the default policy; the server's limits may differ
	fmt.Fprintf(out, "  State: %s\n", d.State(time.Now(), webhook.DefaultPolicy()))
	fmt.Fprintf(out, "  Attempts: %d\n", d.Attempts)
	if d.ResponseStatus != nil {
		fmt.Fprintf(out, "  HTTP Status: %d\n", *d.ResponseStatus)
	}
	if d.ResponseBody != nil && *d.ResponseBody != "" {
		fmt.Fprintf(out, "  Response: %s\n", *d.ResponseBody)
	}
	fmt.Fprintf(out, "  Created: %s\n", formatTime(&d.CreatedAt))
	fmt.Fprintf(out, "  Delivered: %s\n", formatTime(d.DeliveredAt))
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd, getDeliveryCmd)

	listDeliveriesCmd.Flags().String("subscription", "", "filter by subscription ID")
	listDeliveriesCmd.Flags().String("event", "", "filter by event type")
	listDeliveriesCmd.Flags().Int("limit", 20, "maximum number of results")
}
