package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create and manage the receiver URLs that events are delivered to.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create [url] [event-type...]",
	Short: "Create a new webhook subscription",
	Long: `Create a subscription for one or more event types. Use "*" to receive every event.

Example:
  relayctl subscription create https://example.com/hooks deal.won contact.created`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := registry.CreateInput{URL: args[0], Events: args[1:]}
		if cmd.Flags().Changed("inactive") {
			inactive, _ := cmd.Flags().GetBool("inactive")
			active := !inactive
			in.Active = &active
		}

		var sub webhook.Subscription
		if err := newClient().do(cmd.Context(), http.MethodPost, "/v1/subscriptions", nil, in, &sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created subscription: %s\n", sub.ID)
		printSubscription(out, sub)
		fmt.Fprintf(out, "  Secret: %s\n", sub.Secret)
		fmt.Fprintln(out, "  Store the secret now; it is needed to verify X-Webhook-Signature.")
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Subscriptions []webhook.Subscription `json:"subscriptions"`
		}
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/subscriptions", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if activeOnly, _ := cmd.Flags().GetBool("active"); activeOnly {
			kept := resp.Subscriptions[:0]
			for _, s := range resp.Subscriptions {
				if s.Active {
					kept = append(kept, s)
				}
			}
			resp.Subscriptions = kept
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		out := cmd.OutOrStdout()
		if len(resp.Subscriptions) == 0 {
			fmt.Fprintln(out, "No subscriptions found")
			return nil
		}
		for _, s := range resp.Subscriptions {
			fmt.Fprintf(out, "\n%s\n", s.ID)
			printSubscription(out, s)
		}
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show one subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub webhook.Subscription
		if err := newClient().do(cmd.Context(), http.MethodGet, "/v1/subscriptions/"+url.PathEscape(args[0]), nil, nil, &sub); err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s\n", sub.ID)
		printSubscription(cmd.OutOrStdout(), sub)
		return nil
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [subscription-id]",
	Short: "Change a subscription's URL, events or active flag",
	Long: `Only the flags given are changed.

Example:
  relayctl subscription update 3f6c... --events deal.won,deal.lost --active=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := updateInputFromFlags(cmd)
		if err != nil {
			return err
		}
		var sub webhook.Subscription
		if err := newClient().do(cmd.Context(), http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(args[0]), nil, in, &sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sub)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated subscription: %s\n", sub.ID)
		printSubscription(cmd.OutOrStdout(), sub)
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Delete a subscription and its delivery history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().do(cmd.Context(), http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %s\n", args[0])
		return nil
	},
}

func updateInputFromFlags(cmd *cobra.Command) (registry.UpdateInput, error) {
	var in registry.UpdateInput
	if cmd.Flags().Changed("url") {
		u, _ := cmd.Flags().GetString("url")
		in.URL = &u
	}
	if cmd.Flags().Changed("events") {
		raw, _ := cmd.Flags().GetString("events")
		events := splitEvents(raw)
		in.Events = &events
	}
	if cmd.Flags().Changed("active") {
		a, _ := cmd.Flags().GetBool("active")
		in.Active = &a
	}
	if in.URL == nil && in.Events == nil && in.Active == nil {
		return in, fmt.Errorf("nothing to update: pass --url, --events or --active")
	}
	return in, nil
}

func splitEvents(raw string) []string {
	var out []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func printSubscription(out io.Writer, s webhook.Subscription) {
	fmt.Fprintf(out, "  URL: %s\n", s.URL)
	fmt.Fprintf(out, "  Events: %s\n", strings.Join(s.Events, ", "))
	fmt.Fprintf(out, "  Active: %v\n", s.Active)
	fmt.Fprintf(out, "  Failure count: %d\n", s.FailureCount)
	fmt.Fprintf(out, "  Last triggered: %s\n", formatTime(s.LastTriggeredAt))
	fmt.Fprintf(out, "  Created: %s\n", formatTime(&s.CreatedAt))
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd, listSubscriptionsCmd, getSubscriptionCmd,
		updateSubscriptionCmd, deleteSubscriptionCmd)

	createSubscriptionCmd.Flags().Bool("inactive", false, "create the subscription paused")
	listSubscriptionsCmd.Flags().Bool("active", false, "only list active subscriptions")
	updateSubscriptionCmd.Flags().String("url", "", "new receiver URL")
	updateSubscriptionCmd.Flags().String("events", "", "comma separated event types, replaces the current list")
	updateSubscriptionCmd.Flags().Bool("active", true, "activate or pause the subscription")
}
