package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-pkgz/syncs"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Duration    time.Duration `json:"duration"`
	Rate        int           `json:"rate"` // events per second
	Mode        string        `json:"mode"` // good or bad
	WebhookURL  string        `json:"webhook_url"`
	FailURL     string        `json:"fail_url"`
	EventType   string        `json:"event_type"`
	FailureRate float64       `json:"failure_rate"` // percent of events routed to FailURL in good mode
	JWKSHost    string        `json:"jwks_host"`
	Seed        int64         `json:"seed"`
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	Published         int64         `json:"published"`
	Rejected          int64         `json:"rejected"`
	RoutedToFailure   int64         `json:"routed_to_failure"`
	Duration          time.Duration `json:"duration"`
	RPS               float64       `json:"rps"`
	SubscriptionID    string        `json:"subscription_id"`
	BadSubscriptionID string        `json:"bad_subscription_id,omitempty"`
	Mode              string        `json:"mode"`
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic",
	Long: `Generate CRM-style events against a running stack to exercise delivery,
retry and exhaustion paths.

Modes:
  good: deliveries to a healthy receiver, with --failure-rate percent routed to a failing one
  bad:  every delivery goes to the failing receiver and is retried until exhausted`,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create subscriptions and publish fake events",
	RunE:  runGenerateTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.Duration("duration", time.Minute, "how long to generate traffic")
	f.Int("rate", 10, "events per second")
	f.String("mode", "good", "traffic mode (good or bad)")
	f.String("webhook-url", "http://fake-receiver:8081/hook", "receiver URL for successful deliveries")
	f.String("fail-url", "http://fake-receiver:8081/fail", "receiver URL that never answers 200")
	f.String("event-type", "deal.won", "event type to publish")
	f.Float64("failure-rate", 5, "percent of events sent to the failing receiver in good mode")
	f.String("jwks", "", "JWKS server (host:port) to fetch a token from when --token is not set")
	f.Int64("seed", 0, "seed for fake payloads (0 picks one)")
	f.BoolP("yes", "y", false, "skip the confirmation prompt")
}

func trafficConfigFromFlags(cmd *cobra.Command) (TrafficConfig, error) {
	f := cmd.Flags()
	var c TrafficConfig
	c.Duration, _ = f.GetDuration("duration")
	c.Rate, _ = f.GetInt("rate")
	c.Mode, _ = f.GetString("mode")
	c.WebhookURL, _ = f.GetString("webhook-url")
	c.FailURL, _ = f.GetString("fail-url")
	c.EventType, _ = f.GetString("event-type")
	c.FailureRate, _ = f.GetFloat64("failure-rate")
	c.JWKSHost, _ = f.GetString("jwks")
	c.Seed, _ = f.GetInt64("seed")

	c.Mode = strings.ToLower(c.Mode)
	switch {
	case c.Mode != "good" && c.Mode != "bad":
		return c, fmt.Errorf("mode must be good or bad, got %q", c.Mode)
	case c.Duration <= 0:
		return c, fmt.Errorf("duration must be positive")
	case c.Rate <= 0:
		return c, fmt.Errorf("rate must be positive")
	case c.FailureRate < 0 || c.FailureRate > 100:
		return c, fmt.Errorf("failure-rate must be between 0 and 100")
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c, nil
}

// runGenerateTraffic handles traffic generation
func runGenerateTraffic(cmd *cobra.Command, args []string) error {
	cfg, err := trafficConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	printTrafficPlan(out, cfg)
	if yes, _ := cmd.Flags().GetBool("yes"); !yes && !confirm(cmd.InOrStdin(), out) {
		fmt.Fprintln(out, "Traffic generation cancelled")
		return nil
	}

	client := newClient()
	if client.token == "" && cfg.JWKSHost != "" {
		if client.tenant == "" {
			return fmt.Errorf("--tenant is required to request a token")
		}
		tok, err := fetchToken(cmd.Context(), cfg.JWKSHost, client.tenant)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		client.token = tok
		fmt.Fprintln(out, "✓ Got JWT token")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Duration)
	defer cancel()

	summary, err := generateTraffic(ctx, client, cfg, out)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(out, summary)
	}
	printTrafficSummary(out, summary)
	return nil
}

// generateTraffic creates the subscriptions it needs and publishes events until ctx is done.
func generateTraffic(ctx context.Context, client *apiClient, cfg TrafficConfig, out io.Writer) (TrafficSummary, error) {
	summary := TrafficSummary{Mode: cfg.Mode}
	failEvent := cfg.EventType + ".unreachable"

	goodURL := cfg.WebhookURL
	if cfg.Mode == "bad" {
		goodURL = cfg.FailURL
	}
	sub, err := createTrafficSubscription(ctx, client, goodURL, cfg.EventType)
	if err != nil {
		return summary, err
	}
	summary.SubscriptionID = sub.ID
	fmt.Fprintf(out, "✓ Subscription %s -> %s\n", sub.ID, goodURL)

	if cfg.Mode == "good" && cfg.FailureRate > 0 {
		bad, err := createTrafficSubscription(ctx, client, cfg.FailURL, failEvent)
		if err != nil {
			return summary, err
		}
		summary.BadSubscriptionID = bad.ID
		fmt.Fprintf(out, "✓ Subscription %s -> %s\n", bad.ID, cfg.FailURL)
	}

	faker := gofakeit.New(cfg.Seed)
	pick := rand.New(rand.NewSource(cfg.Seed))
	var published, rejected, routed atomic.Int64

	// at most 16 publishes in flight
	wg := syncs.NewSizedGroup(16)
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer ticker.Stop()
	start := time.Now()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			eventType := cfg.EventType
			if summary.BadSubscriptionID != "" && pick.Float64()*100 < cfg.FailureRate {
				eventType = failEvent
				routed.Add(1)
			}
			payload := fakePayload(faker, eventType)
			wg.Go(func(context.Context) {
				req := map[string]any{"event_type": eventType, "payload": payload}
				// detached from ctx so the run deadline does not cancel the last publishes
				pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), client.http.Timeout)
				defer cancel()
				if err := client.do(pctx, http.MethodPost, "/v1/events", nil, req, nil); err != nil {
					rejected.Add(1)
					return
				}
				published.Add(1)
			})
		}
	}
	wg.Wait()

	summary.Published = published.Load()
	summary.Rejected = rejected.Load()
	summary.RoutedToFailure = routed.Load()
	summary.Duration = time.Since(start)
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.RPS = float64(summary.Published) / secs
	}
	return summary, nil
}

func createTrafficSubscription(ctx context.Context, client *apiClient, url, eventType string) (webhook.Subscription, error) {
	var sub webhook.Subscription
	in := registry.CreateInput{URL: url, Events: []string{eventType}}
	if err := client.do(ctx, http.MethodPost, "/v1/subscriptions", nil, in, &sub); err != nil {
		return sub, fmt.Errorf("failed to create subscription for %s: %w", url, err)
	}
	return sub, nil
}

// fakePayload builds a CRM-flavoured event body.
func fakePayload(f *gofakeit.Faker, eventType string) map[string]any {
	return map[string]any{
		"id":         f.UUID(),
		"event":      eventType,
		"deal_name":  f.BS() + " " + f.BuzzWord(),
		"amount":     f.Price(100, 50000),
		"currency":   f.CurrencyShort(),
		"stage":      f.RandomString([]string{"qualified", "proposal", "negotiation", "closed_won", "closed_lost"}),
		"company":    f.Company(),
		"owner":      map[string]any{"name": f.Name(), "email": f.Email()},
		"contact":    map[string]any{"name": f.Name(), "email": f.Email(), "phone": f.Phone()},
		"created_at": f.DateRange(time.Now().AddDate(0, -3, 0), time.Now()).UTC().Format(time.RFC3339),
	}
}

// fetchToken obtains a JWT token from the JWKS server
func fetchToken(ctx context.Context, jwksHost, tenant string) (string, error) {
	base := strings.TrimRight(jwksHost, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &apiClient{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/token", nil, map[string]string{"tenant_id": tenant}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("received empty token")
	}
	return resp.Token, nil
}

func printTrafficPlan(out io.Writer, c TrafficConfig) {
	fmt.Fprintln(out, "Traffic plan:")
	fmt.Fprintf(out, "  Mode:         %s\n", c.Mode)
	fmt.Fprintf(out, "  Duration:     %s\n", c.Duration)
	fmt.Fprintf(out, "  Rate:         %d events/second\n", c.Rate)
	fmt.Fprintf(out, "  Event type:   %s\n", c.EventType)
	if c.Mode == "good" {
		fmt.Fprintf(out, "  Webhook URL:  %s\n", c.WebhookURL)
		fmt.Fprintf(out, "  Failure rate: %.1f%% -> %s\n", c.FailureRate, c.FailURL)
	} else {
		fmt.Fprintf(out, "  Failing URL:  %s\n", c.FailURL)
	}
	fmt.Fprintf(out, "  Approx. events: %d\n", int(c.Duration.Seconds())*c.Rate)
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Continue with traffic generation? (y/N): ")
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printTrafficSummary(out io.Writer, s TrafficSummary) {
	fmt.Fprintln(out, "\nTraffic summary:")
	fmt.Fprintf(out, "  Published:          %d\n", s.Published)
	fmt.Fprintf(out, "  Rejected by API:    %d\n", s.Rejected)
	fmt.Fprintf(out, "  Routed to failure:  %d\n", s.RoutedToFailure)
	fmt.Fprintf(out, "  Duration:           %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Throughput:         %.1f events/s\n", s.RPS)
	fmt.Fprintf(out, "  Subscription:       %s\n", s.SubscriptionID)
	if s.BadSubscriptionID != "" {
		fmt.Fprintf(out, "  Bad subscription:   %s\n", s.BadSubscriptionID)
	}
	fmt.Fprintln(out, "\nInspect results with: relayctl delivery list --subscription", s.SubscriptionID)
}
