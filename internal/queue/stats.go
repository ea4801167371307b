// Package queue polls nsqd for topic and channel depth and exports it as
// prometheus gauges.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// Stats is the subset of the nsqd /stats?format=json document we read.
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	Name     string         `json:"topic_name"`
	Depth    int64          `json:"depth"`
	Channels []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	Name          string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// Poller reads nsqd stats on an interval. The dispatcher backlog gauge is
// fed from the configured topic/channel pair.
type Poller struct {
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	client   *http.Client
	log      *logging.Logger
}

// NewPoller polls nsqdHTTPAddr ("nsqd:4151" or a full http URL).
func NewPoller(nsqdHTTPAddr, topic, channel string, interval time.Duration, log *logging.Logger) *Poller {
	base := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &Poller{
		statsURL: base + "/stats?format=json",
		topic:    topic,
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

// Fetch retrieves and decodes one stats document.
func (p *Poller) Fetch(ctx context.Context) (Stats, error) {
	var stats Stats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.statsURL, nil)
	if err != nil {
		return stats, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return stats, nil
}

// Poll fetches stats once and updates the gauges.
func (p *Poller) Poll(ctx context.Context) error {
	stats, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	p.apply(stats)
	return nil
}

func (p *Poller) apply(stats Stats) {
	for _, topic := range stats.Topics {
		if topic.Name != p.topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateQueueDepth(topic.Name, ch.Name, ch.Depth)
			if ch.Name == p.channel {
				metrics.UpdateDispatcherBacklog(ch.Depth + ch.InFlightCount)
			}
		}
	}
}

// Run polls until ctx is done. Fetch errors are logged and the loop continues.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
