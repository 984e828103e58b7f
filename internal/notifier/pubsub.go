// Package notifier delivers operator alerts. The Pub/Sub notifier throttles
// per site so a flapping retailer cannot flood the alert channel; critical
// alerts always go through.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Alert is the wire payload published for every notification.
type Alert struct {
	Site     string            `json:"site"`
	Severity monitor.Severity  `json:"severity"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Config tunes the per-site alert throttle.
type Config struct {
	// AlertsPerMinute caps sustained non-critical alert volume per site.
	AlertsPerMinute float64
	// Burst is how many alerts a quiet site may emit back to back.
	Burst int
}

func (c *Config) applyDefaults() {
	if c.AlertsPerMinute <= 0 {
		c.AlertsPerMinute = 6
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
}

// PubSub publishes alerts to a Pub/Sub topic. It satisfies monitor.Notifier.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	cfg    Config
	clock  monitor.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Connect creates a Pub/Sub client and verifies the alert topic exists.
func Connect(ctx context.Context, projectID, topicID string, cfg Config, clock monitor.Clock, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	p := NewPubSub(topic, cfg, clock, logger)
	p.client = client
	return p, nil
}

// NewPubSub constructs a notifier around an existing topic handle
// (primarily for testing).
func NewPubSub(topic *pubsub.Topic, cfg Config, clock monitor.Clock, logger *zap.Logger) *PubSub {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{
		topic:    topic,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// Alert publishes the notification. Throttled non-critical alerts are
// dropped with a log line, not an error.
func (p *PubSub) Alert(ctx context.Context, site string, severity monitor.Severity, message string, details map[string]string) error {
	now := p.clock.Now()
	if severity != monitor.SeverityCritical && !p.allow(site, now) {
		p.logger.Info("alert throttled",
			zap.String("site", site),
			zap.String("severity", string(severity)),
			zap.String("message", message),
		)
		return nil
	}

	data, err := json.Marshal(Alert{
		Site:     site,
		Severity: severity,
		Message:  message,
		Details:  details,
		At:       now,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"site":     site,
			"severity": string(severity),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert for %s: %w", site, err)
	}
	return nil
}

func (p *PubSub) allow(site string, now time.Time) bool {
	p.mu.Lock()
	limiter, ok := p.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.AlertsPerMinute/60), p.cfg.Burst)
		p.limiters[site] = limiter
	}
	p.mu.Unlock()
	return limiter.AllowN(now, 1)
}
