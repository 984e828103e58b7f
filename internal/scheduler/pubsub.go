// Package scheduler publishes remediation commands for the external job
// scheduler. Commands are advisory; the scheduler's acknowledgement is never
// tracked.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Command names understood by the job scheduler.
const (
	CommandPause      = "pause"
	CommandResume     = "resume"
	CommandAdjustRate = "adjust_rate"
)

// Command is the wire payload published for every remediation decision.
type Command struct {
	Site            string    `json:"site"`
	Command         string    `json:"command"`
	DelayMultiplier float64   `json:"delay_multiplier,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
}

// PubSub publishes commands to a Pub/Sub topic. It satisfies
// monitor.Scheduler.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	clock  monitor.Clock
	logger *zap.Logger
}

// Connect creates a Pub/Sub client with application default credentials and
// verifies the command topic exists.
func Connect(ctx context.Context, projectID, topicID string, clock monitor.Clock, logger *zap.Logger) (*PubSub, error) {
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
	p := NewPubSub(topic, clock, logger)
	p.client = client
	return p, nil
}

// NewPubSub constructs a publisher around an existing topic handle
// (primarily for testing).
func NewPubSub(topic *pubsub.Topic, clock monitor.Clock, logger *zap.Logger) *PubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{topic: topic, clock: clock, logger: logger}
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

// Pause asks the scheduler to stop crawl jobs for the site.
func (p *PubSub) Pause(ctx context.Context, site string) error {
	return p.publish(ctx, Command{Site: site, Command: CommandPause})
}

// Resume asks the scheduler to restart crawl jobs for the site.
func (p *PubSub) Resume(ctx context.Context, site string) error {
	return p.publish(ctx, Command{Site: site, Command: CommandResume})
}

// AdjustRate asks the scheduler to stretch or restore the site's crawl delay.
func (p *PubSub) AdjustRate(ctx context.Context, site string, delayMultiplier float64) error {
	return p.publish(ctx, Command{
		Site:            site,
		Command:         CommandAdjustRate,
		DelayMultiplier: delayMultiplier,
	})
}

func (p *PubSub) publish(ctx context.Context, cmd Command) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	cmd.IssuedAt = p.clock.Now()
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"site":    cmd.Site,
			"command": cmd.Command,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s for %s: %w", cmd.Command, cmd.Site, err)
	}
	p.logger.Debug("scheduler command published",
		zap.String("site", cmd.Site),
		zap.String("command", cmd.Command),
		zap.Float64("delay_multiplier", cmd.DelayMultiplier),
	)
	return nil
}
