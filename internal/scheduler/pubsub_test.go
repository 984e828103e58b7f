package scheduler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/calderops/sitewatch/internal/scheduler"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newTestTopic(t *testing.T) (*pubsub.Topic, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "scrape-commands")
	require.NoError(t, err)

	sub, err := client.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return topic, sub
}

func receiveOne(t *testing.T, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case ch <- msg:
			default:
			}
			cancel()
		})
	}()

	select {
	case msg := <-ch:
		return msg
	case <-ctx.Done():
		t.Fatal("no message received")
		return nil
	}
}

func TestAdjustRatePublishesCommand(t *testing.T) {
	topic, sub := newTestTopic(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pub := scheduler.NewPubSub(topic, fixedClock{now: now}, nil)

	require.NoError(t, pub.AdjustRate(context.Background(), "shop-a", 2.0))

	msg := receiveOne(t, sub)
	assert.Equal(t, "shop-a", msg.Attributes["site"])
	assert.Equal(t, scheduler.CommandAdjustRate, msg.Attributes["command"])

	var cmd scheduler.Command
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "shop-a", cmd.Site)
	assert.Equal(t, 2.0, cmd.DelayMultiplier)
	assert.Equal(t, now, cmd.IssuedAt.UTC())
}

func TestPausePublishesCommand(t *testing.T) {
	topic, sub := newTestTopic(t)
	pub := scheduler.NewPubSub(topic, fixedClock{now: time.Unix(1000, 0)}, nil)

	require.NoError(t, pub.Pause(context.Background(), "shop-a"))

	msg := receiveOne(t, sub)
	assert.Equal(t, scheduler.CommandPause, msg.Attributes["command"])
}

func TestNoOpSwallowsCommands(t *testing.T) {
	t.Parallel()

	noop := scheduler.NewNoOp(nil)
	require.NoError(t, noop.Pause(context.Background(), "shop-a"))
	require.NoError(t, noop.Resume(context.Background(), "shop-a"))
	require.NoError(t, noop.AdjustRate(context.Background(), "shop-a", 1.5))
}
