package events

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

// TestKafkaBus_PublishSubscribeRoundTrip spins up a real broker and
// verifies an event published on one topic is delivered to a Subscriber
// waiting on it, matching internal/store's testcontainer pattern.
func TestKafkaBus_PublishSubscribeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx, "confluentinc/confluent-local:7.5.0", kafkacontainer.WithClusterID("mirage-test"))
	require.NoError(t, err)

	defer func() { _ = container.Terminate(ctx) }()

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := NewKafkaBus(brokers, "mirage-test-group", logger)

	defer func() { _ = bus.Close() }()

	received := make(chan RunEvent, 1)
	subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	go func() {
		_ = bus.Subscribe(subCtx, TopicRunSucceeded, func(e RunEvent) {
			received <- e
		})
	}()

	// Give the consumer group a moment to join before publishing.
	time.Sleep(2 * time.Second)
	bus.PublishRunSucceeded(ctx, "exp-1", "run-1")

	select {
	case event := <-received:
		require.Equal(t, "exp-1", event.ExperimentID)
		require.Equal(t, "run-1", event.RunID)
	case <-time.After(25 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
