package pairwise

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirage-run/mirage/internal/events"
)

const (
	subscriberRegisterTimeout = 5 * time.Second
	subscriberPollInterval    = 20 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEventBus is an in-process events.Subscriber that delivers whatever
// RunEvents the test pushes into it, so Subscriber.Run can be exercised
// without a real Kafka broker.
type fakeEventBus struct {
	mu      sync.Mutex
	handler func(events.RunEvent)
	closed  chan struct{}
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{closed: make(chan struct{})}
}

func (b *fakeEventBus) Subscribe(ctx context.Context, _ string, handle func(events.RunEvent)) error {
	b.mu.Lock()
	b.handler = handle
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return nil
	}
}

func (b *fakeEventBus) Close() error {
	close(b.closed)
	return nil
}

func (b *fakeEventBus) deliver(e events.RunEvent) {
	b.mu.Lock()
	handle := b.handler
	b.mu.Unlock()

	if handle != nil {
		handle(e)
	}
}

func TestSubscriber_GeneratesPairsOnRunSucceeded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := setupTestStore(ctx, t)
	experimentID := seedExperiment(ctx, t, s)
	succeededRun(ctx, t, s, experimentID, "0")
	succeededRun(ctx, t, s, experimentID, "1")

	bus := newFakeEventBus()
	sub := &Subscriber{Generator: NewGenerator(s), Events: bus, Logger: testLogger()}

	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	// Wait for the subscriber to register its handler before delivering.
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.handler != nil
	}, subscriberRegisterTimeout, subscriberPollInterval)

	bus.deliver(events.RunEvent{ExperimentID: experimentID})

	require.Eventually(t, func() bool {
		task, err := NewGenerator(s).NextOpenTask(ctx, experimentID)
		return err == nil && task != nil
	}, subscriberRegisterTimeout, subscriberPollInterval)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
