package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/channels/gochannel"
	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.WorkflowCompleted, 1)

	err := bus.Handle(events.WorkflowCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.WorkflowCompleted)
		if ok {
			received <- completed
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	err = bus.Publish(ctx, "inst-bus", events.WorkflowCompleted{
		BaseEvent: events.BaseEvent{
			ID:         bus.GenerateID(),
			Type:       events.WorkflowCompletedEvent,
			Timestamp:  time.Now().UTC(),
			InstanceID: "inst-bus",
		},
		DefinitionID: "wf-1",
		DurationMs:   1200,
	})
	require.NoError(t, err)

	select {
	case completed := <-received:
		assert.Equal(t, "inst-bus", completed.InstanceID)
		assert.Equal(t, "wf-1", completed.DefinitionID)
		assert.Equal(t, int64(1200), completed.DurationMs)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypesAreIgnored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for this type; publish must still succeed.
	err := bus.Publish(ctx, "inst-bus", events.WorkflowResumed{
		BaseEvent: events.BaseEvent{ID: bus.GenerateID(), Type: events.WorkflowResumedEvent, InstanceID: "inst-bus"},
		NodeID:    "review",
	})
	require.NoError(t, err)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
