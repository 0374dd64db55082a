package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/testforge/pkg/eventbus"
	"github.com/pbparthas/testforge/pkg/eventbus/channels/gochannel"
	"github.com/pbparthas/testforge/pkg/events"
)

func setupBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := setupBus(t)

	received := make(chan any, 1)

	err := bus.Subscribe(ctx, events.ExecutionCompletedEvent, func(_ context.Context, event any) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	sent := events.ExecutionCompleted{
		BaseEvent: events.BaseEvent{
			ID:         bus.GenerateID(),
			Type:       events.ExecutionCompletedEvent,
			Timestamp:  time.Now().UTC(),
			WorkflowID: "wf-1",
		},
		ExecutionID:  "exec-1",
		TotalCostUSD: 0.045,
	}
	require.NoError(t, bus.Publish(ctx, sent))

	select {
	case event := <-received:
		completed, ok := event.(*events.ExecutionCompleted)
		require.True(t, ok)
		assert.Equal(t, "exec-1", completed.ExecutionID)
		assert.Equal(t, "wf-1", completed.WorkflowID)
		assert.InDelta(t, 0.045, completed.TotalCostUSD, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestGenerateIDIsUnique(t *testing.T) {
	bus := setupBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
