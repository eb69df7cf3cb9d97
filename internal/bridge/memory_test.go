package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/internal/schema"
)

func TestMemoryBridgeLoopsBackEvents(t *testing.T) {
	b := NewMemoryBridge()
	t.Cleanup(func() { _ = b.Close() })

	var received []schema.EventEnvelope
	require.NoError(t, b.Start(context.Background(), Handlers{
		OnEvent: func(env schema.EventEnvelope) { received = append(received, env) },
	}))

	env := schema.EventEnvelope{
		EventType: "DEPLOYMENT",
		Params:    []string{"repo-1"},
		Payload:   map[string]any{"status": "ok"},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.PublishEvent(context.Background(), env))

	require.Len(t, received, 1)
	require.Equal(t, "DEPLOYMENT", received[0].EventType)
	require.Equal(t, []string{"repo-1"}, received[0].Params)
}

func TestMemoryBridgeLoopsBackSubscriptionChanges(t *testing.T) {
	b := NewMemoryBridge()
	t.Cleanup(func() { _ = b.Close() })

	var received []schema.SubscriptionChange
	require.NoError(t, b.Start(context.Background(), Handlers{
		OnSubscriptionChange: func(chg schema.SubscriptionChange) { received = append(received, chg) },
	}))

	chg := schema.SubscriptionChange{
		UserID:    "alice",
		Action:    schema.ActionSubscribe,
		EventType: "DEPLOYMENT",
		Params:    []string{"repo-1"},
	}
	require.NoError(t, b.PublishSubscriptionChange(context.Background(), chg))

	require.Len(t, received, 1)
	require.Equal(t, chg, received[0])
}

func TestMemoryBridgePublishBeforeStart(t *testing.T) {
	b := NewMemoryBridge()
	err := b.PublishEvent(context.Background(), schema.EventEnvelope{EventType: "T"})
	require.Error(t, err)
}

func TestMemoryBridgeClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBridge()
	require.NoError(t, b.Start(context.Background(), Handlers{}))
	require.NoError(t, b.Close())

	err := b.PublishSubscriptionChange(context.Background(), schema.SubscriptionChange{
		UserID: "alice", Action: schema.ActionSubscribe, EventType: "T",
	})
	require.Error(t, err)
}
