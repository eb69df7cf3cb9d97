package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NotNil(t, provider.Meter("pulse-test"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestEnvironmentLabel(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
}

func TestEventAttributes(t *testing.T) {
	attrs := EventAttributes("test", "DEPLOYMENT", "delivered")
	require.Len(t, attrs, 3)
	require.Equal(t, AttrEventType, attrs[1].Key)
	require.Equal(t, "DEPLOYMENT", attrs[1].Value.AsString())
}

func TestChannelAttributes(t *testing.T) {
	attrs := ChannelAttributes("test", "pulse.sse.events", "error")
	require.Len(t, attrs, 3)
	require.Equal(t, AttrChannel, attrs[1].Key)
}
