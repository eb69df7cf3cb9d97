package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionKeyDeterministic(t *testing.T) {
	first := SubscriptionKey("deployment", []string{"repo-1", "main"})
	second := SubscriptionKey("deployment", []string{"repo-1", "main"})
	require.Equal(t, first, second)
	require.Equal(t, "DEPLOYMENT:REPO-1,MAIN", first)
}

func TestSubscriptionKeyOrderSensitive(t *testing.T) {
	ab := SubscriptionKey("foo", []string{"a", "b"})
	ba := SubscriptionKey("foo", []string{"b", "a"})
	require.NotEqual(t, ab, ba)
}

func TestSubscriptionKeyCaseFolding(t *testing.T) {
	require.Equal(t,
		SubscriptionKey("Deployment", []string{"Repo-1"}),
		SubscriptionKey("DEPLOYMENT", []string{"repo-1"}))
}

func TestSubscriptionKeyEmptyParams(t *testing.T) {
	require.Equal(t, "PING:", SubscriptionKey("ping", nil))
	require.Equal(t, "PING", KeyEventType(SubscriptionKey("ping", nil)))
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	env := EventEnvelope{
		EventType:     "DEPLOYMENT",
		Params:        []string{"repo-1"},
		Payload:       map[string]any{"status": "ok"},
		TargetUserIDs: []string{"alice"},
		Timestamp:     time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}

	data, err := EncodeEventEnvelope(env)
	require.NoError(t, err)

	kind, err := PeekKind(data)
	require.NoError(t, err)
	require.Equal(t, KindEvent, kind)

	decoded, err := DecodeEventEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, env.EventType, decoded.EventType)
	require.Equal(t, env.Params, decoded.Params)
	require.Equal(t, env.TargetUserIDs, decoded.TargetUserIDs)
	require.True(t, env.Timestamp.Equal(decoded.Timestamp))
}

func TestDecodeEventEnvelopeRejectsWrongKind(t *testing.T) {
	chg := SubscriptionChange{UserID: "alice", Action: ActionSubscribe, EventType: "DEPLOYMENT"}
	data, err := EncodeSubscriptionChange(chg)
	require.NoError(t, err)

	_, err = DecodeEventEnvelope(data)
	require.Error(t, err)
}

func TestDecodeSubscriptionChangeRejectsUnknownAction(t *testing.T) {
	_, err := DecodeSubscriptionChange([]byte(`{"kind":"subscription","userId":"u","action":"pause","eventType":"T"}`))
	require.Error(t, err)
}

func TestDecodeSubscriptionChangeRejectsGarbage(t *testing.T) {
	_, err := DecodeSubscriptionChange([]byte("not json"))
	require.Error(t, err)
}

func TestEncodeFrameLayout(t *testing.T) {
	evt := ClientEvent{
		Type:      "DEPLOYMENT",
		Data:      map[string]any{"status": "ok"},
		Timestamp: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}

	frame, err := EncodeFrame(evt)
	require.NoError(t, err)

	text := string(frame)
	require.True(t, strings.HasPrefix(text, "event: DEPLOYMENT\n"))
	require.Contains(t, text, `data: {"status":"ok"}`)
	require.Contains(t, text, ": timestamp: 2026-08-31T12:00:00Z")
	require.True(t, strings.HasSuffix(text, "\n\n"))
}

func TestEncodeFrameDefaultsTimestamp(t *testing.T) {
	frame, err := EncodeFrame(ClientEvent{Type: "ping", Data: nil})
	require.NoError(t, err)
	require.Contains(t, string(frame), ": timestamp: ")
}
