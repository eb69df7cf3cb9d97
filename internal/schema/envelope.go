// Package schema defines the envelopes exchanged over the broker and the
// frames delivered to connected clients.
package schema

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pulse/internal/errs"
)

// EnvelopeKind discriminates the two envelope shapes carried on broker channels.
type EnvelopeKind string

const (
	// KindEvent identifies event envelopes.
	KindEvent EnvelopeKind = "event"
	// KindSubscription identifies subscription-change envelopes.
	KindSubscription EnvelopeKind = "subscription"
)

// SubscriptionAction enumerates subscription-change directions.
type SubscriptionAction string

const (
	// ActionSubscribe adds a subscription key to a user's connections.
	ActionSubscribe SubscriptionAction = "subscribe"
	// ActionUnsubscribe removes a subscription key from a user's connections.
	ActionUnsubscribe SubscriptionAction = "unsubscribe"
)

// EventEnvelope carries a domain event across processes. The payload is opaque
// to the distribution core.
type EventEnvelope struct {
	EventType     string    `json:"eventType"`
	Params        []string  `json:"params"`
	Payload       any       `json:"payload"`
	TargetUserIDs []string  `json:"targetUserIds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SubscriptionChange carries a subscribe/unsubscribe request across processes.
type SubscriptionChange struct {
	UserID    string             `json:"userId"`
	Action    SubscriptionAction `json:"action"`
	EventType string             `json:"eventType"`
	Params    []string           `json:"params"`
}

type eventWire struct {
	Kind EnvelopeKind `json:"kind"`
	EventEnvelope
}

type subscriptionWire struct {
	Kind EnvelopeKind `json:"kind"`
	SubscriptionChange
}

type wireHeader struct {
	Kind EnvelopeKind `json:"kind"`
}

// EncodeEventEnvelope serializes an event envelope for broker transport.
func EncodeEventEnvelope(env EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(eventWire{Kind: KindEvent, EventEnvelope: env})
	if err != nil {
		return nil, errs.New("schema/encode-event", errs.CodeInvalid, errs.WithCause(err))
	}
	return data, nil
}

// EncodeSubscriptionChange serializes a subscription change for broker transport.
func EncodeSubscriptionChange(chg SubscriptionChange) ([]byte, error) {
	data, err := json.Marshal(subscriptionWire{Kind: KindSubscription, SubscriptionChange: chg})
	if err != nil {
		return nil, errs.New("schema/encode-subscription", errs.CodeInvalid, errs.WithCause(err))
	}
	return data, nil
}

// DecodeEventEnvelope parses an event envelope, rejecting payloads whose kind
// discriminator does not match.
func DecodeEventEnvelope(data []byte) (EventEnvelope, error) {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return EventEnvelope{}, errs.New("schema/decode-event", errs.CodeInvalid, errs.WithCause(err))
	}
	if wire.Kind != KindEvent {
		return EventEnvelope{}, errs.New("schema/decode-event", errs.CodeInvalid,
			errs.WithMessage("kind mismatch: "+string(wire.Kind)))
	}
	if wire.EventType == "" {
		return EventEnvelope{}, errs.New("schema/decode-event", errs.CodeInvalid,
			errs.WithMessage("event type required"))
	}
	return wire.EventEnvelope, nil
}

// DecodeSubscriptionChange parses a subscription change, rejecting payloads
// whose kind discriminator does not match.
func DecodeSubscriptionChange(data []byte) (SubscriptionChange, error) {
	var wire subscriptionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return SubscriptionChange{}, errs.New("schema/decode-subscription", errs.CodeInvalid, errs.WithCause(err))
	}
	if wire.Kind != KindSubscription {
		return SubscriptionChange{}, errs.New("schema/decode-subscription", errs.CodeInvalid,
			errs.WithMessage("kind mismatch: "+string(wire.Kind)))
	}
	switch wire.Action {
	case ActionSubscribe, ActionUnsubscribe:
	default:
		return SubscriptionChange{}, errs.New("schema/decode-subscription", errs.CodeInvalid,
			errs.WithMessage("unknown action: "+string(wire.Action)))
	}
	return wire.SubscriptionChange, nil
}

// PeekKind reports the envelope kind without fully decoding the message.
func PeekKind(data []byte) (EnvelopeKind, error) {
	var header wireHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return "", errs.New("schema/peek-kind", errs.CodeInvalid, errs.WithCause(err))
	}
	return header.Kind, nil
}
