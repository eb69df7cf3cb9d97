// Package bridge translates between internal envelopes and the shared pub/sub
// broker carrying them across server processes.
package bridge

import (
	"context"

	"github.com/coachpo/pulse/internal/schema"
)

// Handlers receive the envelopes arriving on the two broker channels. Every
// process receives every message, including the ones it published itself, so
// handlers must be idempotent.
type Handlers struct {
	OnEvent              func(schema.EventEnvelope)
	OnSubscriptionChange func(schema.SubscriptionChange)
}

// Bridge publishes envelopes to the broker and feeds inbound envelopes to the
// registered handlers.
type Bridge interface {
	// Start establishes the two standing channel subscriptions. A failure
	// here is fatal to process startup: the bridge cannot function without
	// its channels.
	Start(ctx context.Context, handlers Handlers) error
	PublishEvent(ctx context.Context, env schema.EventEnvelope) error
	PublishSubscriptionChange(ctx context.Context, chg schema.SubscriptionChange) error
	Close() error
}
