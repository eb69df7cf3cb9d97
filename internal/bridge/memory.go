package bridge

import (
	"context"
	"sync"

	"github.com/coachpo/pulse/internal/errs"
	"github.com/coachpo/pulse/internal/schema"
)

// MemoryBridge is a loopback bridge for tests and single-process deployments.
// Publishing delivers synchronously to this process's own handlers, mirroring
// the self-delivery behaviour of the real broker.
type MemoryBridge struct {
	mu       sync.RWMutex
	handlers Handlers
	started  bool
	closed   bool
}

// NewMemoryBridge constructs an unstarted loopback bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{}
}

// Start registers the handlers.
func (b *MemoryBridge) Start(_ context.Context, handlers Handlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.New("bridge/start", errs.CodeUnavailable, errs.WithMessage("bridge closed"))
	}
	b.handlers = handlers
	b.started = true
	return nil
}

// PublishEvent loops the envelope straight back through the wire codec so the
// memory path exercises the same serialization as the broker path.
func (b *MemoryBridge) PublishEvent(ctx context.Context, env schema.EventEnvelope) error {
	_ = ctx
	b.mu.RLock()
	handler := b.handlers.OnEvent
	ready := b.started && !b.closed
	b.mu.RUnlock()
	if !ready {
		return errs.New("bridge/publish-event", errs.CodeUnavailable, errs.WithMessage("bridge not started"))
	}

	data, err := schema.EncodeEventEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := schema.DecodeEventEnvelope(data)
	if err != nil {
		return err
	}
	if handler != nil {
		handler(decoded)
	}
	return nil
}

// PublishSubscriptionChange loops the change back through the wire codec to
// this process's handler.
func (b *MemoryBridge) PublishSubscriptionChange(ctx context.Context, chg schema.SubscriptionChange) error {
	_ = ctx
	b.mu.RLock()
	handler := b.handlers.OnSubscriptionChange
	ready := b.started && !b.closed
	b.mu.RUnlock()
	if !ready {
		return errs.New("bridge/publish-subscription", errs.CodeUnavailable, errs.WithMessage("bridge not started"))
	}

	data, err := schema.EncodeSubscriptionChange(chg)
	if err != nil {
		return err
	}
	decoded, err := schema.DecodeSubscriptionChange(data)
	if err != nil {
		return err
	}
	if handler != nil {
		handler(decoded)
	}
	return nil
}

// Close stops further delivery.
func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = Handlers{}
	b.mu.Unlock()
	return nil
}
