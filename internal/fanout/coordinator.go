// Package fanout routes broker envelopes to the local connections they
// concern and exposes the subscribe/unsubscribe/emit APIs.
package fanout

import (
	"context"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/pulse/internal/bridge"
	"github.com/coachpo/pulse/internal/dispatch"
	"github.com/coachpo/pulse/internal/errs"
	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
	"github.com/coachpo/pulse/internal/telemetry"
)

// Coordinator applies inbound broker messages to this process's registry and
// dispatches matching events. Local state is an eventually-consistent
// projection of the broker's change stream; no cross-process reads happen
// anywhere.
type Coordinator struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	bridge     bridge.Bridge
	logger     *log.Logger
	limiter    *rate.Limiter

	eventsDispatched metric.Int64Counter
	fanoutSize       metric.Int64Histogram
	publishFailures  metric.Int64Counter
	changesApplied   metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEmitLimit throttles Emit to the given sustained rate and burst.
// Zero or negative rate leaves Emit unthrottled.
func WithEmitLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New constructs a coordinator over the registry, dispatcher and bridge.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, br bridge.Bridge, logger *log.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		registry:   reg,
		dispatcher: disp,
		bridge:     br,
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := otel.Meter("fanout")
	c.eventsDispatched, _ = meter.Int64Counter("fanout.events.dispatched",
		metric.WithDescription("Number of events delivered to local connections"),
		metric.WithUnit("{event}"))
	c.fanoutSize, _ = meter.Int64Histogram("fanout.size",
		metric.WithDescription("Matched connections per fanout"),
		metric.WithUnit("{connection}"))
	c.publishFailures, _ = meter.Int64Counter("fanout.publish.failures",
		metric.WithDescription("Number of broker publish failures"),
		metric.WithUnit("{failure}"))
	c.changesApplied, _ = meter.Int64Counter("fanout.subscription.changes",
		metric.WithDescription("Number of subscription changes applied locally"),
		metric.WithUnit("{change}"))

	return c
}

// Handlers returns the bridge handlers wired to this coordinator.
func (c *Coordinator) Handlers() bridge.Handlers {
	return bridge.Handlers{
		OnEvent:              c.handleEvent,
		OnSubscriptionChange: c.handleSubscriptionChange,
	}
}

// Subscribe adds the subscription to the user's local connections and
// publishes the change for every other process. Broker propagation failures
// are logged but never fail the caller: local state is already correct.
func (c *Coordinator) Subscribe(ctx context.Context, userID, eventType string, params []string) error {
	return c.changeSubscription(ctx, userID, eventType, params, schema.ActionSubscribe)
}

// Unsubscribe removes the subscription from the user's local connections and
// publishes the change for every other process.
func (c *Coordinator) Unsubscribe(ctx context.Context, userID, eventType string, params []string) error {
	return c.changeSubscription(ctx, userID, eventType, params, schema.ActionUnsubscribe)
}

func (c *Coordinator) changeSubscription(ctx context.Context, userID, eventType string, params []string, action schema.SubscriptionAction) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errs.New("fanout/subscription", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if strings.TrimSpace(eventType) == "" {
		return errs.New("fanout/subscription", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	chg := schema.SubscriptionChange{
		UserID:    userID,
		Action:    action,
		EventType: eventType,
		Params:    params,
	}

	// Apply locally first; the broker echo of this change is idempotent.
	c.applyChange(chg)

	if err := c.bridge.PublishSubscriptionChange(ctx, chg); err != nil {
		c.logger.Printf("fanout: publish subscription change failed user=%s action=%s type=%s: %v",
			userID, action, eventType, err)
		if c.publishFailures != nil {
			c.publishFailures.Add(ctx, 1, metric.WithAttributes(
				telemetry.ChannelAttributes(telemetry.Environment(), "subscriptions", "publish_failed")...))
		}
	}
	return nil
}

// Emit originates an event. It always publishes to the broker, even when this
// process holds no matching connection, so that other processes can deliver
// it; local delivery happens through the broker echo.
func (c *Coordinator) Emit(ctx context.Context, eventType string, params []string, payload any, targetUserIDs []string) error {
	if strings.TrimSpace(eventType) == "" {
		return errs.New("fanout/emit", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New("fanout/emit", errs.CodeUnavailable, errs.WithCause(err))
		}
	}

	env := schema.EventEnvelope{
		EventType:     eventType,
		Params:        params,
		Payload:       payload,
		TargetUserIDs: targetUserIDs,
		Timestamp:     time.Now().UTC(),
	}
	if err := c.bridge.PublishEvent(ctx, env); err != nil {
		c.logger.Printf("fanout: publish event failed type=%s: %v", eventType, err)
		if c.publishFailures != nil {
			c.publishFailures.Add(ctx, 1, metric.WithAttributes(
				telemetry.ChannelAttributes(telemetry.Environment(), "events", "publish_failed")...))
		}
	}
	return nil
}

// handleEvent matches an inbound event against locally-held subscriptions and
// dispatches to the matching connections. Delivery failures are expected and
// never escalate.
func (c *Coordinator) handleEvent(env schema.EventEnvelope) {
	key := schema.SubscriptionKey(env.EventType, env.Params)

	var candidates []*registry.Connection
	if len(env.TargetUserIDs) > 0 {
		for _, userID := range env.TargetUserIDs {
			candidates = append(candidates, c.registry.ConnectionsOf(userID)...)
		}
	} else {
		candidates = c.registry.AllConnections()
	}

	matched := candidates[:0:0]
	for _, conn := range candidates {
		if conn.HasSubscription(key) {
			matched = append(matched, conn)
		}
	}

	delivered := c.dispatcher.Broadcast(clientEvent(env), matched)

	ctx := context.Background()
	if c.fanoutSize != nil {
		c.fanoutSize.Record(ctx, int64(len(matched)), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), env.EventType, "matched")...))
	}
	if c.eventsDispatched != nil && delivered > 0 {
		c.eventsDispatched.Add(ctx, int64(delivered), metric.WithAttributes(
			telemetry.EventAttributes(telemetry.Environment(), env.EventType, "delivered")...))
	}
	c.logger.Printf("fanout: event processed type=%s key=%s matched=%d delivered=%d",
		env.EventType, key, len(matched), delivered)
}

// handleSubscriptionChange applies the change to any local connections for the
// user. Users with no local connections are a no-op: the change may concern
// only connections on other processes.
func (c *Coordinator) handleSubscriptionChange(chg schema.SubscriptionChange) {
	c.applyChange(chg)
}

func (c *Coordinator) applyChange(chg schema.SubscriptionChange) {
	key := schema.SubscriptionKey(chg.EventType, chg.Params)
	conns := c.registry.ConnectionsOf(chg.UserID)
	if len(conns) == 0 {
		return
	}

	for _, conn := range conns {
		switch chg.Action {
		case schema.ActionSubscribe:
			conn.AddSubscription(key)
		case schema.ActionUnsubscribe:
			conn.RemoveSubscription(key)
		default:
			c.logger.Printf("fanout: ignoring unknown subscription action %q user=%s", chg.Action, chg.UserID)
			return
		}
	}

	if c.changesApplied != nil {
		c.changesApplied.Add(context.Background(), int64(len(conns)), metric.WithAttributes(
			telemetry.SubscriptionAttributes(telemetry.Environment(), string(chg.Action), chg.EventType)...))
	}
	c.logger.Printf("fanout: subscription change applied user=%s action=%s key=%s connections=%d",
		chg.UserID, chg.Action, key, len(conns))
}

func clientEvent(env schema.EventEnvelope) schema.ClientEvent {
	return schema.ClientEvent{
		Type:      env.EventType,
		Data:      env.Payload,
		Timestamp: env.Timestamp,
	}
}
