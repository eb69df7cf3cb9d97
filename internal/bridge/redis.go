package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pulse/internal/errs"
	"github.com/coachpo/pulse/internal/schema"
)

const (
	// DefaultEventsChannel carries event envelopes.
	DefaultEventsChannel = "pulse.sse.events"
	// DefaultSubscriptionsChannel carries subscription-change envelopes.
	DefaultSubscriptionsChannel = "pulse.sse.subscriptions"

	defaultConnectTimeout   = 15 * time.Second
	redisMaxConnectInterval = 2 * time.Second
)

// RedisConfig configures the Redis-backed bridge.
type RedisConfig struct {
	Addr                 string
	Password             string
	DB                   int
	EventsChannel        string
	SubscriptionsChannel string
	ConnectTimeout       time.Duration
}

func (c RedisConfig) normalize() RedisConfig {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.EventsChannel == "" {
		c.EventsChannel = DefaultEventsChannel
	}
	if c.SubscriptionsChannel == "" {
		c.SubscriptionsChannel = DefaultSubscriptionsChannel
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}

// RedisBridge carries envelopes over Redis pub/sub: at-most-once,
// low-latency, many-subscriber fanout with no ordering guarantee across
// processes.
type RedisBridge struct {
	cfg    RedisConfig
	logger *log.Logger

	client    *redis.Client
	events    *redis.PubSub
	subs      *redis.PubSub
	loops     conc.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewRedisBridge constructs an unstarted Redis bridge.
func NewRedisBridge(cfg RedisConfig, logger *log.Logger) *RedisBridge {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisBridge{cfg: cfg.normalize(), logger: logger}
}

// Start connects to Redis, establishes both channel subscriptions and runs
// the receive loops. Any failure aborts startup.
func (b *RedisBridge) Start(ctx context.Context, handlers Handlers) error {
	b.client = redis.NewClient(&redis.Options{
		Addr:     b.cfg.Addr,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})

	if err := b.ping(ctx); err != nil {
		return errs.New("bridge/start", errs.CodeNetwork,
			errs.WithMessage("redis unreachable at "+b.cfg.Addr), errs.WithCause(err))
	}

	b.events = b.client.Subscribe(ctx, b.cfg.EventsChannel)
	if _, err := b.events.Receive(ctx); err != nil {
		return errs.New("bridge/start", errs.CodeNetwork,
			errs.WithMessage("subscribe "+b.cfg.EventsChannel), errs.WithCause(err))
	}
	b.subs = b.client.Subscribe(ctx, b.cfg.SubscriptionsChannel)
	if _, err := b.subs.Receive(ctx); err != nil {
		return errs.New("bridge/start", errs.CodeNetwork,
			errs.WithMessage("subscribe "+b.cfg.SubscriptionsChannel), errs.WithCause(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	eventCh := b.events.Channel()
	subCh := b.subs.Channel()
	b.loops.Go(func() { b.consumeEvents(runCtx, eventCh, handlers.OnEvent) })
	b.loops.Go(func() { b.consumeSubscriptions(runCtx, subCh, handlers.OnSubscriptionChange) })

	b.logger.Printf("bridge: redis subscriptions established channels=[%s %s]",
		b.cfg.EventsChannel, b.cfg.SubscriptionsChannel)
	return nil
}

func (b *RedisBridge) ping(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = redisMaxConnectInterval
	deadline := time.Now().Add(b.cfg.ConnectTimeout)

	for {
		err := b.client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = redisMaxConnectInterval
		}
		if time.Now().Add(sleep).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// PublishEvent serializes and publishes the event envelope to the events
// channel.
func (b *RedisBridge) PublishEvent(ctx context.Context, env schema.EventEnvelope) error {
	data, err := schema.EncodeEventEnvelope(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.cfg.EventsChannel, data).Err(); err != nil {
		return errs.New("bridge/publish-event", errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

// PublishSubscriptionChange serializes and publishes the change to the
// subscriptions channel.
func (b *RedisBridge) PublishSubscriptionChange(ctx context.Context, chg schema.SubscriptionChange) error {
	data, err := schema.EncodeSubscriptionChange(chg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.cfg.SubscriptionsChannel, data).Err(); err != nil {
		return errs.New("bridge/publish-subscription", errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

// Close tears down the receive loops and the client connection.
func (b *RedisBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.events != nil {
			_ = b.events.Close()
		}
		if b.subs != nil {
			_ = b.subs.Close()
		}
		b.loops.Wait()
		if b.client != nil {
			err = b.client.Close()
		}
	})
	return err
}

// consumeEvents drains the events channel. Malformed messages and messages
// failing the kind discriminator are logged and dropped; the loop never stops
// for a bad message.
func (b *RedisBridge) consumeEvents(ctx context.Context, ch <-chan *redis.Message, handler func(schema.EventEnvelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			kind, err := schema.PeekKind([]byte(msg.Payload))
			if err != nil {
				b.logger.Printf("bridge: dropping unreadable event message: %v", err)
				continue
			}
			if kind != schema.KindEvent {
				b.logger.Printf("bridge: dropping message with kind %q on events channel", kind)
				continue
			}
			env, err := schema.DecodeEventEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Printf("bridge: dropping malformed event message: %v", err)
				continue
			}
			if handler != nil {
				handler(env)
			}
		}
	}
}

func (b *RedisBridge) consumeSubscriptions(ctx context.Context, ch <-chan *redis.Message, handler func(schema.SubscriptionChange)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			kind, err := schema.PeekKind([]byte(msg.Payload))
			if err != nil {
				b.logger.Printf("bridge: dropping unreadable subscription message: %v", err)
				continue
			}
			if kind != schema.KindSubscription {
				b.logger.Printf("bridge: dropping message with kind %q on subscriptions channel", kind)
				continue
			}
			chg, err := schema.DecodeSubscriptionChange([]byte(msg.Payload))
			if err != nil {
				b.logger.Printf("bridge: dropping malformed subscription message: %v", err)
				continue
			}
			if handler != nil {
				handler(chg)
			}
		}
	}
}
