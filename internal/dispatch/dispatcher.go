// Package dispatch formats events as wire frames and writes them to local
// connections, reaping connections whose streams have died.
package dispatch

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
)

// DefaultHeartbeatInterval is used when no interval is configured.
const DefaultHeartbeatInterval = 5 * time.Second

// Dispatcher writes frames to connections in this process. Delivery is
// fire-and-forget: Send hands the frame to the connection's bounded queue and
// never waits on the transport, so one stalled client cannot hold up a batch.
type Dispatcher struct {
	registry          *registry.Registry
	logger            *log.Logger
	heartbeatInterval time.Duration

	deliveryFailedCounter metric.Int64Counter
}

// NewDispatcher constructs a dispatcher over the registry.
func NewDispatcher(reg *registry.Registry, logger *log.Logger, heartbeatInterval time.Duration) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	d := &Dispatcher{
		registry:          reg,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
	}
	meter := otel.Meter("dispatch")
	d.deliveryFailedCounter, _ = meter.Int64Counter("dispatch.deliveries.failed",
		metric.WithDescription("Number of frame deliveries dropped because the connection was dead or backed up"),
		metric.WithUnit("{frame}"))
	return d
}

// Admit registers the stream with the registry, sends the initial greeting
// event and starts the connection's heartbeat.
func (d *Dispatcher) Admit(userID, organizationID string, stream registry.Stream) (*registry.Connection, error) {
	conn, err := d.registry.Admit(userID, organizationID, stream)
	if err != nil {
		return nil, err
	}
	d.Send(conn.ID(), schema.NewHelloWorldEvent("Connected to event stream"))
	d.startHeartbeat(conn)
	return conn, nil
}

// Send delivers one event to the connection; true means the frame was accepted
// onto the connection's queue. A dead, backed-up or failing stream is not an
// error to the caller: the connection is removed and false is returned.
func (d *Dispatcher) Send(id registry.ConnectionID, evt schema.ClientEvent) bool {
	conn, ok := d.registry.Lookup(id)
	if !ok {
		d.logger.Printf("dispatch: send to unknown connection id=%s type=%s", id, evt.Type)
		return false
	}
	if conn.Closed() {
		d.registry.Remove(id)
		return false
	}

	frame, err := schema.EncodeFrame(evt)
	if err != nil {
		d.logger.Printf("dispatch: encode frame failed id=%s type=%s: %v", id, evt.Type, err)
		return false
	}

	if err := conn.WriteFrame(frame); err != nil {
		d.logger.Printf("dispatch: write failed id=%s user=%s type=%s: %v", id, conn.UserID(), evt.Type, err)
		if d.deliveryFailedCounter != nil {
			d.deliveryFailedCounter.Add(context.Background(), 1)
		}
		d.registry.Remove(id)
		return false
	}
	return true
}

// Broadcast sends the event to each connection, returning the number of
// accepted deliveries. Failed sends remove only the offending connection; they
// never abort or stall the batch.
func (d *Dispatcher) Broadcast(evt schema.ClientEvent, conns []*registry.Connection) int {
	success := 0
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		if d.Send(conn.ID(), evt) {
			success++
		}
	}
	return success
}
