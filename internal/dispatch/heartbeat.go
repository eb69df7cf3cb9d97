package dispatch

import (
	"time"

	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
)

// startHeartbeat runs a repeating timer that pushes a lightweight event to the
// connection. It is the mechanism reclaiming half-open sockets whose closure
// the transport never signalled: a failed heartbeat send removes the
// connection through the dispatcher's own failure path, and the timer cancels
// itself once the connection is gone from the registry.
func (d *Dispatcher) startHeartbeat(conn *registry.Connection) {
	stop := make(chan struct{})
	conn.SetHeartbeatStop(func() { close(stop) })

	go func() {
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		id := conn.ID()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, ok := d.registry.Lookup(id); !ok {
					return
				}
				evt := schema.NewHelloWorldEvent("Hello World at " + time.Now().UTC().Format(time.RFC3339))
				if !d.Send(id, evt) {
					return
				}
			}
		}
	}()
}
