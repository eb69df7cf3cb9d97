package schema

import (
	"bytes"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pulse/internal/errs"
)

// ClientEvent is a single event as delivered to a connected client.
type ClientEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Built-in client event types emitted by the core itself.
const (
	// EventTypeHelloWorld identifies greeting and heartbeat events.
	EventTypeHelloWorld = "hello_world"
	// EventTypeDataChange identifies cache-invalidation style data changes.
	EventTypeDataChange = "data_change"
	// EventTypeNotification identifies user-facing notifications.
	EventTypeNotification = "notification"
)

// DataChangeKind enumerates data-change operations.
type DataChangeKind string

const (
	// DataChangeCreate marks newly created records.
	DataChangeCreate DataChangeKind = "CREATE"
	// DataChangeUpdate marks updated records.
	DataChangeUpdate DataChangeKind = "UPDATE"
	// DataChangePut marks replaced records.
	DataChangePut DataChangeKind = "PUT"
	// DataChangeDelete marks deleted records.
	DataChangeDelete DataChangeKind = "DELETE"
)

// NotificationLevel enumerates notification severities.
type NotificationLevel string

const (
	// NotificationInfo is an informational notice.
	NotificationInfo NotificationLevel = "info"
	// NotificationWarning is a warning notice.
	NotificationWarning NotificationLevel = "warning"
	// NotificationError is an error notice.
	NotificationError NotificationLevel = "error"
	// NotificationSuccess is a success notice.
	NotificationSuccess NotificationLevel = "success"
)

// NewHelloWorldEvent builds a greeting/heartbeat event.
func NewHelloWorldEvent(message string) ClientEvent {
	return ClientEvent{
		Type:      EventTypeHelloWorld,
		Data:      map[string]any{"message": message},
		Timestamp: time.Now().UTC(),
	}
}

// NewDataChangeEvent builds a data-change event wrapping an opaque record.
func NewDataChangeEvent(kind DataChangeKind, data any) ClientEvent {
	return ClientEvent{
		Type:      EventTypeDataChange,
		Data:      map[string]any{"operation": kind, "record": data},
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationEvent builds a notification event.
func NewNotificationEvent(title, message string, level NotificationLevel) ClientEvent {
	return ClientEvent{
		Type:      EventTypeNotification,
		Data:      map[string]any{"title": title, "message": message, "level": level},
		Timestamp: time.Now().UTC(),
	}
}

// EncodeFrame serializes a client event as a text frame:
//
//	event: <type>
//	data: <JSON payload>
//	: timestamp: <RFC3339>
//	<blank line>
func EncodeFrame(evt ClientEvent) ([]byte, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, errs.New("schema/encode-frame", errs.CodeInvalid, errs.WithCause(err))
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + len(evt.Type) + 64)
	buf.WriteString("event: ")
	buf.WriteString(evt.Type)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n: timestamp: ")
	buf.WriteString(ts.Format(time.RFC3339))
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
