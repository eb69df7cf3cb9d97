package schema

import "strings"

// SubscriptionKey derives the comparable key matching events to interested
// connections: uppercase(eventType + ":" + join(params, ",")). Parameter
// order is significant and never normalized. The subscribe path and the
// event-matching path must both go through this function.
func SubscriptionKey(eventType string, params []string) string {
	return strings.ToUpper(eventType + ":" + strings.Join(params, ","))
}

// KeyEventType returns the event-type portion of a subscription key.
func KeyEventType(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}
