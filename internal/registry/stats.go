package registry

import "github.com/coachpo/pulse/internal/schema"

// SubscriptionStats aggregates subscription counts across local connections.
type SubscriptionStats struct {
	TotalSubscriptions       int            `json:"totalSubscriptions"`
	SubscriptionsByEventType map[string]int `json:"subscriptionsByEventType"`
}

// Stats describes the registry's current shape for the introspection surface.
type Stats struct {
	TotalConnections          int               `json:"totalConnections"`
	ConnectionsByUser         map[string]int    `json:"connectionsByUser"`
	ConnectionsByOrganization map[string]int    `json:"connectionsByOrganization"`
	SubscriptionStats         SubscriptionStats `json:"subscriptionStats"`
}

// Stats returns a point-in-time snapshot of connection and subscription
// counts. Distinct subscriptions are counted once no matter how many
// connections hold them; per-event-type counts tally every holding connection.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections:          len(r.byID),
		ConnectionsByUser:         make(map[string]int, len(r.byUser)),
		ConnectionsByOrganization: make(map[string]int),
		SubscriptionStats: SubscriptionStats{
			TotalSubscriptions:       0,
			SubscriptionsByEventType: make(map[string]int),
		},
	}

	distinct := make(map[string]struct{})
	for userID, bucket := range r.byUser {
		stats.ConnectionsByUser[userID] = len(bucket)
		for _, conn := range bucket {
			if conn.organizationID != "" {
				stats.ConnectionsByOrganization[conn.organizationID]++
			}
			for _, key := range conn.SubscriptionKeys() {
				distinct[key] = struct{}{}
				stats.SubscriptionStats.SubscriptionsByEventType[schema.KeyEventType(key)]++
			}
		}
	}
	stats.SubscriptionStats.TotalSubscriptions = len(distinct)
	return stats
}

// UserSubscriptions returns the union of subscription keys across the user's
// local connections.
func (r *Registry) UserSubscriptions(userID string) []string {
	seen := make(map[string]struct{})
	for _, conn := range r.ConnectionsOf(userID) {
		for _, key := range conn.SubscriptionKeys() {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	return keys
}
