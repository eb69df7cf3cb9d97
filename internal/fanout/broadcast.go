package fanout

import (
	"strings"

	"github.com/coachpo/pulse/internal/errs"
	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
)

// ToUser sends the event to every connection of one user on this process,
// bypassing subscription matching. This is a local direct push, not a broker
// publish.
func (c *Coordinator) ToUser(userID string, evt schema.ClientEvent) int {
	return c.dispatcher.Broadcast(evt, c.registry.ConnectionsOf(userID))
}

// ToOrganization sends the event to every local connection belonging to the
// organization, bypassing subscription matching.
func (c *Coordinator) ToOrganization(organizationID string, evt schema.ClientEvent) int {
	var conns []*registry.Connection
	for _, conn := range c.registry.AllConnections() {
		if conn.OrganizationID() == organizationID {
			conns = append(conns, conn)
		}
	}
	return c.dispatcher.Broadcast(evt, conns)
}

// ToAll sends the event to every local connection, bypassing subscription
// matching.
func (c *Coordinator) ToAll(evt schema.ClientEvent) int {
	return c.dispatcher.Broadcast(evt, c.registry.AllConnections())
}

// UserSubscriptions reports the union of subscription keys across the user's
// local connections.
func (c *Coordinator) UserSubscriptions(userID string) []string {
	return c.registry.UserSubscriptions(userID)
}

// SendDataChange pushes a data-change event to the given user, organization
// or, when neither is set, every local connection. Returns the number of
// connections that received the frame.
func (c *Coordinator) SendDataChange(kind schema.DataChangeKind, entity any, targetUserID, targetOrganizationID string) (int, error) {
	if kind == "" {
		return 0, errs.New("fanout/datachange", errs.CodeInvalid, errs.WithMessage("change kind required"))
	}
	evt := schema.NewDataChangeEvent(kind, entity)
	return c.push(evt, targetUserID, targetOrganizationID), nil
}

// SendNotification pushes a notification to the given user, organization or,
// when neither is set, every local connection.
func (c *Coordinator) SendNotification(title, message string, level schema.NotificationLevel, targetUserID, targetOrganizationID string) (int, error) {
	if strings.TrimSpace(title) == "" {
		return 0, errs.New("fanout/notification", errs.CodeInvalid, errs.WithMessage("title required"))
	}
	evt := schema.NewNotificationEvent(title, message, level)
	return c.push(evt, targetUserID, targetOrganizationID), nil
}

func (c *Coordinator) push(evt schema.ClientEvent, targetUserID, targetOrganizationID string) int {
	switch {
	case targetUserID != "":
		return c.ToUser(targetUserID, evt)
	case targetOrganizationID != "":
		return c.ToOrganization(targetOrganizationID, evt)
	default:
		return c.ToAll(evt)
	}
}
