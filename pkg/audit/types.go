package audit

import (
	"encoding/json"
	"time"
)

// EventType categorizes an audit event.
type EventType string

const (
	// Authorization decisions on proxied requests.
	EventTypeAuthzAllowed     EventType = "authz.allowed"
	EventTypeAuthzDenied      EventType = "authz.denied"
	EventTypeAuthzAdminBypass EventType = "authz.admin_bypass"
	EventTypeAuthzError       EventType = "authz.error"

	// Permission record changes.
	EventTypePermissionGrant   EventType = "perm.grant"
	EventTypePermissionUpdate  EventType = "perm.update"
	EventTypePermissionRevoke  EventType = "perm.revoke"
	EventTypePermissionRename  EventType = "perm.rename"
	EventTypePermissionCascade EventType = "perm.cascade_delete"

	// Principal administration.
	EventTypeUserCreate     EventType = "user.create"
	EventTypeUserUpdate     EventType = "user.update"
	EventTypeUserDelete     EventType = "user.delete"
	EventTypeUserDeactivate EventType = "user.deactivate"

	// Group administration.
	EventTypeGroupCreate       EventType = "group.create"
	EventTypeGroupDelete       EventType = "group.delete"
	EventTypeGroupMemberAdd    EventType = "group.member_add"
	EventTypeGroupMemberRemove EventType = "group.member_remove"

	// A listing that returned fewer items than it could because a refill
	// round failed.
	EventTypeListingPartial EventType = "listing.partial"
)

// EventStatus is the outcome of an event.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor.
	Username  string `json:"username,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Target resource.
	ResourceType string `json:"resource_type,omitempty"`
	ResourceKey  string `json:"resource_key,omitempty"`

	// Decision detail: the resolved level, which source produced it, and
	// the capability the operation required.
	Level      string `json:"level,omitempty"`
	Source     string `json:"source,omitempty"`
	Capability string `json:"capability,omitempty"`

	// Request context.
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	Message      string         `json:"message,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event.
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter narrows audit log queries.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	Username   string
	EventTypes []EventType
	Status     *EventStatus

	ResourceType string
	ResourceKey  string

	Limit  int
	Offset int
}
