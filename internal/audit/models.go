package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
//   - Events are never updated or deleted.
//   - actor and ip capture are best-effort; do not block dispatch on audit failures.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// ActorUserID is the authenticated user causing the event; "system" for
	// the dispatcher and scheduled jobs.
	ActorUserID string `json:"actor_user_id,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	BroadcastID string `json:"broadcast_id,omitempty"`
	TrunkID     string `json:"trunk_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventBroadcastCreated   EventType = "broadcast.created"
	EventBroadcastStarted   EventType = "broadcast.started"
	EventBroadcastCancelled EventType = "broadcast.cancelled"
	EventBroadcastFailed    EventType = "broadcast.failed"
	EventBroadcastCompleted EventType = "broadcast.completed"
	EventTrunkFailed        EventType = "trunk.failed"
	EventTrunkSuspended     EventType = "trunk.suspended"
	EventTrunkChanged       EventType = "trunk.changed"
	EventSMSEscalated       EventType = "sms.escalated"
)

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	Type        EventType
	BroadcastID string
	Limit       int
}
