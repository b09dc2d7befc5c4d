package kademlia

// Routing table event types
const (
	EventContactAdded   = "contact_added"
	EventContactEvicted = "contact_evicted"
	EventContactRemoved = "contact_removed"
)

// EventBroadcaster lets the routing table notify external systems (like
// WebSocket clients) of membership changes without depending on them.
type EventBroadcaster interface {
	// BroadcastEvent must not block; it is called outside the table lock
	// but on the goroutine that changed the table.
	BroadcastEvent(event RoutingEvent) error
}

// RoutingEvent describes a single routing table change.
type RoutingEvent struct {
	Type      string `json:"type"`      // "contact_added", "contact_evicted", "contact_removed"
	NodeID    string `json:"node_id"`   // ID of the affected contact
	Address   string `json:"address"`   // host:port of the affected contact
	Bucket    int    `json:"bucket"`    // bucket index at the time of the change
	Timestamp int64  `json:"timestamp"` // Unix timestamp
}
