package session

import "time"

// Topic classifies a change event fanned out to live sessions.
type Topic string

const (
	// TopicSessionsClosed: sessions were force-closed, usually by a
	// force-logout login or an administrative revocation.
	TopicSessionsClosed Topic = "sessions.closed"
	// TopicUserDeleted: the session's user no longer exists.
	TopicUserDeleted Topic = "user.deleted"
	// TopicPermissionsChanged: the global permission set of the session's
	// subject changed; the attached payload carries the fresh snapshot.
	TopicPermissionsChanged Topic = "permissions.changed"
	// TopicObjectGrantsChanged: object-scoped grants changed for objects
	// the session may have cached.
	TopicObjectGrantsChanged Topic = "object_grants.changed"
	// TopicCacheExpired marks a session resurrected from its persisted
	// record after a restart. Clients must drop derived caches.
	TopicCacheExpired Topic = "cache.expired"
)

// Event is one change notification. SessionID is set when the event is
// addressed to a specific session, empty for registry-wide observers.
type Event struct {
	Topic     Topic          `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}
