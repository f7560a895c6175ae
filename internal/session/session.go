package session

import (
	"io"
	"sync"
	"time"
)

// Session is the live in-process view of one client session. It caches
// the resolved permission snapshot and the accessible object sets so the
// hot authorization path never touches storage. Each session carries its
// own mutex; the registry lock is never held while a session is mutated.
type Session struct {
	ID string

	mu           sync.Mutex
	userID       string
	permissions  map[string]struct{}
	accessible   map[string]map[string]struct{} // objectType -> object ids
	pending      []Event
	conns        []io.Closer
	createdAt    time.Time
	lastAccess   time.Time
	cacheExpired bool
	closed       bool
}

func newSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:         id,
		userID:     userID,
		accessible: make(map[string]map[string]struct{}),
		createdAt:  now,
		lastAccess: now,
	}
}

// UserID returns the owning user id, empty for anonymous sessions.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) setUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "" {
		s.userID = userID
	}
}

// HasPermission checks the cached snapshot.
func (s *Session) HasPermission(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.permissions[key]
	return ok
}

// Permissions returns a copy of the cached snapshot.
func (s *Session) Permissions() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.permissions))
	for k := range s.permissions {
		out[k] = struct{}{}
	}
	return out
}

// SetPermissions replaces the cached snapshot.
func (s *Session) SetPermissions(set map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = set
}

// CanAccess reports whether the object is in the cached accessible set
// for its type. The second return is false when no set has been cached
// for the type, so the caller must consult the resolver.
func (s *Session) CanAccess(objectType, objectID string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, cached := s.accessible[objectType]
	if !cached {
		return false, false
	}
	_, ok := set[objectID]
	return ok, true
}

// SetAccessible caches the accessible object set for a type.
func (s *Session) SetAccessible(objectType string, objectIDs []string) {
	set := make(map[string]struct{}, len(objectIDs))
	for _, id := range objectIDs {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessible[objectType] = set
}

// addAccessible merges object ids into the cached set, if one exists.
func (s *Session) addAccessible(objectType string, objectIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, cached := s.accessible[objectType]
	if !cached {
		return
	}
	for _, id := range objectIDs {
		set[id] = struct{}{}
	}
}

// dropAccessible removes the cached set for a type so the next check
// repopulates it from storage.
func (s *Session) dropAccessible(objectType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessible, objectType)
}

// Enqueue appends an event to the session's pending queue.
func (s *Session) Enqueue(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	evt.SessionID = s.ID
	s.pending = append(s.pending, evt)
}

// DrainEvents returns and clears the pending queue.
func (s *Session) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// CacheExpired reports whether the session was rebuilt from its
// persisted record and clients still hold stale derived state.
func (s *Session) CacheExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheExpired
}

// AckCacheExpired clears the marker once a client has observed it.
func (s *Session) AckCacheExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheExpired = false
}

// AttachConn registers a client connection closed together with the
// session (SSE streams, websockets).
func (s *Session) AttachConn(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return
	}
	s.conns = append(s.conns, c)
}

// LastAccess returns the idle-eviction reference point.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastAccess) {
		s.lastAccess = at
	}
}

// dispose closes attached connections. Runs outside any registry lock.
func (s *Session) dispose() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.closed = true
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
