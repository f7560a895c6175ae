package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"sentra.dev/internal/auth"
	"sentra.dev/internal/obs"
)

// Registry owns every live session in the process. A single mutex
// guards the map only; per-session state is protected by the session's
// own lock so registry contention stays off the hot path.
type Registry struct {
	store    auth.SessionStore
	resolver *auth.Resolver
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry backed by the persisted session
// store.
func NewRegistry(store auth.SessionStore, resolver *auth.Resolver) *Registry {
	return &Registry{
		store:    store,
		resolver: resolver,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for id. When no live session exists but a
// persisted record does, the session is rebuilt and marked cache-expired
// so clients drop state derived from the pre-restart process. When
// neither exists and createIfMissing is false, auth.ErrNotFound is
// returned.
func (r *Registry) Get(ctx context.Context, id string, createIfMissing bool) (*Session, error) {
	if id == "" {
		return nil, auth.ErrNotFound
	}
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Resurrect or create outside the lock; storage may be slow.
	now := r.now().UTC()
	rec, err := r.store.Find(ctx, id)
	var s *Session
	switch {
	case err == nil:
		s = newSession(id, rec.UserID, now)
		s.cacheExpired = true
		if rec.UserID != "" {
			perms, err := r.resolver.EffectivePermissions(ctx, rec.UserID)
			if err != nil {
				return nil, err
			}
			s.permissions = perms
		}
	case errors.Is(err, auth.ErrNotFound):
		if !createIfMissing {
			return nil, auth.ErrNotFound
		}
		s = newSession(id, "", now)
	default:
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost the race to another request; keep the winner.
		r.mu.Unlock()
		return existing, nil
	}
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	return s, nil
}

// Peek returns the live session without resurrecting from storage.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Bind associates the session with its authenticated user and installs
// the permission snapshot. Called when a login attempt succeeds.
func (r *Registry) Bind(ctx context.Context, id, userID string) (*Session, error) {
	s, err := r.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	s.setUser(userID)
	if userID != "" {
		perms, err := r.resolver.EffectivePermissions(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.SetPermissions(perms)
	}
	return s, nil
}

// Authenticated returns the live session for an authenticated request,
// binding the user and computing the permission snapshot on first sight.
// Subsequent requests hit the cached snapshot.
func (r *Registry) Authenticated(ctx context.Context, id, userID string) (*Session, error) {
	s, err := r.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if userID != "" && s.UserID() == "" {
		s.setUser(userID)
		perms, err := r.resolver.EffectivePermissions(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.SetPermissions(perms)
	}
	return s, nil
}

// Touch refreshes the idle-eviction clock and mirrors the access into
// the persisted record. Called once per authenticated request.
func (r *Registry) Touch(ctx context.Context, id string, remoteAddr, userAgent string) {
	now := r.now().UTC()
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(now)
	}
	if err := r.store.Touch(ctx, id, now, remoteAddr, userAgent); err != nil && !errors.Is(err, auth.ErrNotFound) {
		log.Printf("session touch %s: %v", id, err)
	}
}

// Evict removes the session from the registry and closes its
// connections. The persisted record is left alone; deleting it is the
// logout path's job.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	if ok {
		s.dispose()
	}
}

// EvictIdle drops sessions idle longer than threshold. Victims are
// collected under the lock and disposed outside it.
func (r *Registry) EvictIdle(threshold time.Duration) int {
	cutoff := r.now().UTC().Add(-threshold)
	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if s.LastAccess().Before(cutoff) {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	for _, s := range victims {
		s.dispose()
	}
	return len(victims)
}

// StartSweeper runs idle eviction at the given interval until ctx ends.
func (r *Registry) StartSweeper(ctx context.Context, interval, idleTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.EvictIdle(idleTimeout); n > 0 {
					log.Printf("evicted %d idle sessions", n)
				}
			}
		}
	}()
}

// Snapshot returns the live sessions at one instant. Used by the
// broadcaster so fan-out never runs under the registry lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the live session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
