package session

import (
	"context"
	"log"
	"sync"
	"time"

	"sentra.dev/internal/auth"
	"sentra.dev/internal/obs"
)

// Broadcaster fans change events out to live sessions and to stream
// subscribers (SSE clients). It implements auth.EventSink so the auth
// core never imports this package.
type Broadcaster struct {
	registry *Registry
	store    auth.Store
	resolver *auth.Resolver
	now      func() time.Time

	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

var _ auth.EventSink = (*Broadcaster)(nil)

// NewBroadcaster wires the fan-out layer over the registry.
func NewBroadcaster(registry *Registry, store auth.Store, resolver *auth.Resolver) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    store,
		resolver: resolver,
		now:      time.Now,
		subs:     make(map[int]chan Event),
	}
}

// Subscribe registers a registry-wide observer and returns a channel
// which will receive every published event. The channel is closed when
// the provided context ends.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Broadcaster) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SessionsClosed evicts the named sessions and tells their clients. The
// originating session is never notified about itself.
func (b *Broadcaster) SessionsClosed(ctx context.Context, userID string, sessionIDs []string, originSessionID string) {
	evt := Event{
		Topic: TopicSessionsClosed,
		Payload: map[string]any{
			"user_id":     userID,
			"session_ids": sessionIDs,
		},
		At: b.now().UTC(),
	}
	visited := 0
	for _, id := range sessionIDs {
		if id == originSessionID {
			continue
		}
		if s, ok := b.registry.Peek(id); ok {
			s.Enqueue(evt)
			visited++
		}
		b.registry.Evict(id)
	}
	obs.BroadcastFanout.Observe(float64(visited))
	b.publish(evt)
}

// UserDeleted closes every session owned by the user.
func (b *Broadcaster) UserDeleted(ctx context.Context, userID string, sessionIDs []string, originSessionID string) {
	evt := Event{
		Topic:   TopicUserDeleted,
		Payload: map[string]any{"user_id": userID},
		At:      b.now().UTC(),
	}
	closed := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		closed[id] = struct{}{}
	}
	visited := 0
	for _, s := range b.registry.Snapshot() {
		_, named := closed[s.ID]
		if !named && s.UserID() != userID {
			continue
		}
		visited++
		if s.ID != originSessionID {
			s.Enqueue(evt)
		}
		b.registry.Evict(s.ID)
	}
	obs.BroadcastFanout.Observe(float64(visited))
	b.publish(evt)
}

// PermissionsChanged refreshes the permission snapshot of every affected
// live session and queues the new snapshot for its clients. A session is
// affected when its user is one of the changed subjects or belongs to a
// changed team.
func (b *Broadcaster) PermissionsChanged(ctx context.Context, subjectIDs []string, originSessionID string) {
	changed := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		changed[id] = struct{}{}
	}
	visited := 0
	for _, s := range b.registry.Snapshot() {
		userID := s.UserID()
		if userID == "" || !b.affected(ctx, userID, changed) {
			continue
		}
		visited++
		perms, err := b.resolver.EffectivePermissions(ctx, userID)
		if err != nil {
			log.Printf("refresh permissions for session %s: %v", s.ID, err)
			continue
		}
		s.SetPermissions(perms)
		if s.ID == originSessionID {
			continue
		}
		s.Enqueue(Event{
			Topic:   TopicPermissionsChanged,
			Payload: map[string]any{"permissions": auth.SortedPermissions(perms)},
			At:      b.now().UTC(),
		})
	}
	obs.BroadcastFanout.Observe(float64(visited))
	b.publish(Event{
		Topic:   TopicPermissionsChanged,
		Payload: map[string]any{"subject_ids": subjectIDs},
		At:      b.now().UTC(),
	})
}

// ObjectGrantsChanged patches the cached accessible sets of affected
// sessions. Grant additions merge into an existing cache; removals drop
// the whole per-type cache so the next check rebuilds it from storage.
func (b *Broadcaster) ObjectGrantsChanged(ctx context.Context, subjectIDs []string, objectIDs []string, objectType string, removed bool, originSessionID string) {
	changed := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		changed[id] = struct{}{}
	}
	visited := 0
	for _, s := range b.registry.Snapshot() {
		userID := s.UserID()
		if userID == "" || !b.affected(ctx, userID, changed) {
			continue
		}
		visited++
		if removed {
			s.dropAccessible(objectType)
		} else {
			s.addAccessible(objectType, objectIDs)
		}
		if s.ID == originSessionID {
			continue
		}
		s.Enqueue(Event{
			Topic: TopicObjectGrantsChanged,
			Payload: map[string]any{
				"object_type": objectType,
				"object_ids":  objectIDs,
				"removed":     removed,
			},
			At: b.now().UTC(),
		})
	}
	obs.BroadcastFanout.Observe(float64(visited))
	b.publish(Event{
		Topic: TopicObjectGrantsChanged,
		Payload: map[string]any{
			"object_type": objectType,
			"object_ids":  objectIDs,
			"removed":     removed,
		},
		At: b.now().UTC(),
	})
}

// affected reports whether the user or any of its teams is in the
// changed subject set.
func (b *Broadcaster) affected(ctx context.Context, userID string, changed map[string]struct{}) bool {
	if _, ok := changed[userID]; ok {
		return true
	}
	teams, err := b.store.Subjects().Teams(ctx, userID)
	if err != nil {
		log.Printf("list teams for %s: %v", userID, err)
		return false
	}
	for _, t := range teams {
		if _, ok := changed[t]; ok {
			return true
		}
	}
	return false
}
