package session

import (
	"context"
	"testing"
	"time"

	"sentra.dev/internal/auth"
)

type broadcastFixture struct {
	store       *auth.MemoryStore
	registry    *Registry
	broadcaster *Broadcaster
}

func newBroadcastFixture(t *testing.T) *broadcastFixture {
	t.Helper()
	store := auth.NewMemoryStore()
	resolver := auth.NewResolver(store, "")
	registry := NewRegistry(store.Sessions(), resolver)
	return &broadcastFixture{
		store:       store,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, store, resolver),
	}
}

func (fx *broadcastFixture) bindSession(t *testing.T, sessionID, userID string) *Session {
	t.Helper()
	s, err := fx.registry.Bind(context.Background(), sessionID, userID)
	if err != nil {
		t.Fatalf("Bind %s: %v", sessionID, err)
	}
	return s
}

func TestSessionsClosedSkipsOrigin(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	origin := fx.bindSession(t, "sess-origin", "user-1")
	other := fx.bindSession(t, "sess-other", "user-1")

	fx.broadcaster.SessionsClosed(ctx, "user-1", []string{"sess-other"}, "sess-origin")

	if _, ok := fx.registry.Peek("sess-other"); ok {
		t.Fatal("closed session still live")
	}
	if _, ok := fx.registry.Peek("sess-origin"); !ok {
		t.Fatal("origin session must survive")
	}
	if events := origin.DrainEvents(); len(events) != 0 {
		t.Fatalf("origin must not be notified: %v", events)
	}
	events := other.DrainEvents()
	if len(events) != 1 || events[0].Topic != TopicSessionsClosed {
		t.Fatalf("unexpected events: %v", events)
	}
	if events[0].SessionID != "sess-other" {
		t.Fatalf("event not addressed to its session: %+v", events[0])
	}
}

func TestUserDeletedClosesAllUserSessions(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	fx.bindSession(t, "sess-a", "user-1")
	fx.bindSession(t, "sess-b", "user-1")
	fx.bindSession(t, "sess-c", "user-2")

	// Only sess-a is named; sess-b is caught by ownership.
	fx.broadcaster.UserDeleted(ctx, "user-1", []string{"sess-a"}, "")

	if _, ok := fx.registry.Peek("sess-a"); ok {
		t.Fatal("named session still live")
	}
	if _, ok := fx.registry.Peek("sess-b"); ok {
		t.Fatal("owned session still live")
	}
	if _, ok := fx.registry.Peek("sess-c"); !ok {
		t.Fatal("unrelated session evicted")
	}
}

func TestPermissionsChangedRefreshesSnapshot(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	origin := fx.bindSession(t, "sess-origin", "user-1")
	other := fx.bindSession(t, "sess-other", "user-1")
	bystander := fx.bindSession(t, "sess-bystander", "user-2")

	if err := fx.store.Grants().Grant(ctx, auth.PermissionGrant{SubjectID: "user-1", Permission: "docs.read"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	fx.broadcaster.PermissionsChanged(ctx, []string{"user-1"}, "sess-origin")

	if !origin.HasPermission("docs.read") || !other.HasPermission("docs.read") {
		t.Fatal("snapshots not refreshed")
	}
	if bystander.HasPermission("docs.read") {
		t.Fatal("unrelated session refreshed")
	}
	if events := origin.DrainEvents(); len(events) != 0 {
		t.Fatalf("origin must not be notified: %v", events)
	}
	events := other.DrainEvents()
	if len(events) != 1 || events[0].Topic != TopicPermissionsChanged {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestPermissionsChangedViaTeam(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	if err := fx.store.Subjects().AddToTeam(ctx, "user-1", "team-dev"); err != nil {
		t.Fatalf("AddToTeam: %v", err)
	}
	member := fx.bindSession(t, "sess-member", "user-1")

	if err := fx.store.Grants().Grant(ctx, auth.PermissionGrant{SubjectID: "team-dev", Permission: "docs.write"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	fx.broadcaster.PermissionsChanged(ctx, []string{"team-dev"}, "")

	if !member.HasPermission("docs.write") {
		t.Fatal("team member snapshot not refreshed")
	}
}

func TestObjectGrantsChangedPatchesCache(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx := context.Background()

	s := fx.bindSession(t, "sess-1", "user-1")
	s.SetAccessible("document", []string{"doc-1"})

	fx.broadcaster.ObjectGrantsChanged(ctx, []string{"user-1"}, []string{"doc-2"}, "document", false, "")
	if ok, cached := s.CanAccess("document", "doc-2"); !cached || !ok {
		t.Fatalf("addition not merged: ok=%v cached=%v", ok, cached)
	}

	fx.broadcaster.ObjectGrantsChanged(ctx, []string{"user-1"}, []string{"doc-1"}, "document", true, "")
	if _, cached := s.CanAccess("document", "doc-1"); cached {
		t.Fatal("removal must drop the cached set")
	}

	events := s.DrainEvents()
	if len(events) != 2 || events[0].Topic != TopicObjectGrantsChanged {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	fx := newBroadcastFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := fx.broadcaster.Subscribe(ctx)
	fx.broadcaster.SessionsClosed(context.Background(), "user-1", []string{"sess-x"}, "")

	select {
	case evt := <-ch:
		if evt.Topic != TopicSessionsClosed {
			t.Fatalf("unexpected topic %s", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
