package auth

import (
	"context"
	"errors"
)

// AdminService covers subject and grant administration: the mutations
// that must fan out change events to live sessions.
type AdminService struct {
	store  Store
	tokens *TokenService
	events EventSink
}

// NewAdminService wires the administration surface.
func NewAdminService(store Store, tokens *TokenService, events EventSink) *AdminService {
	if events == nil {
		events = NopSink{}
	}
	return &AdminService{store: store, tokens: tokens, events: events}
}

// DeleteUser removes the subject, revokes every token it owns and emits
// a user-deleted event covering the closed sessions.
func (s *AdminService) DeleteUser(ctx context.Context, userID, originSessionID string) error {
	if _, err := s.store.Subjects().Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("find user", err)
	}
	sessions, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range sessions {
		if err := s.store.Sessions().Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return storageErr("delete session", err)
		}
	}
	if err := s.store.Subjects().Delete(ctx, userID); err != nil {
		return storageErr("delete user", err)
	}
	s.events.UserDeleted(ctx, userID, sessions, originSessionID)
	return nil
}

// GrantPermission adds a global grant and notifies affected sessions.
func (s *AdminService) GrantPermission(ctx context.Context, g PermissionGrant, originSessionID string) error {
	if err := s.store.Grants().Grant(ctx, g); err != nil {
		return storageErr("grant permission", err)
	}
	s.events.PermissionsChanged(ctx, []string{g.SubjectID}, originSessionID)
	return nil
}

// RevokePermission removes a global grant and notifies affected sessions.
func (s *AdminService) RevokePermission(ctx context.Context, subjectID, permission, originSessionID string) error {
	if err := s.store.Grants().Revoke(ctx, subjectID, permission); err != nil {
		return storageErr("revoke permission", err)
	}
	s.events.PermissionsChanged(ctx, []string{subjectID}, originSessionID)
	return nil
}

// SetObjectPermissions replaces object-scoped grants for the given
// subjects on the given objects.
func (s *AdminService) SetObjectPermissions(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy, originSessionID string) error {
	if err := s.store.Grants().SetObjectGrants(ctx, objectIDs, objectType, subjectIDs, permissions, grantedBy); err != nil {
		return storageErr("set object permissions", err)
	}
	s.events.ObjectGrantsChanged(ctx, subjectIDs, objectIDs, objectType, len(permissions) == 0, originSessionID)
	return nil
}

// AddObjectPermissions adds object-scoped grants without removing
// existing ones.
func (s *AdminService) AddObjectPermissions(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy, originSessionID string) error {
	if err := s.store.Grants().AddObjectGrants(ctx, objectIDs, objectType, subjectIDs, permissions, grantedBy); err != nil {
		return storageErr("add object permissions", err)
	}
	s.events.ObjectGrantsChanged(ctx, subjectIDs, objectIDs, objectType, false, originSessionID)
	return nil
}

// DeleteObjectPermissions removes every object-scoped grant for the
// given subjects on the given objects.
func (s *AdminService) DeleteObjectPermissions(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, originSessionID string) error {
	if err := s.store.Grants().DeleteObjectGrants(ctx, objectIDs, objectType, subjectIDs); err != nil {
		return storageErr("delete object permissions", err)
	}
	s.events.ObjectGrantsChanged(ctx, subjectIDs, objectIDs, objectType, true, originSessionID)
	return nil
}
