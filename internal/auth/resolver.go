package auth

import (
	"context"
	"sort"
)

// Resolver computes effective permission sets for a subject, folding in
// team membership. Membership is one level deep: teams do not nest.
type Resolver struct {
	store Store
	// defaultTeamID, when set, contributes its grants to every user.
	defaultTeamID string
}

// NewResolver constructs a Resolver. defaultTeamID may be empty.
func NewResolver(store Store, defaultTeamID string) *Resolver {
	return &Resolver{store: store, defaultTeamID: defaultTeamID}
}

// expand returns the subject id plus every team the subject belongs to,
// including the implicit default team when configured.
func (r *Resolver) expand(ctx context.Context, subjectID string) ([]string, error) {
	ids := []string{subjectID}
	teams, err := r.store.Subjects().Teams(ctx, subjectID)
	if err != nil {
		return nil, storageErr("list teams", err)
	}
	seen := map[string]struct{}{subjectID: {}}
	for _, t := range teams {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		ids = append(ids, t)
	}
	if r.defaultTeamID != "" {
		if _, ok := seen[r.defaultTeamID]; !ok {
			ids = append(ids, r.defaultTeamID)
		}
	}
	return ids, nil
}

// EffectivePermissions is the union of direct grants and grants on every
// team the subject belongs to.
func (r *Resolver) EffectivePermissions(ctx context.Context, subjectID string) (map[string]struct{}, error) {
	ids, err := r.expand(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	grants, err := r.store.Grants().GrantsFor(ctx, ids)
	if err != nil {
		return nil, storageErr("load grants", err)
	}
	set := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		set[g.Permission] = struct{}{}
	}
	return set, nil
}

// ObjectPermissions restricts the same union to grants scoped to one
// specific object.
func (r *Resolver) ObjectPermissions(ctx context.Context, subjectID, objectID, objectType string) (map[string]struct{}, error) {
	ids, err := r.expand(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	grants, err := r.store.Grants().ObjectGrantsFor(ctx, ids, objectID, objectType)
	if err != nil {
		return nil, storageErr("load object grants", err)
	}
	set := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		set[g.Permission] = struct{}{}
	}
	return set, nil
}

// AccessibleObjects lists object ids of the given type the subject can
// see through any of its grants.
func (r *Resolver) AccessibleObjects(ctx context.Context, subjectID, objectType string) ([]string, error) {
	ids, err := r.expand(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	objects, err := r.store.Grants().AccessibleObjects(ctx, ids, objectType)
	if err != nil {
		return nil, storageErr("list accessible objects", err)
	}
	sort.Strings(objects)
	return objects, nil
}

// SortedPermissions renders a permission set as a stable slice.
func SortedPermissions(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
