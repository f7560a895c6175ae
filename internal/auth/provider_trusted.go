package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"sentra.dev/internal/ids"
)

// Claim keys accepted from the trusted upstream.
const (
	TrustedClaimUser  = "user"
	TrustedClaimTeams = "teams"
	TrustedClaimRole  = "role"
)

// TrustedProvider accepts identity, team and role claims from a trusted
// upstream such as a reverse proxy. There is no credential exchange; the
// upstream is assumed to have authenticated the user already.
type TrustedProvider struct {
	id            string
	enabled       bool
	autoProvision bool
}

// NewTrustedProvider constructs a trusted provider. autoProvision allows
// creating subjects on first sight of an upstream identity.
func NewTrustedProvider(id string, enabled, autoProvision bool) *TrustedProvider {
	return &TrustedProvider{id: id, enabled: enabled, autoProvision: autoProvision}
}

func (p *TrustedProvider) ID() string { return p.id }
func (p *TrustedProvider) Kind() Kind { return KindTrusted }
func (p *TrustedProvider) Enabled(configID string) bool { return p.enabled }

func (p *TrustedProvider) InputIdentifier(creds map[string]string) string {
	return strings.TrimSpace(strings.ToLower(creds[TrustedClaimUser]))
}

// Resolve maps the upstream identity claim onto a subject, provisioning
// one when allowed.
func (p *TrustedProvider) Resolve(ctx context.Context, store Store, entry *ProviderEntry) (string, error) {
	username := p.InputIdentifier(entry.Data)
	if username == "" {
		return "", ErrInvalidCredentials
	}
	lookups := map[string]string{TrustedClaimUser: LookupDigest(username)}
	subjectID, err := store.Credentials().FindSubject(ctx, p.id, lookups)
	if err == nil {
		return subjectID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", storageErr("find subject by trusted claim", err)
	}
	if !p.autoProvision {
		return "", ErrInvalidCredentials
	}
	return p.provision(ctx, store, username)
}

// DetectAutoAssignments surfaces the upstream team and role claims.
func (p *TrustedProvider) DetectAutoAssignments(ctx context.Context, entry *ProviderEntry) ([]string, string) {
	var teams []string
	for _, t := range strings.Split(entry.Data[TrustedClaimTeams], ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			teams = append(teams, t)
		}
	}
	return teams, strings.TrimSpace(entry.Data[TrustedClaimRole])
}

func (p *TrustedProvider) provision(ctx context.Context, store Store, username string) (string, error) {
	now := time.Now().UTC()
	user := &Subject{
		ID:        ids.New(),
		Type:      SubjectUser,
		Name:      username,
		Enabled:   true,
		Meta:      map[string]string{"provisioned_by": p.id},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Subjects().Create(ctx, user); err != nil {
		return "", storageErr("provision user", err)
	}
	team := &Subject{
		ID:        ids.New(),
		Type:      SubjectTeam,
		Name:      username + "@self",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Subjects().Create(ctx, team); err != nil {
		return "", storageErr("provision default user team", err)
	}
	if err := store.Subjects().AddToTeam(ctx, user.ID, team.ID); err != nil {
		return "", storageErr("assign default user team", err)
	}
	cred := Credential{
		SubjectID:  user.ID,
		ProviderID: p.id,
		Key:        TrustedClaimUser,
		Value:      username,
		Lookup:     LookupDigest(username),
	}
	if err := store.Credentials().Upsert(ctx, cred); err != nil {
		return "", storageErr("store trusted credential", err)
	}
	return user.ID, nil
}
