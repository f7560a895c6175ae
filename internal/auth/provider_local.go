package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"sentra.dev/internal/ids"
)

// Credential field keys used by the native provider.
const (
	FieldUsername = "username"
	FieldPassword = "password"
)

// LocalProvider authenticates native username/password credentials
// against the credential store.
type LocalProvider struct {
	id      string
	codec   *Codec
	fields  []CredentialField
	enabled bool
}

// NewLocalProvider constructs the native provider. The username field is
// identifying and stored plain; the password is bcrypt-hashed and
// verify-only.
func NewLocalProvider(id string, codec *Codec, enabled bool) *LocalProvider {
	return &LocalProvider{
		id:    id,
		codec: codec,
		fields: []CredentialField{
			{Key: FieldUsername, Policy: PolicyNone, Identifying: true},
			{Key: FieldPassword, Policy: PolicyHash},
		},
		enabled: enabled,
	}
}

func (p *LocalProvider) ID() string   { return p.id }
func (p *LocalProvider) Kind() Kind   { return KindLocal }
func (p *LocalProvider) Enabled(configID string) bool { return p.enabled }

func (p *LocalProvider) InputIdentifier(creds map[string]string) string {
	return strings.TrimSpace(strings.ToLower(creds[FieldUsername]))
}

// Resolve looks the subject up by identifying fields, then verifies every
// submitted verify-only field.
func (p *LocalProvider) Resolve(ctx context.Context, store Store, entry *ProviderEntry) (string, error) {
	lookups := make(map[string]string)
	for _, f := range p.fields {
		if !f.Identifying {
			continue
		}
		value, ok := entry.Data[f.Key]
		if !ok || value == "" {
			return "", ErrInvalidCredentials
		}
		lookups[f.Key] = LookupDigest(value)
	}
	subjectID, err := store.Credentials().FindSubject(ctx, p.id, lookups)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", storageErr("find subject by credentials", err)
	}

	stored, err := store.Credentials().List(ctx, subjectID, p.id)
	if err != nil {
		return "", storageErr("load credentials", err)
	}
	byKey := make(map[string]Credential, len(stored))
	for _, c := range stored {
		byKey[c.Key] = c
	}
	for _, f := range p.fields {
		if f.Identifying {
			continue
		}
		submitted, ok := entry.Data[f.Key]
		if !ok {
			return "", ErrInvalidCredentials
		}
		cred, ok := byKey[f.Key]
		if !ok {
			return "", ErrInvalidCredentials
		}
		if err := p.codec.Verify(f, cred, submitted); err != nil {
			return "", err
		}
	}

	subject, err := store.Subjects().Find(ctx, subjectID)
	if err != nil {
		return "", storageErr("load subject", err)
	}
	if !subject.Enabled {
		return "", ErrInvalidCredentials
	}
	return subjectID, nil
}

// EnrollUser registers a user with native credentials: the subject, its
// default user team and the credential rows.
func (p *LocalProvider) EnrollUser(ctx context.Context, store Store, username, password string) (*Subject, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return nil, errors.New("auth: username and password are required")
	}
	now := time.Now().UTC()
	user := &Subject{
		ID:        ids.New(),
		Type:      SubjectUser,
		Name:      username,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Subjects().Create(ctx, user); err != nil {
		return nil, storageErr("create user", err)
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
		return nil, storageErr("create default user team", err)
	}
	if err := store.Subjects().AddToTeam(ctx, user.ID, team.ID); err != nil {
		return nil, storageErr("assign default user team", err)
	}

	values := map[string]string{FieldUsername: username, FieldPassword: password}
	for _, f := range p.fields {
		cred, err := p.codec.Encode(f, values[f.Key])
		if err != nil {
			return nil, err
		}
		cred.SubjectID = user.ID
		cred.ProviderID = p.id
		if err := store.Credentials().Upsert(ctx, cred); err != nil {
			return nil, storageErr("store credential", err)
		}
	}
	return user, nil
}
