package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the auth subsystem.
type Store interface {
	Subjects() SubjectStore
	Credentials() CredentialStore
	Grants() GrantStore
	Tokens() TokenStore
	Attempts() AttemptStore
	LoginLog() LoginLogStore
	Sessions() SessionStore
}

// SubjectStore manages users and teams.
type SubjectStore interface {
	Create(ctx context.Context, s *Subject) error
	Find(ctx context.Context, id string) (*Subject, error)
	FindByName(ctx context.Context, typ SubjectType, name string) (*Subject, error)
	// Delete removes the subject together with its credentials, grants
	// and team memberships.
	Delete(ctx context.Context, id string) error
	// Teams returns the ordered team ids a user belongs to. The first
	// entry is the default user team.
	Teams(ctx context.Context, userID string) ([]string, error)
	AddToTeam(ctx context.Context, userID, teamID string) error
}

// CredentialStore manages provider-scoped credentials.
type CredentialStore interface {
	Upsert(ctx context.Context, cred Credential) error
	// FindSubject resolves a subject by an equality join across
	// identifying lookup digests. Every entry of lookups must match.
	FindSubject(ctx context.Context, providerID string, lookups map[string]string) (string, error)
	List(ctx context.Context, subjectID, providerID string) ([]Credential, error)
	DeleteBySubject(ctx context.Context, subjectID string) error
}

// GrantStore manages global and object-scoped permission grants.
type GrantStore interface {
	Grant(ctx context.Context, g PermissionGrant) error
	Revoke(ctx context.Context, subjectID, permission string) error
	// GrantsFor returns global grants for any of the given subjects.
	GrantsFor(ctx context.Context, subjectIDs []string) ([]PermissionGrant, error)

	SetObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error
	AddObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error
	DeleteObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string) error
	// ObjectGrantsFor returns object-scoped grants on one object for any
	// of the given subjects.
	ObjectGrantsFor(ctx context.Context, subjectIDs []string, objectID, objectType string) ([]ObjectPermissionGrant, error)
	// AccessibleObjects inverts the relation: object ids of the given
	// type any of the subjects holds a grant on.
	AccessibleObjects(ctx context.Context, subjectIDs []string, objectType string) ([]string, error)
}

// TokenStore owns token pair rows. Implementations must make Replace and
// Rotate atomic per session so two valid pairs never coexist.
type TokenStore interface {
	// Replace deletes any rows for rec.SessionID and inserts rec in one
	// transaction.
	Replace(ctx context.Context, rec *TokenRecord) error
	Find(ctx context.Context, id string) (*TokenRecord, error)
	FindBySession(ctx context.Context, sessionID string) (*TokenRecord, error)
	// Rotate locks the row, passes it to next and swaps in the returned
	// record. When next returns an error the row is left untouched and
	// the error is propagated. Concurrent rotations of the same row must
	// serialize; the loser observes the old row gone and fails with
	// ErrRefreshTokenMismatch.
	Rotate(ctx context.Context, id string, next func(old *TokenRecord) (*TokenRecord, error)) error
	DeleteBySession(ctx context.Context, sessionID string) error
	// DeleteByUser removes every row owned by the user and returns the
	// affected session ids.
	DeleteByUser(ctx context.Context, userID string) ([]string, error)
}

// AttemptStore persists auth attempts.
type AttemptStore interface {
	Create(ctx context.Context, a *AuthAttempt) error
	Find(ctx context.Context, id string) (*AuthAttempt, error)
	Update(ctx context.Context, a *AuthAttempt) error
	// ExpireSuccess flips SUCCESS to EXPIRED; it is a no-op for any
	// other current status.
	ExpireSuccess(ctx context.Context, id string) error
	// DeleteStaleBefore garbage-collects attempts not updated since the
	// cutoff, abandoned federated logins included.
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// LoginLogStore records login outcomes for the brute-force guard.
type LoginLogStore interface {
	Append(ctx context.Context, rec LoginRecord) error
	// Recent returns up to limit records for (provider, identifier),
	// newest first.
	Recent(ctx context.Context, providerID, identifier string, limit int) ([]LoginRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionStore persists session records.
type SessionStore interface {
	Save(ctx context.Context, rec *SessionRecord) error
	Find(ctx context.Context, id string) (*SessionRecord, error)
	Touch(ctx context.Context, id string, at time.Time, remoteAddr, userAgent string) error
	Delete(ctx context.Context, id string) error
}
