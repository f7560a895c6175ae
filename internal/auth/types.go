package auth

import "time"

// SubjectType distinguishes users from teams.
type SubjectType string

const (
	SubjectUser SubjectType = "user"
	SubjectTeam SubjectType = "team"
)

// Subject is the unit permissions are granted to: a user or a team.
type Subject struct {
	ID          string
	Type        SubjectType
	Name        string
	Enabled     bool
	DefaultRole string
	Meta        map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EncryptionPolicy declares how a credential field is stored.
type EncryptionPolicy string

const (
	// PolicyNone stores the value verbatim.
	PolicyNone EncryptionPolicy = "none"
	// PolicyHash stores a bcrypt hash; the value can only be verified,
	// never looked up or recovered.
	PolicyHash EncryptionPolicy = "hash"
	// PolicyEncrypt stores the value AES-GCM encrypted; a deterministic
	// digest column supports equality lookups for identifying fields.
	PolicyEncrypt EncryptionPolicy = "encrypt"
)

// CredentialField is a provider-declared credential slot.
type CredentialField struct {
	Key         string
	Policy      EncryptionPolicy
	Identifying bool
}

// Credential links a subject to one provider-scoped credential value.
// Value holds the stored representation (plaintext, bcrypt hash or
// ciphertext depending on the field policy); Lookup holds the
// deterministic digest used for identifying-field equality joins, empty
// for non-identifying fields.
type Credential struct {
	SubjectID  string
	ProviderID string
	Key        string
	Value      string
	Lookup     string
	CreatedAt  time.Time
}

// PermissionGrant is a global grant on a subject.
type PermissionGrant struct {
	SubjectID  string
	Permission string
	GrantedBy  string
	GrantedAt  time.Time
}

// ObjectPermissionGrant scopes a permission to one specific resource.
type ObjectPermissionGrant struct {
	ObjectID   string
	ObjectType string
	SubjectID  string
	Permission string
	GrantedBy  string
	GrantedAt  time.Time
}

// AttemptStatus is the auth attempt lifecycle state. Transitions are
// one-way: InProgress -> {Success, Error}; Success -> Expired on first
// read-back. Error and Expired are terminal.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSuccess    AttemptStatus = "SUCCESS"
	AttemptError      AttemptStatus = "ERROR"
	AttemptExpired    AttemptStatus = "EXPIRED"
)

// ProviderEntry is one (provider, config) step of a chained attempt.
// Entries keep submission order; Data accumulates provider auth data
// (resolved subject id, external claims, redirect state).
type ProviderEntry struct {
	ProviderID string            `json:"provider_id"`
	ConfigID   string            `json:"config_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// AuthAttempt tracks one login from submission to terminal state.
type AuthAttempt struct {
	ID            string
	Status        AttemptStatus
	AppSessionID  string
	PrevSessionID string
	IsMain        bool
	ForceLogout   bool
	Entries       []ProviderEntry
	ErrorCode     string
	ErrorMessage  string
	Result        *AuthResult
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Entry returns the chained entry for (providerID, configID), if present.
func (a *AuthAttempt) Entry(providerID, configID string) *ProviderEntry {
	for i := range a.Entries {
		if a.Entries[i].ProviderID == providerID && a.Entries[i].ConfigID == configID {
			return &a.Entries[i]
		}
	}
	return nil
}

// Terminal reports whether no further transitions are allowed.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptError || s == AttemptExpired
}

// SessionRecord is the persisted view of a session. The live in-memory
// object lives in the session package; this record is what survives a
// process restart and backs cold-start detection.
type SessionRecord struct {
	ID           string
	UserID       string // empty = anonymous
	CreatedAt    time.Time
	LastAccessAt time.Time
	RemoteAddr   string
	UserAgent    string
	Persisted    bool
}

// TokenRecord is the stored token pair. Raw tokens are never persisted:
// the refresh secret and the access JWT are kept as SHA-256 digests. At
// most one record exists per session.
type TokenRecord struct {
	ID               string
	SessionID        string
	UserID           string // empty = anonymous
	AuthRole         string
	RefreshHash      string
	AccessHash       string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
}

// TokenPair carries the raw minted tokens back to the caller.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id,omitempty"`
	AuthRole         string    `json:"auth_role,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginRecord is one brute-force guard observation.
type LoginRecord struct {
	ProviderID string
	Identifier string
	Success    bool
	At         time.Time
}

// AuthResult is the tagged outcome of an attempt operation.
type AuthResult struct {
	AttemptID    string            `json:"attempt_id"`
	Status       AttemptStatus     `json:"status"`
	SignInLink   string            `json:"sign_in_link,omitempty"`
	SignOutLink  string            `json:"sign_out_link,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Tokens       *TokenPair        `json:"tokens,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	AuthData     map[string]string `json:"auth_data,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// TokenInfo is the resolved view of a presented access token.
type TokenInfo struct {
	UserID    string
	SessionID string
	AuthRole  string
}
