package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"sentra.dev/internal/ids"
)

// Entry data key the resolved subject is recorded under.
const entryDataSubjectID = "subject_id"

// EventSink receives change notifications produced by the auth core. The
// session broadcaster implements it; a NopSink is used when no live
// session layer is attached (migrations, tests).
type EventSink interface {
	SessionsClosed(ctx context.Context, userID string, sessionIDs []string, originSessionID string)
	UserDeleted(ctx context.Context, userID string, sessionIDs []string, originSessionID string)
	PermissionsChanged(ctx context.Context, subjectIDs []string, originSessionID string)
	ObjectGrantsChanged(ctx context.Context, subjectIDs []string, objectIDs []string, objectType string, removed bool, originSessionID string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) SessionsClosed(context.Context, string, []string, string)      {}
func (NopSink) UserDeleted(context.Context, string, []string, string)         {}
func (NopSink) PermissionsChanged(context.Context, []string, string)          {}
func (NopSink) ObjectGrantsChanged(context.Context, []string, []string, string, bool, string) {
}

// StateMachine orchestrates one login from submission to terminal state,
// across one or more chained providers.
type StateMachine struct {
	store     Store
	providers *ProviderRegistry
	guard     *Guard
	resolver  *Resolver
	tokens    *TokenService
	events    EventSink
	anonymous bool
	now       func() time.Time
}

// MachineOption configures the state machine.
type MachineOption func(*StateMachine)

// WithEventSink attaches the event fan-out target.
func WithEventSink(sink EventSink) MachineOption {
	return func(m *StateMachine) {
		if sink != nil {
			m.events = sink
		}
	}
}

// WithAnonymousAccess toggles anonymous sessions.
func WithAnonymousAccess(enabled bool) MachineOption {
	return func(m *StateMachine) { m.anonymous = enabled }
}

// WithMachineClock overrides the time source.
func WithMachineClock(fn func() time.Time) MachineOption {
	return func(m *StateMachine) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewStateMachine wires the attempt orchestrator.
func NewStateMachine(store Store, providers *ProviderRegistry, guard *Guard, resolver *Resolver, tokens *TokenService, opts ...MachineOption) *StateMachine {
	m := &StateMachine{
		store:     store,
		providers: providers,
		guard:     guard,
		resolver:  resolver,
		tokens:    tokens,
		events:    NopSink{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginRequest carries one login submission.
type BeginRequest struct {
	AppSessionID  string
	PrevSessionID string
	ProviderID    string
	ConfigID      string
	Credentials   map[string]string
	SessionParams map[string]string
	ForceLogout   bool
}

// Begin validates the provider, consults the brute-force guard and
// creates the attempt. Synchronous providers proceed straight to Finish;
// federated providers return sign-in/sign-out links and stay IN_PROGRESS
// until the external callback arrives.
func (m *StateMachine) Begin(ctx context.Context, req BeginRequest) (AuthResult, error) {
	provider, ok := m.providers.Lookup(req.ProviderID)
	if !ok || !provider.Enabled(req.ConfigID) {
		return AuthResult{}, ErrProviderDisabled
	}
	identifier := provider.InputIdentifier(req.Credentials)
	if err := m.guard.Check(ctx, req.ProviderID, identifier); err != nil {
		return AuthResult{}, err
	}

	data := make(map[string]string, len(req.Credentials))
	for k, v := range req.Credentials {
		data[k] = v
	}
	attempt := &AuthAttempt{
		ID:            uuid.NewString(),
		Status:        AttemptInProgress,
		AppSessionID:  req.AppSessionID,
		PrevSessionID: req.PrevSessionID,
		ForceLogout:   req.ForceLogout,
		Entries: []ProviderEntry{{
			ProviderID: req.ProviderID,
			ConfigID:   req.ConfigID,
			Data:       data,
		}},
		CreatedAt: m.now().UTC(),
		UpdatedAt: m.now().UTC(),
	}
	attempt.IsMain = !m.ownedSessionExists(ctx, req.AppSessionID)

	if fed, ok := provider.(Federated); ok {
		nonce := uuid.NewString()
		data[oidcDataNonce] = nonce
		attempt.Result = &AuthResult{
			AttemptID:   attempt.ID,
			Status:      AttemptInProgress,
			SignInLink:  fed.SignInLink(attempt.ID, nonce),
			SignOutLink: fed.SignOutLink(attempt.ID),
		}
		if err := m.store.Attempts().Create(ctx, attempt); err != nil {
			return AuthResult{}, storageErr("create attempt", err)
		}
		return *attempt.Result, nil
	}

	if err := m.store.Attempts().Create(ctx, attempt); err != nil {
		return AuthResult{}, storageErr("create attempt", err)
	}
	return m.Finish(ctx, attempt.ID, req.ForceLogout)
}

// BeginAnonymous establishes an anonymous session when anonymous access
// is enabled. Nothing is persisted when it is not.
func (m *StateMachine) BeginAnonymous(ctx context.Context, appSessionID string, params map[string]string) (AuthResult, error) {
	if !m.anonymous {
		return AuthResult{}, ErrProviderDisabled
	}
	now := m.now().UTC()
	if !m.sessionExists(ctx, appSessionID) {
		rec := &SessionRecord{
			ID:           appSessionID,
			CreatedAt:    now,
			LastAccessAt: now,
			RemoteAddr:   params["remote_addr"],
			UserAgent:    params["user_agent"],
			Persisted:    true,
		}
		if err := m.store.Sessions().Save(ctx, rec); err != nil {
			return AuthResult{}, storageErr("save session", err)
		}
	}
	pair, err := m.tokens.Mint(ctx, appSessionID, "", "")
	if err != nil {
		return AuthResult{}, err
	}
	attempt := &AuthAttempt{
		ID:           uuid.NewString(),
		Status:       AttemptSuccess,
		AppSessionID: appSessionID,
		IsMain:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	result := AuthResult{
		AttemptID: attempt.ID,
		Status:    AttemptSuccess,
		SessionID: appSessionID,
		Tokens:    &pair,
	}
	attempt.Result = &result
	if err := m.store.Attempts().Create(ctx, attempt); err != nil {
		return AuthResult{}, storageErr("create attempt", err)
	}
	return result, nil
}

// UpdateStatus merges additional provider auth data into an in-progress
// attempt and/or marks it failed. Used by federated callback handlers;
// only legal while the attempt is IN_PROGRESS.
func (m *StateMachine) UpdateStatus(ctx context.Context, attemptID, providerID, configID string, data map[string]string, errCode, errMsg string) error {
	attempt, err := m.findAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != AttemptInProgress {
		return ErrAttemptCompleted
	}
	// Error-only updates (upstream denial) carry no provider id and must
	// not grow the entry chain.
	if providerID != "" {
		entry := attempt.Entry(providerID, configID)
		if entry == nil {
			attempt.Entries = append(attempt.Entries, ProviderEntry{
				ProviderID: providerID,
				ConfigID:   configID,
				Data:       make(map[string]string),
			})
			entry = &attempt.Entries[len(attempt.Entries)-1]
		}
		for k, v := range data {
			entry.Data[k] = v
		}
	}
	if errCode != "" || errMsg != "" {
		attempt.Status = AttemptError
		attempt.ErrorCode = errCode
		attempt.ErrorMessage = errMsg
	}
	attempt.UpdatedAt = m.now().UTC()
	if err := m.store.Attempts().Update(ctx, attempt); err != nil {
		return storageErr("update attempt", err)
	}
	return nil
}

// Finish resolves every chained provider entry in submission order,
// applies auto-assignments, accumulates permissions and, for a main
// attempt, creates the session and mints the token pair. Child attempts
// only merge permission data.
func (m *StateMachine) Finish(ctx context.Context, attemptID string, forceLogout bool) (AuthResult, error) {
	attempt, err := m.findAttempt(ctx, attemptID)
	if err != nil {
		return AuthResult{}, err
	}
	if attempt.Status != AttemptInProgress {
		return AuthResult{}, ErrAttemptCompleted
	}
	if forceLogout {
		attempt.ForceLogout = true
	}

	subjectID := ""
	for i := range attempt.Entries {
		entry := &attempt.Entries[i]
		provider, ok := m.providers.Lookup(entry.ProviderID)
		if !ok {
			return m.fail(ctx, attempt, "provider_disabled", "provider not registered", ErrProviderDisabled)
		}
		resolved, err := provider.Resolve(ctx, m.store, entry)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				_ = m.guard.RecordFailure(ctx, entry.ProviderID, provider.InputIdentifier(entry.Data))
				return m.fail(ctx, attempt, "invalid_credentials", "credential validation failed", ErrInvalidCredentials)
			}
			return AuthResult{}, err
		}
		if subjectID != "" && resolved != subjectID {
			return m.fail(ctx, attempt, "multiple_identities", "chained providers resolved different subjects", ErrMultipleIdentities)
		}
		subjectID = resolved
		entry.Data[entryDataSubjectID] = resolved
	}
	if subjectID == "" {
		return m.fail(ctx, attempt, "invalid_credentials", "no provider resolved a subject", ErrInvalidCredentials)
	}

	authRole := ""
	for i := range attempt.Entries {
		entry := &attempt.Entries[i]
		provider, _ := m.providers.Lookup(entry.ProviderID)
		assigner, ok := provider.(AutoAssigner)
		if !ok {
			continue
		}
		teams, role := assigner.DetectAutoAssignments(ctx, entry)
		if role != "" {
			authRole = role
		}
		for _, teamName := range teams {
			if err := m.joinTeam(ctx, subjectID, teamName); err != nil {
				return AuthResult{}, err
			}
		}
	}
	if authRole == "" {
		if subject, err := m.store.Subjects().Find(ctx, subjectID); err == nil {
			authRole = subject.DefaultRole
		}
	}

	perms, err := m.resolver.EffectivePermissions(ctx, subjectID)
	if err != nil {
		return AuthResult{}, err
	}

	sessionID := attempt.AppSessionID
	result := AuthResult{
		AttemptID:   attempt.ID,
		Status:      AttemptSuccess,
		SessionID:   sessionID,
		UserID:      subjectID,
		Permissions: SortedPermissions(perms),
	}

	if attempt.IsMain {
		if err := m.ensureSession(ctx, sessionID, subjectID); err != nil {
			if errors.Is(err, ErrMultipleIdentities) {
				return m.fail(ctx, attempt, "multiple_identities", "session owned by a different subject", ErrMultipleIdentities)
			}
			return AuthResult{}, err
		}
		if attempt.ForceLogout {
			closed, err := m.tokens.RevokeAllForUser(ctx, subjectID)
			if err != nil {
				return AuthResult{}, err
			}
			others := closed[:0]
			for _, id := range closed {
				if id != sessionID {
					others = append(others, id)
				}
			}
			if len(others) > 0 {
				m.events.SessionsClosed(ctx, subjectID, others, sessionID)
			}
		}
		pair, err := m.tokens.Mint(ctx, sessionID, subjectID, authRole)
		if err != nil {
			return AuthResult{}, err
		}
		result.Tokens = &pair
	} else {
		rec, err := m.store.Sessions().Find(ctx, sessionID)
		if err != nil {
			return AuthResult{}, storageErr("load session", err)
		}
		if rec.UserID != "" && rec.UserID != subjectID {
			return m.fail(ctx, attempt, "multiple_identities", "child attempt resolved a different subject", ErrMultipleIdentities)
		}
	}

	first := attempt.Entries[0]
	if provider, ok := m.providers.Lookup(first.ProviderID); ok {
		_ = m.guard.RecordSuccess(ctx, first.ProviderID, provider.InputIdentifier(first.Data))
	}

	attempt.Status = AttemptSuccess
	attempt.Result = &result
	attempt.UpdatedAt = m.now().UTC()
	if err := m.store.Attempts().Update(ctx, attempt); err != nil {
		return AuthResult{}, storageErr("update attempt", err)
	}
	return result, nil
}

// Callback completes the external leg of a federated login: the code
// carried by the upstream redirect is exchanged and verified for every
// federated entry, then the attempt proceeds through Finish.
func (m *StateMachine) Callback(ctx context.Context, attemptID string, params map[string]string) (AuthResult, error) {
	attempt, err := m.findAttempt(ctx, attemptID)
	if err != nil {
		return AuthResult{}, err
	}
	if attempt.Status != AttemptInProgress {
		return AuthResult{}, ErrAttemptCompleted
	}
	for i := range attempt.Entries {
		entry := &attempt.Entries[i]
		provider, ok := m.providers.Lookup(entry.ProviderID)
		if !ok {
			continue
		}
		fed, ok := provider.(Federated)
		if !ok {
			continue
		}
		if err := fed.Exchange(ctx, entry, params); err != nil {
			return m.fail(ctx, attempt, "invalid_credentials", "federated exchange failed", ErrInvalidCredentials)
		}
	}
	attempt.UpdatedAt = m.now().UTC()
	if err := m.store.Attempts().Update(ctx, attempt); err != nil {
		return AuthResult{}, storageErr("update attempt", err)
	}
	return m.Finish(ctx, attemptID, attempt.ForceLogout)
}

// Status is the idempotent attempt read. Reading a SUCCESS attempt flips
// it to EXPIRED as a side effect but still returns the SUCCESS payload
// to that caller; a second read sees EXPIRED without the token payload.
func (m *StateMachine) Status(ctx context.Context, attemptID string) (AuthResult, error) {
	attempt, err := m.findAttempt(ctx, attemptID)
	if err != nil {
		return AuthResult{}, err
	}
	switch attempt.Status {
	case AttemptSuccess:
		result := *attempt.Result
		if err := m.store.Attempts().ExpireSuccess(ctx, attemptID); err != nil {
			return AuthResult{}, storageErr("expire attempt", err)
		}
		return result, nil
	case AttemptInProgress:
		if attempt.Result != nil {
			return *attempt.Result, nil
		}
		return AuthResult{AttemptID: attempt.ID, Status: AttemptInProgress}, nil
	case AttemptError:
		return AuthResult{
			AttemptID:    attempt.ID,
			Status:       AttemptError,
			ErrorCode:    attempt.ErrorCode,
			ErrorMessage: attempt.ErrorMessage,
		}, nil
	default:
		return AuthResult{AttemptID: attempt.ID, Status: AttemptExpired}, nil
	}
}

// Logout revokes the session's token pair and deletes the persisted
// session record.
func (m *StateMachine) Logout(ctx context.Context, sessionID string) error {
	if err := m.tokens.RevokeSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.store.Sessions().Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return storageErr("delete session", err)
	}
	return nil
}

// Sweep garbage-collects stale attempts (abandoned federated logins
// included) and old login log records. Runs off the request path.
func (m *StateMachine) Sweep(ctx context.Context, attemptTTL, logRetention time.Duration) (int, error) {
	cutoff := m.now().Add(-attemptTTL)
	n, err := m.store.Attempts().DeleteStaleBefore(ctx, cutoff)
	if err != nil {
		return 0, storageErr("sweep attempts", err)
	}
	if _, err := m.store.LoginLog().DeleteBefore(ctx, m.now().Add(-logRetention)); err != nil {
		return n, storageErr("sweep login log", err)
	}
	return n, nil
}

func (m *StateMachine) findAttempt(ctx context.Context, id string) (*AuthAttempt, error) {
	attempt, err := m.store.Attempts().Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, storageErr("find attempt", err)
	}
	return attempt, nil
}

func (m *StateMachine) fail(ctx context.Context, attempt *AuthAttempt, code, msg string, cause error) (AuthResult, error) {
	attempt.Status = AttemptError
	attempt.ErrorCode = code
	attempt.ErrorMessage = msg
	attempt.UpdatedAt = m.now().UTC()
	if err := m.store.Attempts().Update(ctx, attempt); err != nil {
		return AuthResult{}, storageErr("update attempt", err)
	}
	return AuthResult{
		AttemptID:    attempt.ID,
		Status:       AttemptError,
		ErrorCode:    code,
		ErrorMessage: msg,
	}, cause
}

func (m *StateMachine) sessionExists(ctx context.Context, sessionID string) bool {
	_, err := m.store.Sessions().Find(ctx, sessionID)
	return err == nil
}

// ownedSessionExists reports whether the session is already bound to a
// user. An anonymous session counts as unowned, so the first real login
// over it runs as a main attempt and re-mints the token pair with the
// resolved owner.
func (m *StateMachine) ownedSessionExists(ctx context.Context, sessionID string) bool {
	rec, err := m.store.Sessions().Find(ctx, sessionID)
	return err == nil && rec.UserID != ""
}

func (m *StateMachine) ensureSession(ctx context.Context, sessionID, userID string) error {
	rec, err := m.store.Sessions().Find(ctx, sessionID)
	if err == nil {
		if rec.UserID != "" && rec.UserID != userID {
			return ErrMultipleIdentities
		}
		if rec.UserID == "" && userID != "" {
			rec.UserID = userID
			return m.store.Sessions().Save(ctx, rec)
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return storageErr("load session", err)
	}
	now := m.now().UTC()
	return m.store.Sessions().Save(ctx, &SessionRecord{
		ID:           sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastAccessAt: now,
		Persisted:    true,
	})
}

func (m *StateMachine) joinTeam(ctx context.Context, userID, teamName string) error {
	team, err := m.store.Subjects().FindByName(ctx, SubjectTeam, teamName)
	if errors.Is(err, ErrNotFound) {
		team = &Subject{
			ID:        ids.New(),
			Type:      SubjectTeam,
			Name:      teamName,
			Enabled:   true,
			CreatedAt: m.now().UTC(),
			UpdatedAt: m.now().UTC(),
		}
		if err := m.store.Subjects().Create(ctx, team); err != nil {
			return storageErr("create auto-assigned team", err)
		}
	} else if err != nil {
		return storageErr("find team", err)
	}
	if err := m.store.Subjects().AddToTeam(ctx, userID, team.ID); err != nil {
		return storageErr("join team", err)
	}
	return nil
}
