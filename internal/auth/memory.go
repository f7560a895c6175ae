package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process concurrency safety. It
// backs tests and single-node development mode; production deployments
// use the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	subjects    map[string]*Subject
	teamsByUser map[string][]string
	credentials []Credential
	grants      []PermissionGrant
	objGrants   []ObjectPermissionGrant
	tokens      map[string]*TokenRecord
	attempts    map[string]*AuthAttempt
	loginLog    []LoginRecord
	sessions    map[string]*SessionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:    make(map[string]*Subject),
		teamsByUser: make(map[string][]string),
		tokens:      make(map[string]*TokenRecord),
		attempts:    make(map[string]*AuthAttempt),
		sessions:    make(map[string]*SessionRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Subjects() SubjectStore       { return (*memSubjects)(s) }
func (s *MemoryStore) Credentials() CredentialStore { return (*memCredentials)(s) }
func (s *MemoryStore) Grants() GrantStore           { return (*memGrants)(s) }
func (s *MemoryStore) Tokens() TokenStore           { return (*memTokens)(s) }
func (s *MemoryStore) Attempts() AttemptStore       { return (*memAttempts)(s) }
func (s *MemoryStore) LoginLog() LoginLogStore      { return (*memLoginLog)(s) }
func (s *MemoryStore) Sessions() SessionStore       { return (*memSessions)(s) }

// Subjects -----------------------------------------------------------------

type memSubjects MemoryStore

func (s *memSubjects) Create(ctx context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *subject
	s.subjects[subject.ID] = &cp
	return nil
}

func (s *memSubjects) Find(ctx context.Context, id string) (*Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.subjects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *subject
	return &cp, nil
}

func (s *memSubjects) FindByName(ctx context.Context, typ SubjectType, name string) (*Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subject := range s.subjects {
		if subject.Type == typ && subject.Name == name {
			cp := *subject
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSubjects) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[id]; !ok {
		return ErrNotFound
	}
	delete(s.subjects, id)
	delete(s.teamsByUser, id)
	kept := s.credentials[:0]
	for _, c := range s.credentials {
		if c.SubjectID != id {
			kept = append(kept, c)
		}
	}
	s.credentials = kept
	keptGrants := s.grants[:0]
	for _, g := range s.grants {
		if g.SubjectID != id {
			keptGrants = append(keptGrants, g)
		}
	}
	s.grants = keptGrants
	keptObj := s.objGrants[:0]
	for _, g := range s.objGrants {
		if g.SubjectID != id {
			keptObj = append(keptObj, g)
		}
	}
	s.objGrants = keptObj
	return nil
}

func (s *memSubjects) Teams(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teams := s.teamsByUser[userID]
	out := make([]string, len(teams))
	copy(out, teams)
	return out, nil
}

func (s *memSubjects) AddToTeam(ctx context.Context, userID, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.teamsByUser[userID] {
		if t == teamID {
			return nil
		}
	}
	s.teamsByUser[userID] = append(s.teamsByUser[userID], teamID)
	return nil
}

// Credentials --------------------------------------------------------------

type memCredentials MemoryStore

func (s *memCredentials) Upsert(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.credentials {
		if c.SubjectID == cred.SubjectID && c.ProviderID == cred.ProviderID && c.Key == cred.Key {
			s.credentials[i] = cred
			return nil
		}
	}
	s.credentials = append(s.credentials, cred)
	return nil
}

func (s *memCredentials) FindSubject(ctx context.Context, providerID string, lookups map[string]string) (string, error) {
	if len(lookups) == 0 {
		return "", ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Candidate subjects must match every identifying lookup digest.
	matches := make(map[string]int)
	for key, digest := range lookups {
		for _, c := range s.credentials {
			if c.ProviderID == providerID && c.Key == key && c.Lookup != "" && c.Lookup == digest {
				matches[c.SubjectID]++
			}
		}
	}
	for subjectID, n := range matches {
		if n == len(lookups) {
			return subjectID, nil
		}
	}
	return "", ErrNotFound
}

func (s *memCredentials) List(ctx context.Context, subjectID, providerID string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Credential
	for _, c := range s.credentials {
		if c.SubjectID == subjectID && c.ProviderID == providerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memCredentials) DeleteBySubject(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.credentials[:0]
	for _, c := range s.credentials {
		if c.SubjectID != subjectID {
			kept = append(kept, c)
		}
	}
	s.credentials = kept
	return nil
}

// Grants -------------------------------------------------------------------

type memGrants MemoryStore

func (s *memGrants) Grant(ctx context.Context, g PermissionGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if existing.SubjectID == g.SubjectID && existing.Permission == g.Permission {
			return nil
		}
	}
	s.grants = append(s.grants, g)
	return nil
}

func (s *memGrants) Revoke(ctx context.Context, subjectID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.grants[:0]
	for _, g := range s.grants {
		if g.SubjectID == subjectID && g.Permission == permission {
			continue
		}
		kept = append(kept, g)
	}
	s.grants = kept
	return nil
}

func (s *memGrants) GrantsFor(ctx context.Context, subjectIDs []string) ([]PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := toSet(subjectIDs)
	var out []PermissionGrant
	for _, g := range s.grants {
		if _, ok := wanted[g.SubjectID]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memGrants) SetObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteObjectGrantsLocked(objectIDs, objectType, subjectIDs)
	s.addObjectGrantsLocked(objectIDs, objectType, subjectIDs, permissions, grantedBy)
	return nil
}

func (s *memGrants) AddObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addObjectGrantsLocked(objectIDs, objectType, subjectIDs, permissions, grantedBy)
	return nil
}

func (s *memGrants) DeleteObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteObjectGrantsLocked(objectIDs, objectType, subjectIDs)
	return nil
}

func (s *memGrants) addObjectGrantsLocked(objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) {
	now := time.Now().UTC()
	for _, obj := range objectIDs {
		for _, subj := range subjectIDs {
			for _, perm := range permissions {
				if s.hasObjectGrantLocked(obj, objectType, subj, perm) {
					continue
				}
				s.objGrants = append(s.objGrants, ObjectPermissionGrant{
					ObjectID:   obj,
					ObjectType: objectType,
					SubjectID:  subj,
					Permission: perm,
					GrantedBy:  grantedBy,
					GrantedAt:  now,
				})
			}
		}
	}
}

func (s *memGrants) deleteObjectGrantsLocked(objectIDs []string, objectType string, subjectIDs []string) {
	objects := toSet(objectIDs)
	subjects := toSet(subjectIDs)
	kept := s.objGrants[:0]
	for _, g := range s.objGrants {
		_, objHit := objects[g.ObjectID]
		_, subjHit := subjects[g.SubjectID]
		if objHit && subjHit && g.ObjectType == objectType {
			continue
		}
		kept = append(kept, g)
	}
	s.objGrants = kept
}

func (s *memGrants) hasObjectGrantLocked(objectID, objectType, subjectID, permission string) bool {
	for _, g := range s.objGrants {
		if g.ObjectID == objectID && g.ObjectType == objectType && g.SubjectID == subjectID && g.Permission == permission {
			return true
		}
	}
	return false
}

func (s *memGrants) ObjectGrantsFor(ctx context.Context, subjectIDs []string, objectID, objectType string) ([]ObjectPermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := toSet(subjectIDs)
	var out []ObjectPermissionGrant
	for _, g := range s.objGrants {
		if g.ObjectID != objectID || g.ObjectType != objectType {
			continue
		}
		if _, ok := wanted[g.SubjectID]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memGrants) AccessibleObjects(ctx context.Context, subjectIDs []string, objectType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := toSet(subjectIDs)
	seen := make(map[string]struct{})
	var out []string
	for _, g := range s.objGrants {
		if g.ObjectType != objectType {
			continue
		}
		if _, ok := wanted[g.SubjectID]; !ok {
			continue
		}
		if _, dup := seen[g.ObjectID]; dup {
			continue
		}
		seen[g.ObjectID] = struct{}{}
		out = append(out, g.ObjectID)
	}
	sort.Strings(out)
	return out, nil
}

// Tokens -------------------------------------------------------------------

type memTokens MemoryStore

func (s *memTokens) Replace(ctx context.Context, rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.tokens {
		if existing.SessionID == rec.SessionID {
			delete(s.tokens, id)
		}
	}
	cp := *rec
	s.tokens[rec.ID] = &cp
	return nil
}

func (s *memTokens) Find(ctx context.Context, id string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memTokens) FindBySession(ctx context.Context, sessionID string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tokens {
		if rec.SessionID == sessionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memTokens) Rotate(ctx context.Context, id string, next func(old *TokenRecord) (*TokenRecord, error)) error {
	// The whole verify-then-swap runs under the store mutex, mirroring
	// the row lock the Postgres store takes. The loser of a concurrent
	// rotation finds the row gone and fails before next is called.
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	cp := *rec
	replacement, err := next(&cp)
	if err != nil {
		return err
	}
	delete(s.tokens, id)
	for existingID, existing := range s.tokens {
		if existing.SessionID == replacement.SessionID {
			delete(s.tokens, existingID)
		}
	}
	repl := *replacement
	s.tokens[replacement.ID] = &repl
	return nil
}

func (s *memTokens) DeleteBySession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.tokens {
		if rec.SessionID == sessionID {
			delete(s.tokens, id)
		}
	}
	return nil
}

func (s *memTokens) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []string
	for id, rec := range s.tokens {
		if rec.UserID == userID && userID != "" {
			sessions = append(sessions, rec.SessionID)
			delete(s.tokens, id)
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Attempts -----------------------------------------------------------------

type memAttempts MemoryStore

func (s *memAttempts) Create(ctx context.Context, a *AuthAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneAttempt(a)
	s.attempts[a.ID] = cp
	return nil
}

func (s *memAttempts) Find(ctx context.Context, id string) (*AuthAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (s *memAttempts) Update(ctx context.Context, a *AuthAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; !ok {
		return ErrNotFound
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (s *memAttempts) ExpireSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status == AttemptSuccess {
		a.Status = AttemptExpired
		a.Result = nil
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *memAttempts) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.attempts {
		if a.UpdatedAt.Before(cutoff) {
			delete(s.attempts, id)
			n++
		}
	}
	return n, nil
}

// Login log ----------------------------------------------------------------

type memLoginLog MemoryStore

func (s *memLoginLog) Append(ctx context.Context, rec LoginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginLog = append(s.loginLog, rec)
	return nil
}

func (s *memLoginLog) Recent(ctx context.Context, providerID, identifier string, limit int) ([]LoginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LoginRecord
	for i := len(s.loginLog) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.loginLog[i]
		if rec.ProviderID == providerID && rec.Identifier == identifier {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memLoginLog) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.loginLog[:0]
	n := 0
	for _, rec := range s.loginLog {
		if rec.At.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.loginLog = kept
	return n, nil
}

// Sessions -----------------------------------------------------------------

type memSessions MemoryStore

func (s *memSessions) Save(ctx context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.sessions[rec.ID] = &cp
	return nil
}

func (s *memSessions) Find(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memSessions) Touch(ctx context.Context, id string, at time.Time, remoteAddr, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastAccessAt = at
	if remoteAddr != "" {
		rec.RemoteAddr = remoteAddr
	}
	if userAgent != "" {
		rec.UserAgent = userAgent
	}
	return nil
}

func (s *memSessions) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// helpers ------------------------------------------------------------------

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func cloneAttempt(a *AuthAttempt) *AuthAttempt {
	cp := *a
	cp.Entries = make([]ProviderEntry, len(a.Entries))
	for i, e := range a.Entries {
		data := make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		cp.Entries[i] = ProviderEntry{ProviderID: e.ProviderID, ConfigID: e.ConfigID, Data: data}
	}
	if a.Result != nil {
		res := *a.Result
		cp.Result = &res
	}
	return &cp
}
