package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Subjects() SubjectStore       { return &pgSubjects{db: s.db} }
func (s *PGStore) Credentials() CredentialStore { return &pgCredentials{db: s.db} }
func (s *PGStore) Grants() GrantStore           { return &pgGrants{db: s.db} }
func (s *PGStore) Tokens() TokenStore           { return &pgTokens{db: s.db} }
func (s *PGStore) Attempts() AttemptStore       { return &pgAttempts{db: s.db} }
func (s *PGStore) LoginLog() LoginLogStore      { return &pgLoginLog{db: s.db} }
func (s *PGStore) Sessions() SessionStore       { return &pgSessions{db: s.db} }

// Subject store -------------------------------------------------------------
type pgSubjects struct{ db *sql.DB }

func (s *pgSubjects) Create(ctx context.Context, subject *Subject) error {
	meta, _ := json.Marshal(subject.Meta)
	_, err := s.db.ExecContext(ctx,
		`insert into subjects(id, type, name, enabled, default_role, meta, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		subject.ID, subject.Type, subject.Name, subject.Enabled, subject.DefaultRole,
		meta, subject.CreatedAt, subject.UpdatedAt,
	)
	return err
}

func (s *pgSubjects) Find(ctx context.Context, id string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, type, name, enabled, default_role, meta, created_at, updated_at
		 from subjects where id=$1`, id)
	return scanSubject(row)
}

func (s *pgSubjects) FindByName(ctx context.Context, typ SubjectType, name string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, type, name, enabled, default_role, meta, created_at, updated_at
		 from subjects where type=$1 and name=$2`, typ, name)
	return scanSubject(row)
}

func scanSubject(row *sql.Row) (*Subject, error) {
	var (
		subject Subject
		meta    []byte
	)
	if err := row.Scan(&subject.ID, &subject.Type, &subject.Name, &subject.Enabled,
		&subject.DefaultRole, &meta, &subject.CreatedAt, &subject.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(meta, &subject.Meta)
	return &subject, nil
}

func (s *pgSubjects) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from credentials where subject_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from permission_grants where subject_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from object_permission_grants where subject_id=$1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from team_members where user_id=$1 or team_id=$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from subjects where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *pgSubjects) Teams(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select team_id from team_members where user_id=$1 order by created_at asc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		teams = append(teams, id)
	}
	return teams, rows.Err()
}

func (s *pgSubjects) AddToTeam(ctx context.Context, userID, teamID string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into team_members(user_id, team_id) values($1,$2) on conflict do nothing`,
		userID, teamID)
	return err
}

// Credential store ----------------------------------------------------------
type pgCredentials struct{ db *sql.DB }

func (s *pgCredentials) Upsert(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx,
		`insert into credentials(subject_id, provider_id, key, value, lookup)
		 values($1,$2,$3,$4,$5)
		 on conflict (subject_id, provider_id, key)
		 do update set value=excluded.value, lookup=excluded.lookup`,
		cred.SubjectID, cred.ProviderID, cred.Key, cred.Value, cred.Lookup,
	)
	return err
}

func (s *pgCredentials) FindSubject(ctx context.Context, providerID string, lookups map[string]string) (string, error) {
	if len(lookups) == 0 {
		return "", ErrNotFound
	}
	// One self-join pass: count distinct matched keys per subject and
	// require all of them. Lookup digests are deterministic, so plain
	// equality works regardless of the field encryption policy.
	keys := make([]string, 0, len(lookups))
	digests := make([]string, 0, len(lookups))
	for k, d := range lookups {
		keys = append(keys, k)
		digests = append(digests, d)
	}
	row := s.db.QueryRowContext(ctx,
		`select subject_id from credentials
		 where provider_id=$1 and (key, lookup) in
		   (select unnest($2::text[]), unnest($3::text[]))
		 group by subject_id
		 having count(distinct key)=$4`,
		providerID, keys, digests, len(lookups),
	)
	var subjectID string
	if err := row.Scan(&subjectID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return subjectID, nil
}

func (s *pgCredentials) List(ctx context.Context, subjectID, providerID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`select subject_id, provider_id, key, value, lookup, created_at
		 from credentials where subject_id=$1 and provider_id=$2`, subjectID, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.SubjectID, &c.ProviderID, &c.Key, &c.Value, &c.Lookup, &c.CreatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *pgCredentials) DeleteBySubject(ctx context.Context, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `delete from credentials where subject_id=$1`, subjectID)
	return err
}

// Grant store ---------------------------------------------------------------
type pgGrants struct{ db *sql.DB }

func (s *pgGrants) Grant(ctx context.Context, g PermissionGrant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into permission_grants(subject_id, permission, granted_by)
		 values($1,$2,$3) on conflict do nothing`,
		g.SubjectID, g.Permission, g.GrantedBy,
	)
	return err
}

func (s *pgGrants) Revoke(ctx context.Context, subjectID, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from permission_grants where subject_id=$1 and permission=$2`,
		subjectID, permission)
	return err
}

func (s *pgGrants) GrantsFor(ctx context.Context, subjectIDs []string) ([]PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select subject_id, permission, granted_by, granted_at
		 from permission_grants where subject_id = any($1)`, subjectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		if err := rows.Scan(&g.SubjectID, &g.Permission, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *pgGrants) SetObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from object_permission_grants
		 where object_id = any($1) and object_type=$2 and subject_id = any($3)`,
		objectIDs, objectType, subjectIDs); err != nil {
		return err
	}
	if err := insertObjectGrants(ctx, tx, objectIDs, objectType, subjectIDs, permissions, grantedBy); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgGrants) AddObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertObjectGrants(ctx, tx, objectIDs, objectType, subjectIDs, permissions, grantedBy); err != nil {
		return err
	}
	return tx.Commit()
}

func insertObjectGrants(ctx context.Context, tx *sql.Tx, objectIDs []string, objectType string, subjectIDs []string, permissions []string, grantedBy string) error {
	for _, obj := range objectIDs {
		for _, subj := range subjectIDs {
			for _, perm := range permissions {
				if _, err := tx.ExecContext(ctx,
					`insert into object_permission_grants(object_id, object_type, subject_id, permission, granted_by)
					 values($1,$2,$3,$4,$5) on conflict do nothing`,
					obj, objectType, subj, perm, grantedBy); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *pgGrants) DeleteObjectGrants(ctx context.Context, objectIDs []string, objectType string, subjectIDs []string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from object_permission_grants
		 where object_id = any($1) and object_type=$2 and subject_id = any($3)`,
		objectIDs, objectType, subjectIDs)
	return err
}

func (s *pgGrants) ObjectGrantsFor(ctx context.Context, subjectIDs []string, objectID, objectType string) ([]ObjectPermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select object_id, object_type, subject_id, permission, granted_by, granted_at
		 from object_permission_grants
		 where object_id=$1 and object_type=$2 and subject_id = any($3)`,
		objectID, objectType, subjectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []ObjectPermissionGrant
	for rows.Next() {
		var g ObjectPermissionGrant
		if err := rows.Scan(&g.ObjectID, &g.ObjectType, &g.SubjectID, &g.Permission, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *pgGrants) AccessibleObjects(ctx context.Context, subjectIDs []string, objectType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select distinct object_id from object_permission_grants
		 where object_type=$1 and subject_id = any($2) order by object_id`,
		objectType, subjectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		objects = append(objects, id)
	}
	return objects, rows.Err()
}

// Token store ---------------------------------------------------------------
type pgTokens struct{ db *sql.DB }

func (s *pgTokens) Replace(ctx context.Context, rec *TokenRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from auth_tokens where session_id=$1`, rec.SessionID); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertToken(ctx context.Context, tx *sql.Tx, rec *TokenRecord) error {
	_, err := tx.ExecContext(ctx,
		`insert into auth_tokens(id, session_id, user_id, auth_role, refresh_hash, access_hash,
		   access_expires_at, refresh_expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.SessionID, nullString(rec.UserID), rec.AuthRole, rec.RefreshHash,
		rec.AccessHash, rec.AccessExpiresAt, rec.RefreshExpiresAt, rec.CreatedAt,
	)
	return err
}

func (s *pgTokens) Find(ctx context.Context, id string) (*TokenRecord, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`select id, session_id, user_id, auth_role, refresh_hash, access_hash,
		   access_expires_at, refresh_expires_at, created_at
		 from auth_tokens where id=$1`, id))
}

func (s *pgTokens) FindBySession(ctx context.Context, sessionID string) (*TokenRecord, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`select id, session_id, user_id, auth_role, refresh_hash, access_hash,
		   access_expires_at, refresh_expires_at, created_at
		 from auth_tokens where session_id=$1`, sessionID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*TokenRecord, error) {
	var (
		rec    TokenRecord
		userID sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &userID, &rec.AuthRole, &rec.RefreshHash,
		&rec.AccessHash, &rec.AccessExpiresAt, &rec.RefreshExpiresAt, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.UserID = userID.String
	return &rec, nil
}

// Rotate takes a row lock so concurrent refreshes of the same pair
// serialize; the loser finds the row already deleted and gets ErrNotFound.
func (s *pgTokens) Rotate(ctx context.Context, id string, next func(old *TokenRecord) (*TokenRecord, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := scanToken(tx.QueryRowContext(ctx,
		`select id, session_id, user_id, auth_role, refresh_hash, access_hash,
		   access_expires_at, refresh_expires_at, created_at
		 from auth_tokens where id=$1 for update`, id))
	if err != nil {
		return err
	}
	replacement, err := next(old)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from auth_tokens where session_id=$1`, replacement.SessionID); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, replacement); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgTokens) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `delete from auth_tokens where session_id=$1`, sessionID)
	return err
}

func (s *pgTokens) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`delete from auth_tokens where user_id=$1 returning session_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// Attempt store -------------------------------------------------------------
type pgAttempts struct{ db *sql.DB }

func (s *pgAttempts) Create(ctx context.Context, a *AuthAttempt) error {
	entries, _ := json.Marshal(a.Entries)
	result, _ := json.Marshal(a.Result)
	_, err := s.db.ExecContext(ctx,
		`insert into auth_attempts(id, status, app_session_id, prev_session_id, is_main,
		   force_logout, entries, error_code, error_message, result, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.Status, a.AppSessionID, nullString(a.PrevSessionID), a.IsMain,
		a.ForceLogout, entries, a.ErrorCode, a.ErrorMessage, result, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *pgAttempts) Find(ctx context.Context, id string) (*AuthAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, status, app_session_id, prev_session_id, is_main, force_logout,
		   entries, error_code, error_message, result, created_at, updated_at
		 from auth_attempts where id=$1`, id)
	var (
		a       AuthAttempt
		prev    sql.NullString
		entries []byte
		result  []byte
	)
	if err := row.Scan(&a.ID, &a.Status, &a.AppSessionID, &prev, &a.IsMain, &a.ForceLogout,
		&entries, &a.ErrorCode, &a.ErrorMessage, &result, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.PrevSessionID = prev.String
	_ = json.Unmarshal(entries, &a.Entries)
	if len(result) > 0 && string(result) != "null" {
		a.Result = &AuthResult{}
		_ = json.Unmarshal(result, a.Result)
	}
	return &a, nil
}

func (s *pgAttempts) Update(ctx context.Context, a *AuthAttempt) error {
	entries, _ := json.Marshal(a.Entries)
	result, _ := json.Marshal(a.Result)
	res, err := s.db.ExecContext(ctx,
		`update auth_attempts set status=$2, entries=$3, error_code=$4, error_message=$5,
		   result=$6, updated_at=$7
		 where id=$1`,
		a.ID, a.Status, entries, a.ErrorCode, a.ErrorMessage, result, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAttempts) ExpireSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update auth_attempts set status=$2, result=null, updated_at=now()
		 where id=$1 and status=$3`,
		id, AttemptExpired, AttemptSuccess)
	return err
}

func (s *pgAttempts) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from auth_attempts where updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Login log store -----------------------------------------------------------
type pgLoginLog struct{ db *sql.DB }

func (s *pgLoginLog) Append(ctx context.Context, rec LoginRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into login_attempts(provider_id, identifier, success, at) values($1,$2,$3,$4)`,
		rec.ProviderID, rec.Identifier, rec.Success, rec.At,
	)
	return err
}

func (s *pgLoginLog) Recent(ctx context.Context, providerID, identifier string, limit int) ([]LoginRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`select provider_id, identifier, success, at from login_attempts
		 where provider_id=$1 and identifier=$2 order by at desc limit $3`,
		providerID, identifier, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []LoginRecord
	for rows.Next() {
		var rec LoginRecord
		if err := rows.Scan(&rec.ProviderID, &rec.Identifier, &rec.Success, &rec.At); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *pgLoginLog) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from login_attempts where at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Session store -------------------------------------------------------------
type pgSessions struct{ db *sql.DB }

func (s *pgSessions) Save(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, created_at, last_access_at, remote_addr, user_agent)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (id) do update set user_id=excluded.user_id,
		   last_access_at=excluded.last_access_at,
		   remote_addr=excluded.remote_addr, user_agent=excluded.user_agent`,
		rec.ID, nullString(rec.UserID), rec.CreatedAt, rec.LastAccessAt, rec.RemoteAddr, rec.UserAgent,
	)
	return err
}

func (s *pgSessions) Find(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, created_at, last_access_at, remote_addr, user_agent
		 from sessions where id=$1`, id)
	var (
		rec    SessionRecord
		userID sql.NullString
	)
	if err := row.Scan(&rec.ID, &userID, &rec.CreatedAt, &rec.LastAccessAt, &rec.RemoteAddr, &rec.UserAgent); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.UserID = userID.String
	rec.Persisted = true
	return &rec, nil
}

func (s *pgSessions) Touch(ctx context.Context, id string, at time.Time, remoteAddr, userAgent string) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set last_access_at=$2,
		   remote_addr=coalesce(nullif($3,''), remote_addr),
		   user_agent=coalesce(nullif($4,''), user_agent)
		 where id=$1`,
		id, at, remoteAddr, userAgent)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSessions) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
