package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func tokenColumns() []string {
	return []string{"id", "session_id", "user_id", "auth_role", "refresh_hash", "access_hash",
		"access_expires_at", "refresh_expires_at", "created_at"}
}

func TestPGSubjectFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	now := time.Now().UTC()
	mock.ExpectQuery("from subjects where id=").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "name", "enabled", "default_role", "meta", "created_at", "updated_at"}).
			AddRow("user-1", "user", "alice", true, "admin", []byte(`{"source":"import"}`), now, now))

	subject, err := store.Subjects().Find(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if subject.Name != "alice" || subject.DefaultRole != "admin" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if subject.Meta["source"] != "import" {
		t.Fatalf("meta not decoded: %+v", subject.Meta)
	}

	mock.ExpectQuery("from subjects where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.Subjects().Find(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSubjectDeleteCascades(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("delete from credentials where subject_id=").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from permission_grants where subject_id=").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from object_permission_grants where subject_id=").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from team_members where user_id=").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from subjects where id=").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Subjects().Delete(context.Background(), "user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTokenReplace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("delete from auth_tokens where session_id=").WithArgs("sess-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into auth_tokens").
		WithArgs("row-1", "sess-1", sqlmock.AnyArg(), "user", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	err = store.Tokens().Replace(context.Background(), &TokenRecord{
		ID:               "row-1",
		SessionID:        "sess-1",
		UserID:           "user-1",
		AuthRole:         "user",
		RefreshHash:      tokenDigest("refresh"),
		AccessHash:       tokenDigest("access"),
		AccessExpiresAt:  now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(24 * time.Hour),
		CreatedAt:        now,
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTokenRotateViaRefresh(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	svc, err := NewTokenService(store, WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("from auth_tokens where id=.*for update").
		WithArgs("row-1").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("row-1", "sess-1", "user-1", "user", tokenDigest("secret"), tokenDigest("old-access"),
				now.Add(15*time.Minute), now.Add(24*time.Hour), now))
	mock.ExpectExec("delete from auth_tokens where session_id=").WithArgs("sess-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into auth_tokens").
		WithArgs(sqlmock.AnyArg(), "sess-1", sqlmock.AnyArg(), "user", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pair, err := svc.Refresh(context.Background(), "row-1.secret")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.SessionID != "sess-1" || pair.UserID != "user-1" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTokenRotateWrongSecretRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	svc, err := NewTokenService(store, WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("from auth_tokens where id=.*for update").
		WithArgs("row-1").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("row-1", "sess-1", "user-1", "user", tokenDigest("secret"), tokenDigest("old-access"),
				now.Add(15*time.Minute), now.Add(24*time.Hour), now))
	mock.ExpectRollback()

	if _, err := svc.Refresh(context.Background(), "row-1.forged"); !errors.Is(err, ErrRefreshTokenMismatch) {
		t.Fatalf("expected ErrRefreshTokenMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTokenDeleteByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectQuery("delete from auth_tokens where user_id=.*returning session_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("sess-1").AddRow("sess-2"))

	sessions, err := store.Tokens().DeleteByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %v", sessions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSessionTouchMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	mock.ExpectExec("update sessions set last_access_at=").
		WithArgs("missing", sqlmock.AnyArg(), "10.0.0.1", "curl").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Sessions().Touch(context.Background(), "missing", time.Now().UTC(), "10.0.0.1", "curl")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAttemptRoundtrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	now := time.Now().UTC()
	entries := []byte(`[{"provider_id":"local","data":{"username":"alice"}}]`)
	result := []byte(`{"attempt_id":"att-1","status":"SUCCESS","session_id":"sess-1"}`)

	mock.ExpectQuery("from auth_attempts where id=").
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "app_session_id", "prev_session_id", "is_main",
			"force_logout", "entries", "error_code", "error_message", "result", "created_at", "updated_at"}).
			AddRow("att-1", "SUCCESS", "sess-1", nil, true, false, entries, "", "", result, now, now))

	attempt, err := store.Attempts().Find(context.Background(), "att-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if attempt.Status != AttemptSuccess || !attempt.IsMain {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if len(attempt.Entries) != 1 || attempt.Entries[0].Data["username"] != "alice" {
		t.Fatalf("entries not decoded: %+v", attempt.Entries)
	}
	if attempt.Result == nil || attempt.Result.SessionID != "sess-1" {
		t.Fatalf("result not decoded: %+v", attempt.Result)
	}

	// A stored SQL null result stays nil.
	mock.ExpectQuery("from auth_attempts where id=").
		WithArgs("att-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "app_session_id", "prev_session_id", "is_main",
			"force_logout", "entries", "error_code", "error_message", "result", "created_at", "updated_at"}).
			AddRow("att-2", "IN_PROGRESS", "sess-1", nil, true, false, []byte(`[]`), "", "", []byte("null"), now, now))
	pending, err := store.Attempts().Find(context.Background(), "att-2")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if pending.Result != nil {
		t.Fatalf("expected nil result, got %+v", pending.Result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGLoginLogRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPGStore(db)

	now := time.Now().UTC()
	mock.ExpectQuery("order by at desc limit").
		WithArgs("local", "alice", 12).
		WillReturnRows(sqlmock.NewRows([]string{"provider_id", "identifier", "success", "at"}).
			AddRow("local", "alice", false, now).
			AddRow("local", "alice", true, now.Add(-time.Minute)))

	recs, err := store.LoginLog().Recent(context.Background(), "local", "alice", 12)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 || recs[0].Success {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
