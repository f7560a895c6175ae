package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func testTokenService(t *testing.T, now *time.Time) (*TokenService, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewTokenService(store,
		WithTokenSecret("test-secret"),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(24*time.Hour),
		WithClock(func() time.Time { return *now }),
	)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, store
}

func TestTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService(NewMemoryStore()); err == nil {
		t.Fatal("expected error without a signing secret")
	}
}

func TestMintAndAuthenticate(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token pair")
	}
	if !strings.Contains(pair.RefreshToken, ".") {
		t.Fatalf("refresh token missing row id prefix: %q", pair.RefreshToken)
	}

	info, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.UserID != "user-1" || info.SessionID != "sess-1" || info.AuthRole != "user" {
		t.Fatalf("unexpected token info: %+v", info)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)

	if _, err := svc.Authenticate(context.Background(), "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateExpiredAccess(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrAccessTokenExpired) {
		t.Fatalf("expected ErrAccessTokenExpired, got %v", err)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if next.SessionID != "sess-1" || next.UserID != "user-1" {
		t.Fatalf("rotated pair lost identity: %+v", next)
	}

	// The consumed refresh token and the old access token are both dead.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenMismatch) {
		t.Fatalf("expected ErrRefreshTokenMismatch for consumed token, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for superseded access token, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, next.AccessToken); err != nil {
		t.Fatalf("rotated access token rejected: %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	now = now.Add(25 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
}

func TestRefreshWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	rowID, _, err := splitRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("splitRefreshToken: %v", err)
	}
	if _, err := svc.Refresh(ctx, rowID+".forged"); !errors.Is(err, ErrRefreshTokenMismatch) {
		t.Fatalf("expected ErrRefreshTokenMismatch, got %v", err)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Two racing rotations of the same refresh token: the store's row
	// lock lets exactly one through, the other sees the old row gone.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrRefreshTokenMismatch):
			lost++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("want exactly one winner, got %d winners / %d losers (%v)", won, lost, errs)
	}
}

func TestMintReplacesExistingPair(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	first, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	second, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := svc.Authenticate(ctx, first.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected old pair invalidated, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, second.AccessToken); err != nil {
		t.Fatalf("new pair rejected: %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	for _, sid := range []string{"sess-1", "sess-2"} {
		if _, err := svc.Mint(ctx, sid, "user-1", "user"); err != nil {
			t.Fatalf("Mint %s: %v", sid, err)
		}
	}
	other, err := svc.Mint(ctx, "sess-3", "user-2", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	sessions, err := svc.RevokeAllForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected two revoked sessions, got %v", sessions)
	}
	if _, err := svc.Authenticate(ctx, other.AccessToken); err != nil {
		t.Fatalf("unrelated user's token revoked: %v", err)
	}
}

func TestRevokeSession(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.Mint(ctx, "sess-1", "user-1", "user")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := svc.RevokeSession(ctx, "sess-1"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenMismatch) {
		t.Fatalf("expected ErrRefreshTokenMismatch after logout, got %v", err)
	}
}
