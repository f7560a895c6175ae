package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sentra.dev/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// TokenService mints, rotates and validates token pairs. Access tokens
// are HS256 JWTs carrying the session id and the token row id (jti);
// refresh tokens are opaque "<rowID>.<secret>" strings whose secret is
// stored as a SHA-256 digest.
type TokenService struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithTokenSecret sets the HS256 signing secret.
func WithTokenSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: token secret is required")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService.
func NewTokenService(store Store, opts ...TokenOption) (*TokenService, error) {
	s := &TokenService{
		store:      store,
		issuer:     "sentra-auth",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if len(s.secret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	return s, nil
}

type accessClaims struct {
	SessionID string `json:"sid"`
	AuthRole  string `json:"auth_role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Mint replaces any existing pair for the session with a fresh one. The
// delete-and-insert happens in one transaction so two valid pairs never
// coexist.
func (s *TokenService) Mint(ctx context.Context, sessionID, userID, authRole string) (TokenPair, error) {
	rec, pair, err := s.buildPair(sessionID, userID, authRole)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.Tokens().Replace(ctx, rec); err != nil {
		return TokenPair{}, storageErr("replace token pair", err)
	}
	return pair, nil
}

// Refresh rotates the pair identified by the presented refresh token.
// The verify-then-swap runs under the store's row lock: of two
// concurrent refreshes at most one succeeds, the other observes the old
// row gone and fails with ErrRefreshTokenMismatch.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	rowID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrRefreshTokenMismatch
	}
	var pair TokenPair
	err = s.store.Tokens().Rotate(ctx, rowID, func(old *TokenRecord) (*TokenRecord, error) {
		if tokenDigest(secret) != old.RefreshHash {
			return nil, ErrRefreshTokenMismatch
		}
		if s.now().After(old.RefreshExpiresAt) {
			return nil, ErrRefreshTokenExpired
		}
		next, p, err := s.buildPair(old.SessionID, old.UserID, old.AuthRole)
		if err != nil {
			return nil, err
		}
		pair = p
		return next, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrRefreshTokenMismatch
		}
		return TokenPair{}, err
	}
	return pair, nil
}

// RevokeAllForUser deletes every pair owned by the user and returns the
// affected session ids so the caller can emit a close-sessions event.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	sessions, err := s.store.Tokens().DeleteByUser(ctx, userID)
	if err != nil {
		return nil, storageErr("revoke tokens", err)
	}
	return sessions, nil
}

// RevokeSession deletes the pair for one session (logout).
func (s *TokenService) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.store.Tokens().DeleteBySession(ctx, sessionID); err != nil {
		return storageErr("revoke session tokens", err)
	}
	return nil
}

// Authenticate validates a presented access token against both its
// signature and the live token row. An expired-but-well-formed token
// fails with ErrAccessTokenExpired so clients can distinguish "refresh
// now" from "invalid token".
func (s *TokenService) Authenticate(ctx context.Context, accessToken string) (TokenInfo, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthorized
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenInfo{}, ErrAccessTokenExpired
		}
		return TokenInfo{}, ErrUnauthorized
	}
	if !parsed.Valid || claims.TokenType != "access" || claims.ID == "" {
		return TokenInfo{}, ErrUnauthorized
	}
	rec, err := s.store.Tokens().Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Row gone: rotated away, logged out or revoked.
			return TokenInfo{}, ErrUnauthorized
		}
		return TokenInfo{}, storageErr("find token", err)
	}
	if tokenDigest(accessToken) != rec.AccessHash {
		return TokenInfo{}, ErrUnauthorized
	}
	if s.now().After(rec.AccessExpiresAt) {
		return TokenInfo{}, ErrAccessTokenExpired
	}
	return TokenInfo{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		AuthRole:  rec.AuthRole,
	}, nil
}

func (s *TokenService) buildPair(sessionID, userID, authRole string) (*TokenRecord, TokenPair, error) {
	now := s.now().UTC()
	rowID := ids.New()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, TokenPair{}, err
	}
	refreshSecret := base64.RawURLEncoding.EncodeToString(secretBytes)
	refreshToken := rowID + "." + refreshSecret

	claims := accessClaims{
		SessionID: sessionID,
		AuthRole:  authRole,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        rowID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, TokenPair{}, err
	}

	rec := &TokenRecord{
		ID:               rowID,
		SessionID:        sessionID,
		UserID:           userID,
		AuthRole:         authRole,
		RefreshHash:      tokenDigest(refreshSecret),
		AccessHash:       tokenDigest(accessToken),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		CreatedAt:        now,
	}
	pair := TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		SessionID:        sessionID,
		UserID:           userID,
		AuthRole:         authRole,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return rec, pair, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func tokenDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
