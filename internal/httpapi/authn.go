package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/auth"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionHeader = "X-App-Session-Id"
)

var publicPaths = []string{
	"/v1/auth/authenticate",
	"/v1/auth/anonymous",
	"/v1/auth/callback",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}
var publicPrefixes = []string{
	"/v1/auth/attempts/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		info, err := a.tokens.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrAccessTokenExpired):
				writeError(w, r, http.StatusUnauthorized, "access token expired")
			case errors.Is(err, auth.ErrUnauthorized):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		principal := auth.Principal{
			UserID:    info.UserID,
			SessionID: info.SessionID,
			AuthRole:  info.AuthRole,
		}
		if a.registry != nil {
			s, err := a.registry.Authenticated(r.Context(), info.SessionID, info.UserID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "session load failed")
				return
			}
			principal.Permissions = s.Permissions()
			a.registry.Touch(r.Context(), info.SessionID, clientIP(r), r.UserAgent())
		} else if a.resolver != nil && info.UserID != "" {
			perms, err := a.resolver.EffectivePermissions(r.Context(), info.UserID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "permission resolution failed")
				return
			}
			principal.Permissions = perms
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requirePermission(ctx context.Context, perm string) error {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return auth.ErrUnauthorized
	}
	if !principal.HasPermission(perm) {
		return auth.ErrPermissionDenied
	}
	return nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
