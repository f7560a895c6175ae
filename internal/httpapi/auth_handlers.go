package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/auth"
	"sentra.dev/internal/obs"
)

type authenticateRequest struct {
	ProviderID  string            `json:"provider_id"`
	ConfigID    string            `json:"config_id"`
	Credentials map[string]string `json:"credentials"`
	ForceLogout bool              `json:"force_logout"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleAuthenticate starts a login attempt for the session named by the
// X-App-Session-Id header. Local providers resolve synchronously and
// return tokens; federated providers return a sign-in link and the
// attempt id to poll.
func (a *API) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, "X-App-Session-Id header is required")
		return
	}
	var req authenticateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ProviderID) == "" {
		writeError(w, r, http.StatusBadRequest, "provider_id is required")
		return
	}

	result, err := a.machine.Begin(r.Context(), auth.BeginRequest{
		AppSessionID:  sessionID,
		PrevSessionID: strings.TrimSpace(r.Header.Get("X-Prev-Session-Id")),
		ProviderID:    req.ProviderID,
		ConfigID:      req.ConfigID,
		Credentials:   req.Credentials,
		SessionParams: map[string]string{
			"remote_addr": clientIP(r),
			"user_agent":  r.UserAgent(),
		},
		ForceLogout: req.ForceLogout,
	})
	if err != nil {
		obs.LoginAttempts.WithLabelValues(req.ProviderID, "failure").Inc()
		if errors.Is(err, auth.ErrAccountLocked) {
			obs.Lockouts.Inc()
		}
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"provider_id": req.ProviderID,
			"session_id":  sessionID,
			"error":       err.Error(),
		})
		handleAuthError(w, r, err)
		return
	}

	outcome := "success"
	if result.Status == auth.AttemptInProgress {
		outcome = "pending"
	}
	obs.LoginAttempts.WithLabelValues(req.ProviderID, outcome).Inc()
	_ = audit.LogEvent(r.Context(), "auth.login."+outcome, map[string]any{
		"provider_id": req.ProviderID,
		"session_id":  sessionID,
		"attempt_id":  result.AttemptID,
	})

	if a.registry != nil && result.Status == auth.AttemptSuccess {
		if _, err := a.registry.Bind(r.Context(), sessionID, result.UserID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "session bind failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAnonymous establishes an anonymous session when the deployment
// allows it.
func (a *API) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, "X-App-Session-Id header is required")
		return
	}
	result, err := a.machine.BeginAnonymous(r.Context(), sessionID, map[string]string{
		"remote_addr": clientIP(r),
		"user_agent":  r.UserAgent(),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.LoginAttempts.WithLabelValues("anonymous", "success").Inc()
	writeJSON(w, http.StatusOK, result)
}

// handleAttemptResource serves GET /v1/auth/attempts/{id} and
// POST /v1/auth/attempts/{id}/finish.
func (a *API) handleAttemptResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/auth/attempts/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.attemptStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "finish":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.attemptFinish(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) attemptStatus(w http.ResponseWriter, r *http.Request, id string) {
	result, err := a.machine.Status(r.Context(), id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if a.registry != nil && result.Status == auth.AttemptSuccess && result.SessionID != "" {
		if _, err := a.registry.Bind(r.Context(), result.SessionID, result.UserID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "session bind failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) attemptFinish(w http.ResponseWriter, r *http.Request, id string) {
	result, err := a.machine.Finish(r.Context(), id, false)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if a.registry != nil && result.SessionID != "" {
		if _, err := a.registry.Bind(r.Context(), result.SessionID, result.UserID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "session bind failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCallback receives the upstream identity provider redirect. The
// attempt id travels in the OAuth state parameter.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	attemptID := strings.TrimSpace(q.Get("state"))
	if attemptID == "" {
		writeError(w, r, http.StatusBadRequest, "state is required")
		return
	}
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		_ = a.machine.UpdateStatus(r.Context(), attemptID, "", "", nil,
			"upstream_error", q.Get("error_description"))
		writeError(w, r, http.StatusBadGateway, "upstream login failed")
		return
	}
	params := map[string]string{"code": q.Get("code")}
	result, err := a.machine.Callback(r.Context(), attemptID, params)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.callback.failed", map[string]any{
			"attempt_id": attemptID,
			"error":      err.Error(),
		})
		handleAuthError(w, r, err)
		return
	}
	if a.registry != nil && result.SessionID != "" {
		if _, err := a.registry.Bind(r.Context(), result.SessionID, result.UserID); err != nil {
			writeError(w, r, http.StatusInternalServerError, "session bind failed")
			return
		}
	}
	_ = audit.LogEvent(r.Context(), "auth.callback.completed", map[string]any{
		"attempt_id": attemptID,
		"session_id": result.SessionID,
	})
	// The client polls the attempt for its tokens; the browser tab that
	// performed the redirect only needs a terminal page.
	writeJSON(w, http.StatusOK, map[string]any{
		"attempt_id": result.AttemptID,
		"status":     result.Status,
	})
}

// handleRefresh rotates a token pair. Single use: the presented refresh
// token is consumed whether or not the rotation wins.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.TokenRefreshes.WithLabelValues("failure").Inc()
		handleAuthError(w, r, err)
		return
	}
	obs.TokenRefreshes.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the caller's session.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.machine.Logout(r.Context(), principal.SessionID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if a.registry != nil {
		a.registry.Evict(principal.SessionID)
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"session_id": principal.SessionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handlePermissions reports the caller's effective permissions. With an
// object_type query parameter it reports accessible object ids instead;
// adding object_id narrows to permissions on that one object.
func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	q := r.URL.Query()
	objectType := strings.TrimSpace(q.Get("object_type"))
	objectID := strings.TrimSpace(q.Get("object_id"))

	switch {
	case objectType != "" && objectID != "":
		perms, err := a.resolver.ObjectPermissions(r.Context(), principal.UserID, objectID, objectType)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object_id":   objectID,
			"object_type": objectType,
			"permissions": auth.SortedPermissions(perms),
		})
	case objectType != "":
		objects, err := a.resolver.AccessibleObjects(r.Context(), principal.UserID, objectType)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object_type": objectType,
			"object_ids":  objects,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":     principal.UserID,
			"session_id":  principal.SessionID,
			"auth_role":   principal.AuthRole,
			"permissions": auth.SortedPermissions(principal.Permissions),
		})
	}
}
