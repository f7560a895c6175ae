package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/auth"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/session"
)

// ReadyProbe checks downstream readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the wired services for the HTTP layer.
type Options struct {
	ReadyProbe  ReadyProbe
	Version     string
	Machine     *auth.StateMachine
	Tokens      *auth.TokenService
	Resolver    *auth.Resolver
	Admin       *auth.AdminService
	Registry    *session.Registry
	Broadcaster *session.Broadcaster
	// RateLimitBurst/PerSecond of 0 disables per-IP rate limiting.
	RateLimitBurst     int
	RateLimitPerSecond int
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	readyProbe  ReadyProbe
	version     string
	machine     *auth.StateMachine
	tokens      *auth.TokenService
	resolver    *auth.Resolver
	admin       *auth.AdminService
	registry    *session.Registry
	broadcaster *session.Broadcaster
	rlBurst     int
	rlPerSecond int
}

func New(opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  opts.ReadyProbe,
		version:     opts.Version,
		machine:     opts.Machine,
		tokens:      opts.Tokens,
		resolver:    opts.Resolver,
		admin:       opts.Admin,
		registry:    opts.Registry,
		broadcaster: opts.Broadcaster,
		rlBurst:     opts.RateLimitBurst,
		rlPerSecond: opts.RateLimitPerSecond,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth flow
	a.mux.HandleFunc("/v1/auth/authenticate", a.handleAuthenticate)
	a.mux.HandleFunc("/v1/auth/anonymous", a.handleAnonymous)
	a.mux.HandleFunc("/v1/auth/attempts/", a.handleAttemptResource)
	a.mux.HandleFunc("/v1/auth/callback", a.handleCallback)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/permissions", a.handlePermissions)

	// administration
	a.mux.HandleFunc("/v1/permissions/grants", a.handleGrants)
	a.mux.HandleFunc("/v1/permissions/objects", a.handleObjectGrants)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// event stream
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	if a.rlBurst > 0 && a.rlPerSecond > 0 {
		h = RateLimit(h, a.rlBurst, a.rlPerSecond)
	}
	h = RequestID(h)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = CORS(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sentra-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sentra-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps the auth error taxonomy onto HTTP statuses. A
// lockout carries its expiry in the Retry-After header.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var lockout *auth.LockoutError
	switch {
	case errors.As(err, &lockout):
		w.Header().Set("Retry-After", lockout.Until.UTC().Format(http.TimeFormat))
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrMultipleIdentities):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrProviderDisabled):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrAttemptNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrAttemptCompleted):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrAccessTokenExpired),
		errors.Is(err, auth.ErrRefreshTokenExpired),
		errors.Is(err, auth.ErrRefreshTokenMismatch),
		errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
