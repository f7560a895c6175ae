package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sentra.dev/internal/auth"
	"sentra.dev/internal/session"
)

// Stream handles Server-Sent Events for session change notifications.
// The caller first receives everything queued on its session (including
// the cache-expired marker after a restart), then live events as they
// are published.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.broadcaster == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.broadcaster.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	if s, found := a.registry.Peek(principal.SessionID); found {
		if s.CacheExpired() {
			writeSSE(w, session.Event{
				Topic:     session.TopicCacheExpired,
				SessionID: s.ID,
				At:        time.Now().UTC(),
			})
			s.AckCacheExpired()
		}
		for _, evt := range s.DrainEvents() {
			writeSSE(w, evt)
		}
		flusher.Flush()
	}

	for event := range ch {
		// Addressed events only reach their own session's stream.
		if event.SessionID != "" && event.SessionID != principal.SessionID {
			continue
		}
		writeSSE(w, event)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event session.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
