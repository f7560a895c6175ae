package auth

import (
	"context"
	"fmt"
)

// Kind is the closed set of provider capabilities the attempt state
// machine branches on.
type Kind int

const (
	// KindLocal providers validate submitted credentials synchronously.
	KindLocal Kind = iota
	// KindFederated providers require an external redirect/callback
	// round trip before the attempt can finish.
	KindFederated
	// KindTrusted providers accept identity claims from a trusted
	// upstream (reverse proxy) without interactive credential exchange.
	KindTrusted
)

// Provider is an authentication backend.
type Provider interface {
	ID() string
	Kind() Kind
	// Enabled reports whether the provider accepts logins for the given
	// configuration.
	Enabled(configID string) bool
	// InputIdentifier extracts the brute-force identifier from the
	// submitted credentials; empty disables guarding for the attempt.
	InputIdentifier(creds map[string]string) string
	// Resolve authenticates the entry's accumulated data and returns the
	// backing subject id, provisioning one when the provider permits.
	Resolve(ctx context.Context, store Store, entry *ProviderEntry) (string, error)
}

// Federated is implemented by redirect-based providers.
type Federated interface {
	Provider
	// SignInLink builds the external sign-in URL with the attempt id
	// embedded as the callback state parameter and the nonce forwarded
	// so the upstream echoes it into the id_token.
	SignInLink(attemptID, nonce string) string
	SignOutLink(attemptID string) string
	// Exchange completes the callback leg, merging verified external
	// claims into the entry data.
	Exchange(ctx context.Context, entry *ProviderEntry, callbackParams map[string]string) error
}

// AutoAssigner is implemented by providers that derive team membership
// or an auth role from provider data.
type AutoAssigner interface {
	// DetectAutoAssignments returns team ids to join and the auth role,
	// both possibly empty.
	DetectAutoAssignments(ctx context.Context, entry *ProviderEntry) (teams []string, role string)
}

// ProviderRegistry is the provider lookup map, built once at startup.
type ProviderRegistry struct {
	providers map[string]Provider
	order     []string
}

// NewProviderRegistry builds an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider; duplicate ids are a programming error.
func (r *ProviderRegistry) Register(p Provider) error {
	if _, ok := r.providers[p.ID()]; ok {
		return fmt.Errorf("auth: provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	r.order = append(r.order, p.ID())
	return nil
}

// Lookup returns the provider for id.
func (r *ProviderRegistry) Lookup(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns provider ids in registration order.
func (r *ProviderRegistry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
