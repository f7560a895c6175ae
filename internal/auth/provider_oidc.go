package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"sentra.dev/internal/ids"
)

// Entry data keys populated by the federated exchange.
const (
	oidcDataSubject = "oidc_subject"
	oidcDataEmail   = "email"
	oidcDataName    = "name"
	oidcDataGroups  = "groups"
	oidcDataNonce   = "nonce"
	oidcDataCode    = "code"
)

// OIDCConfig describes one upstream identity provider.
type OIDCConfig struct {
	ID            string
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	Enabled       bool
	AutoProvision bool
}

// OIDCProvider is the federated provider: login happens through an
// external redirect/callback round trip against an upstream OIDC issuer.
type OIDCProvider struct {
	id            string
	oauthConfig   *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	endSessionURL string
	enabled       bool
	autoProvision bool
}

// NewOIDCProvider initializes the provider via issuer discovery.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("auth: issuer required for provider %s", cfg.ID)
	}
	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discover provider %s: %w", cfg.ID, err)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	var discovered struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	_ = op.Claims(&discovered)

	return &OIDCProvider{
		id: cfg.ID,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:      op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		endSessionURL: discovered.EndSessionEndpoint,
		enabled:       cfg.Enabled,
		autoProvision: cfg.AutoProvision,
	}, nil
}

func (p *OIDCProvider) ID() string { return p.id }
func (p *OIDCProvider) Kind() Kind { return KindFederated }
func (p *OIDCProvider) Enabled(configID string) bool { return p.enabled }

// InputIdentifier: there is no pre-exchange identifier for a federated
// login, so the brute-force guard does not apply.
func (p *OIDCProvider) InputIdentifier(creds map[string]string) string { return "" }

// SignInLink embeds the attempt id as the OAuth state parameter so the
// callback can locate the pending attempt. The nonce travels as the
// standard authorize parameter; Exchange requires the id_token to echo
// it back.
func (p *OIDCProvider) SignInLink(attemptID, nonce string) string {
	if nonce == "" {
		return p.oauthConfig.AuthCodeURL(attemptID)
	}
	return p.oauthConfig.AuthCodeURL(attemptID, oauth2.SetAuthURLParam("nonce", nonce))
}

func (p *OIDCProvider) SignOutLink(attemptID string) string {
	if p.endSessionURL == "" {
		return ""
	}
	return p.endSessionURL + "?state=" + url.QueryEscape(attemptID)
}

// Exchange completes the callback leg: code exchange, id_token
// verification and claim extraction into the entry data.
func (p *OIDCProvider) Exchange(ctx context.Context, entry *ProviderEntry, callbackParams map[string]string) error {
	code := callbackParams[oidcDataCode]
	if code == "" {
		return errors.New("auth: callback code missing")
	}
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("auth: exchange code: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return errors.New("auth: id_token missing in response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return fmt.Errorf("auth: verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return fmt.Errorf("auth: parse claims: %w", err)
	}
	if expected := entry.Data[oidcDataNonce]; expected != "" {
		if nonce, ok := claims["nonce"].(string); !ok || nonce != expected {
			return errors.New("auth: nonce mismatch")
		}
	}

	if entry.Data == nil {
		entry.Data = make(map[string]string)
	}
	entry.Data[oidcDataSubject] = idToken.Subject
	if email, ok := claims["email"].(string); ok {
		entry.Data[oidcDataEmail] = email
	}
	if name, ok := claims["name"].(string); ok {
		entry.Data[oidcDataName] = name
	}
	if groups, ok := claims["groups"].([]any); ok {
		var names []string
		for _, g := range groups {
			if s, ok := g.(string); ok {
				names = append(names, s)
			}
		}
		entry.Data[oidcDataGroups] = strings.Join(names, ",")
	}
	return nil
}

// Resolve maps the verified external subject onto a local subject,
// provisioning identity from federated claims when permitted.
func (p *OIDCProvider) Resolve(ctx context.Context, store Store, entry *ProviderEntry) (string, error) {
	external := entry.Data[oidcDataSubject]
	if external == "" {
		return "", ErrInvalidCredentials
	}
	lookups := map[string]string{"subject": LookupDigest(external)}
	subjectID, err := store.Credentials().FindSubject(ctx, p.id, lookups)
	if err == nil {
		return subjectID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", storageErr("find subject by external id", err)
	}
	if !p.autoProvision {
		return "", ErrInvalidCredentials
	}
	return p.provision(ctx, store, external, entry)
}

// DetectAutoAssignments maps upstream group claims to team names.
func (p *OIDCProvider) DetectAutoAssignments(ctx context.Context, entry *ProviderEntry) ([]string, string) {
	var teams []string
	for _, g := range strings.Split(entry.Data[oidcDataGroups], ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			teams = append(teams, g)
		}
	}
	return teams, ""
}

func (p *OIDCProvider) provision(ctx context.Context, store Store, external string, entry *ProviderEntry) (string, error) {
	name := entry.Data[oidcDataEmail]
	if name == "" {
		name = entry.Data[oidcDataName]
	}
	if name == "" {
		name = p.id + ":" + external
	}
	now := time.Now().UTC()
	user := &Subject{
		ID:      ids.New(),
		Type:    SubjectUser,
		Name:    name,
		Enabled: true,
		Meta: map[string]string{
			"provisioned_by": p.id,
			"external_id":    external,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Subjects().Create(ctx, user); err != nil {
		return "", storageErr("provision federated user", err)
	}
	team := &Subject{
		ID:        ids.New(),
		Type:      SubjectTeam,
		Name:      name + "@self",
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Subjects().Create(ctx, team); err != nil {
		return "", storageErr("provision default user team", err)
	}
	if err := store.Subjects().AddToTeam(ctx, user.ID, team.ID); err != nil {
		return "", storageErr("assign default user team", err)
	}
	cred := Credential{
		SubjectID:  user.ID,
		ProviderID: p.id,
		Key:        "subject",
		Value:      external,
		Lookup:     LookupDigest(external),
	}
	if err := store.Credentials().Upsert(ctx, cred); err != nil {
		return "", storageErr("store federated credential", err)
	}
	return user.ID, nil
}
