package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// stubIssuer is a minimal upstream identity provider: discovery
// document, JWKS and a token endpoint that signs id_tokens with a
// throwaway RSA key. idClaims holds the claims of the next id_token;
// issuer and audience are filled in by the endpoint.
type stubIssuer struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	idClaims map[string]any
}

func newStubIssuer(t *testing.T) *stubIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &stubIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{
			"issuer":                 s.server.URL,
			"authorization_endpoint": s.server.URL + "/authorize",
			"token_endpoint":         s.server.URL + "/token",
			"jwks_uri":               s.server.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": "stub",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   "AQAB",
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		claims := jwt.MapClaims{
			"iss": s.server.URL,
			"aud": "client",
			"sub": "upstream-1",
			"iat": now.Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}
		for k, v := range s.idClaims {
			claims[k] = v
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "stub"
		signed, err := tok.SignedString(s.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeStubJSON(w, map[string]any{
			"access_token": "stub-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func writeStubJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *stubIssuer) provider(t *testing.T) *OIDCProvider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{
		ID:            "oidc",
		Issuer:        s.server.URL,
		ClientID:      "client",
		ClientSecret:  "secret",
		RedirectURL:   "http://localhost/cb",
		Enabled:       true,
		AutoProvision: true,
	})
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}
	return p
}

func TestOIDCSignInLinkCarriesNonce(t *testing.T) {
	p := newStubIssuer(t).provider(t)

	link, err := url.Parse(p.SignInLink("attempt-1", "nonce-1"))
	if err != nil {
		t.Fatalf("parse sign-in link: %v", err)
	}
	q := link.Query()
	if q.Get("state") != "attempt-1" {
		t.Fatalf("state %q, want attempt-1", q.Get("state"))
	}
	if q.Get("nonce") != "nonce-1" {
		t.Fatalf("nonce %q, want nonce-1", q.Get("nonce"))
	}
	if q.Get("client_id") != "client" {
		t.Fatalf("client_id %q", q.Get("client_id"))
	}
}

func TestOIDCExchangeAcceptsEchoedNonce(t *testing.T) {
	issuer := newStubIssuer(t)
	issuer.idClaims = map[string]any{
		"nonce": "nonce-1",
		"email": "alice@example.com",
		"name":  "Alice",
	}
	p := issuer.provider(t)

	entry := &ProviderEntry{
		ProviderID: "oidc",
		Data:       map[string]string{oidcDataNonce: "nonce-1"},
	}
	if err := p.Exchange(context.Background(), entry, map[string]string{"code": "any"}); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if entry.Data[oidcDataSubject] != "upstream-1" {
		t.Fatalf("subject %q, want upstream-1", entry.Data[oidcDataSubject])
	}
	if entry.Data[oidcDataEmail] != "alice@example.com" {
		t.Fatalf("email %q", entry.Data[oidcDataEmail])
	}
}

func TestOIDCExchangeRejectsNonceMismatch(t *testing.T) {
	issuer := newStubIssuer(t)
	issuer.idClaims = map[string]any{"nonce": "other"}
	p := issuer.provider(t)

	entry := &ProviderEntry{
		ProviderID: "oidc",
		Data:       map[string]string{oidcDataNonce: "nonce-1"},
	}
	if err := p.Exchange(context.Background(), entry, map[string]string{"code": "any"}); err == nil {
		t.Fatal("expected nonce mismatch error")
	}
}

func TestOIDCExchangeRejectsMissingNonce(t *testing.T) {
	issuer := newStubIssuer(t)
	p := issuer.provider(t)

	entry := &ProviderEntry{
		ProviderID: "oidc",
		Data:       map[string]string{oidcDataNonce: "nonce-1"},
	}
	if err := p.Exchange(context.Background(), entry, map[string]string{"code": "any"}); err == nil {
		t.Fatal("an id_token without the sent nonce must be rejected")
	}
}
