package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"sentra.dev/internal/ids"
)

// Smoke test for a running sentra-auth instance: authenticate with a
// local user, refresh the pair, verify the consumed refresh token is
// rejected, then log out.
func main() {
	log.SetFlags(0)
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "base URL of the auth service")
		username = flag.String("user", "admin", "local username")
		password = flag.String("password", "", "local password")
	)
	flag.Parse()
	if *password == "" {
		log.Fatal("missing -password")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	sessionID := ids.New()

	login := post(client, *base+"/v1/auth/authenticate", sessionID, "", map[string]any{
		"provider_id": "local",
		"credentials": map[string]string{
			"username": *username,
			"password": *password,
		},
	})
	if login["status"] != "SUCCESS" {
		log.Fatalf("login: expected SUCCESS, got %v (%v)", login["status"], login["error_message"])
	}
	tokens, ok := login["tokens"].(map[string]any)
	if !ok {
		log.Fatal("login: tokens missing from result")
	}
	access, _ := tokens["access_token"].(string)
	refresh, _ := tokens["refresh_token"].(string)
	if access == "" || refresh == "" {
		log.Fatal("login: empty token pair")
	}
	log.Printf("login ok, session %s", sessionID)

	pair := post(client, *base+"/v1/auth/refresh", sessionID, "", map[string]any{
		"refresh_token": refresh,
	})
	newAccess, _ := pair["access_token"].(string)
	newRefresh, _ := pair["refresh_token"].(string)
	if newAccess == "" || newRefresh == "" {
		log.Fatalf("refresh: empty pair: %v", pair)
	}
	if newRefresh == refresh {
		log.Fatal("refresh: pair was not rotated")
	}
	log.Print("refresh ok")

	// The consumed refresh token must be rejected.
	status := postStatus(client, *base+"/v1/auth/refresh", sessionID, "", map[string]any{
		"refresh_token": refresh,
	})
	if status != http.StatusUnauthorized {
		log.Fatalf("stale refresh: expected 401, got %d", status)
	}
	log.Print("stale refresh rejected")

	status = postStatus(client, *base+"/v1/auth/logout", sessionID, newAccess, nil)
	if status != http.StatusNoContent {
		log.Fatalf("logout: expected 204, got %d", status)
	}
	log.Print("logout ok")

	status = postStatus(client, *base+"/v1/auth/refresh", sessionID, "", map[string]any{
		"refresh_token": newRefresh,
	})
	if status != http.StatusUnauthorized {
		log.Fatalf("refresh after logout: expected 401, got %d", status)
	}
	log.Print("refresh after logout rejected")

	fmt.Println("smoke-auth: all checks passed")
}

func post(client *http.Client, url, sessionID, token string, body map[string]any) map[string]any {
	resp := do(client, url, sessionID, token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("POST %s: status %d", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("POST %s: decode: %v", url, err)
	}
	return out
}

func postStatus(client *http.Client, url, sessionID, token string, body map[string]any) int {
	resp := do(client, url, sessionID, token, body)
	defer resp.Body.Close()
	return resp.StatusCode
}

func do(client *http.Client, url, sessionID, token string, body map[string]any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Session-Id", sessionID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	return resp
}
