package atp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logx "crossposter/pkg/logx"
)

func TestDialCreatesAndPersistsSession(t *testing.T) {
	var gotIdentifier, gotPassword string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.server.createSession" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var in struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		gotIdentifier = in.Identifier
		gotPassword = in.Password
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt":  "access-1",
			"refreshJwt": "refresh-1",
			"handle":     "alice.test",
			"did":        "did:plc:alice",
		})
	}))
	defer srv.Close()

	sessionPath := filepath.Join(t.TempDir(), "session.json")
	c, err := Dial(context.Background(), Config{
		Host:        srv.URL,
		Handle:      "alice.test",
		Password:    "hunter2",
		SessionPath: sessionPath,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if gotIdentifier != "alice.test" || gotPassword != "hunter2" {
		t.Fatalf("login sent identifier=%q password=%q", gotIdentifier, gotPassword)
	}
	if c.Auth == nil || c.Auth.Did != "did:plc:alice" || c.Auth.AccessJwt != "access-1" {
		t.Fatalf("unexpected auth %+v", c.Auth)
	}

	raw, err := os.ReadFile(sessionPath)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if !strings.Contains(string(raw), "refresh-1") {
		t.Fatalf("persisted session missing refresh token: %s", raw)
	}
}

func TestDialRefreshesPersistedSession(t *testing.T) {
	var refreshAuth string
	logins := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.refreshSession":
			refreshAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]string{
				"accessJwt":  "access-2",
				"refreshJwt": "refresh-2",
				"handle":     "alice.test",
				"did":        "did:plc:alice",
			})
		case "/xrpc/com.atproto.server.createSession":
			logins++
			http.Error(w, `{"error":"AuthenticationRequired"}`, http.StatusUnauthorized)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sessionPath := filepath.Join(t.TempDir(), "session.json")
	seed := `{"accessJwt":"stale","refreshJwt":"refresh-1","handle":"alice.test","did":"did:plc:alice"}`
	if err := os.WriteFile(sessionPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	c, err := Dial(context.Background(), Config{
		Host:        srv.URL,
		Handle:      "alice.test",
		Password:    "hunter2",
		SessionPath: sessionPath,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if logins != 0 {
		t.Fatalf("expected refresh without a password login, got %d logins", logins)
	}
	// The refresh endpoint authenticates with the refresh token.
	if refreshAuth != "Bearer refresh-1" {
		t.Fatalf("refresh call sent authorization %q", refreshAuth)
	}
	if c.Auth.AccessJwt != "access-2" || c.Auth.RefreshJwt != "refresh-2" {
		t.Fatalf("auth not rotated: %+v", c.Auth)
	}

	raw, err := os.ReadFile(sessionPath)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if !strings.Contains(string(raw), "refresh-2") {
		t.Fatalf("rotated session not persisted: %s", raw)
	}
}
