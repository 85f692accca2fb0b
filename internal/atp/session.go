// Package atp manages the authenticated AT Protocol client shared by the
// Bluesky collector and publisher. Sessions persist across runs so the
// account password is only exchanged when the refresh token has expired.
package atp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"

	logx "crossposter/pkg/logx"
)

const DefaultHost = "https://bsky.social"

type Config struct {
	Host     string
	Handle   string
	Password string
	// SessionPath stores the access and refresh tokens between runs.
	// Empty disables persistence.
	SessionPath string
}

// Dial returns an authenticated client, reusing a persisted session when one
// can still be refreshed and logging in with the password otherwise.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*xrpc.Client, error) {
	if strings.TrimSpace(cfg.Handle) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("bluesky handle and password are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	c := &xrpc.Client{
		Host:   host,
		Client: &http.Client{Timeout: 60 * time.Second},
	}

	if auth := loadSession(cfg.SessionPath); auth != nil {
		c.Auth = auth
		if err := refresh(ctx, c); err == nil {
			log.Debug("bluesky session refreshed", logx.String("handle", c.Auth.Handle))
			saveSession(cfg.SessionPath, c.Auth, log)
			return c, nil
		}
		log.Debug("bluesky session refresh failed, logging in again")
		c.Auth = nil
	}

	out, err := atproto.ServerCreateSession(ctx, c, &atproto.ServerCreateSession_Input{
		Identifier: cfg.Handle,
		Password:   cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	c.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	log.Info("bluesky session created", logx.String("handle", out.Handle))
	saveSession(cfg.SessionPath, c.Auth, log)
	return c, nil
}

// refresh exchanges the refresh token for fresh tokens, updating c.Auth in
// place. The refresh endpoint authenticates with the refresh token.
func refresh(ctx context.Context, c *xrpc.Client) error {
	rc := *c
	rc.Auth = &xrpc.AuthInfo{AccessJwt: c.Auth.RefreshJwt}
	out, err := atproto.ServerRefreshSession(ctx, &rc)
	if err != nil {
		return err
	}
	c.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	return nil
}

func loadSession(path string) *xrpc.AuthInfo {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var auth xrpc.AuthInfo
	if err := json.Unmarshal(raw, &auth); err != nil || auth.RefreshJwt == "" {
		return nil
	}
	return &auth
}

func saveSession(path string, auth *xrpc.AuthInfo, log logx.Logger) {
	if path == "" {
		return
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.Warn("bluesky session not persisted", logx.Err(err))
	}
}
