package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/mangadex-client/pkg/auth"
	"github.com/Sternrassler/mangadex-client/pkg/pagination"
	"github.com/Sternrassler/mangadex-client/pkg/query"
)

// API routes used by the client itself.
const (
	routeLogin   = auth.LoginPath
	routeRefresh = auth.RefreshPath
	routeLogout  = "/auth/logout"
	routePing    = "/ping"
)

type tokenResponse struct {
	Result string         `json:"result"`
	Token  auth.TokenPair `json:"token"`
}

// authEndpoint mints tokens through the pipeline without attaching a bearer header.
type authEndpoint struct {
	c *Client
}

func (e authEndpoint) Login(ctx context.Context, username, password string) (auth.TokenPair, error) {
	return e.post(ctx, routeLogin, map[string]string{"username": username, "password": password})
}

func (e authEndpoint) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	return e.post(ctx, routeRefresh, map[string]string{"token": refreshToken})
}

func (e authEndpoint) post(ctx context.Context, path string, body any) (auth.TokenPair, error) {
	resp, err := e.c.Request(ctx, Request{Method: http.MethodPost, Path: path, JSON: body})
	if err != nil {
		return auth.TokenPair{}, err
	}

	var data tokenResponse
	if err := resp.Decode(&data); err != nil {
		return auth.TokenPair{}, err
	}
	if data.Token.Session == "" {
		return auth.TokenPair{}, fmt.Errorf("%s response carried no session token", path)
	}
	return data.Token, nil
}

// GetSessionToken acquires a fresh session token, through the refresh token when one is held.
func (c *Client) GetSessionToken(ctx context.Context) (string, error) {
	return c.auth.Acquire(ctx)
}

// Login logs in with the given credentials, or with the stored ones when both are empty.
func (c *Client) Login(ctx context.Context, username, password string) error {
	_, err := c.auth.Login(ctx, username, password)
	return err
}

// Logout ends the session. deleteTokens revokes the tokens server side; clearLoginInfo
// forgets the stored credentials and puts the client into anonymous mode.
func (c *Client) Logout(ctx context.Context, deleteTokens, clearLoginInfo bool) error {
	if deleteTokens && (c.auth.Token() != "" || c.auth.HasRefreshToken()) {
		if _, err := c.Request(ctx, Request{Method: http.MethodPost, Path: routeLogout, WithAuth: true}); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		c.auth.Invalidate()
		c.logger.Info().Msg("Logged out")
	}
	if clearLoginInfo {
		c.auth.ClearCredentials()
	}
	return nil
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Request(ctx, Request{Method: http.MethodGet, Path: routePing})
	if err != nil {
		return err
	}
	if body := strings.TrimSpace(string(resp.Body)); body != "pong" {
		return fmt.Errorf("unexpected ping response %q", body)
	}
	return nil
}

// FetchPage performs an authenticated listing request. A 204 response is reported as
// pagination.ErrNoContent.
func (c *Client) FetchPage(ctx context.Context, path string, params query.Params) ([]byte, error) {
	resp, err := c.Request(ctx, Request{Method: http.MethodGet, Path: path, Params: params, WithAuth: true})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, pagination.ErrNoContent
	}
	return resp.Body, nil
}
