// Package auth owns the MangaDex session/refresh credential pair.
//
// An Authenticator is in one of three states:
//
//   - anonymous: no credentials at all, requests go out without a bearer token
//   - refresh-only: a refresh token or a username/password pair is known, but there is no
//     live session token
//   - authenticated: a session token younger than SessionTTL is held
//
// Session tokens are minted through an Endpoint, which the client implements on top of its
// request pipeline. Concurrent callers that find the token missing or rejected share a single
// in-flight acquisition.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/mangadex-client/pkg/apierror"
)

// SessionTTL is how long a session token is trusted after it was acquired.
const SessionTTL = 15*time.Minute + 10*time.Second

// Endpoint paths used for unauthorized errors raised before any request is sent.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
)

var sessionAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mangadex_session_acquisitions_total",
	Help: "Session token acquisitions by method (refresh, login) and outcome",
}, []string{"method", "outcome"})

// State is the credential state of an Authenticator.
type State int

const (
	StateAnonymous State = iota
	StateRefreshOnly
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateRefreshOnly:
		return "refresh-only"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// TokenPair is what the login and refresh endpoints return.
type TokenPair struct {
	Session string `json:"session"`
	Refresh string `json:"refresh"`
}

// Endpoint mints session tokens.
type Endpoint interface {
	Login(ctx context.Context, username, password string) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Config holds the initial credentials.
type Config struct {
	Username     string
	Password     string
	RefreshToken string

	// Anonymous discards any credentials given above.
	Anonymous bool
}

// Authenticator tracks the credential pair of one client.
type Authenticator struct {
	mu         sync.Mutex
	username   string
	password   string
	refresh    string
	session    string
	acquiredAt time.Time
	anonymous  bool

	endpoint Endpoint
	flight   singleflight.Group
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates cfg and returns an Authenticator minting tokens through endpoint.
func New(cfg Config, endpoint Endpoint, logger zerolog.Logger) (*Authenticator, error) {
	if err := checkPair(cfg.Username, cfg.Password); err != nil {
		return nil, err
	}

	a := &Authenticator{
		username: cfg.Username,
		password: cfg.Password,
		refresh:  cfg.RefreshToken,
		endpoint: endpoint,
		logger:   logger,
		now:      time.Now,
	}
	a.anonymous = cfg.Anonymous || (cfg.Username == "" && cfg.RefreshToken == "")
	if cfg.Anonymous {
		a.username, a.password, a.refresh = "", "", ""
	}
	return a, nil
}

func checkPair(username, password string) error {
	if (username == "") != (password == "") {
		return apierror.InvalidArgument("username and password must be given together")
	}
	return nil
}

// SetClock replaces the time source (for testing).
func (a *Authenticator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// State reports the current credential state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.anonymous:
		return StateAnonymous
	case a.sessionLocked() != "":
		return StateAuthenticated
	default:
		return StateRefreshOnly
	}
}

// Anonymous reports whether requests should go out without a bearer token.
func (a *Authenticator) Anonymous() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.anonymous
}

// Token returns the current session token, or "" once SessionTTL has elapsed.
func (a *Authenticator) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionLocked()
}

func (a *Authenticator) sessionLocked() string {
	if a.session != "" && a.now().Sub(a.acquiredAt) > SessionTTL {
		a.session = ""
		a.acquiredAt = time.Time{}
	}
	return a.session
}

// RefreshToken returns the current refresh token.
func (a *Authenticator) RefreshToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refresh
}

// HasRefreshToken reports whether a refresh token is held.
func (a *Authenticator) HasRefreshToken() bool {
	return a.RefreshToken() != ""
}

// HasLogin reports whether username and password are known.
func (a *Authenticator) HasLogin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username != "" && a.password != ""
}

// Acquire obtains a fresh session token, through the refresh token when one is held and
// through a full login otherwise. Concurrent calls share one round trip.
func (a *Authenticator) Acquire(ctx context.Context) (string, error) {
	return a.coalesce(ctx, "")
}

// Reacquire is Acquire for a caller whose token stale was just rejected. When another caller
// already replaced stale with a live token, that token is returned without a round trip.
func (a *Authenticator) Reacquire(ctx context.Context, stale string) (string, error) {
	return a.coalesce(ctx, stale)
}

func (a *Authenticator) coalesce(ctx context.Context, stale string) (string, error) {
	if a.Anonymous() {
		return "", &apierror.UnauthorizedError{Method: "POST", Path: LoginPath}
	}
	if stale != "" {
		if current := a.Token(); current != "" && current != stale {
			return current, nil
		}
	}

	// The shared acquisition must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	ch := a.flight.DoChan("acquire", func() (any, error) {
		return a.acquire(shared)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			a.logger.Debug().Msg("Joined in-flight session acquisition")
		}
		return res.Val.(string), nil
	}
}

func (a *Authenticator) acquire(ctx context.Context) (string, error) {
	a.mu.Lock()
	refresh := a.refresh
	username, password := a.username, a.password
	a.mu.Unlock()

	if refresh != "" {
		pair, err := a.endpoint.Refresh(ctx, refresh)
		if err == nil {
			sessionAcquisitionsTotal.WithLabelValues("refresh", "success").Inc()
			a.logger.Debug().Msg("Session token refreshed")
			return a.store(pair), nil
		}
		sessionAcquisitionsTotal.WithLabelValues("refresh", "failure").Inc()

		if !errors.Is(err, apierror.ErrUnauthorized) || username == "" {
			return "", err
		}
		a.logger.Warn().Err(err).Msg("Refresh token rejected, logging in again")
	}

	if username == "" || password == "" {
		return "", &apierror.UnauthorizedError{Method: "POST", Path: RefreshPath}
	}
	return a.login(ctx, username, password)
}

// Login performs a full login. Passing a username and password stores them and leaves
// anonymous mode; passing neither reuses the stored pair.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, error) {
	if err := checkPair(username, password); err != nil {
		return "", err
	}

	a.mu.Lock()
	if username != "" {
		a.username, a.password = username, password
		a.anonymous = false
	}
	username, password = a.username, a.password
	a.mu.Unlock()

	if username == "" {
		return "", &apierror.UnauthorizedError{Method: "POST", Path: LoginPath}
	}
	return a.login(ctx, username, password)
}

func (a *Authenticator) login(ctx context.Context, username, password string) (string, error) {
	pair, err := a.endpoint.Login(ctx, username, password)
	if err != nil {
		sessionAcquisitionsTotal.WithLabelValues("login", "failure").Inc()
		return "", err
	}
	sessionAcquisitionsTotal.WithLabelValues("login", "success").Inc()
	a.logger.Info().Str("username", username).Msg("Logged in")
	return a.store(pair), nil
}

func (a *Authenticator) store(pair TokenPair) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.session = pair.Session
	a.acquiredAt = a.now()
	if pair.Refresh != "" {
		a.refresh = pair.Refresh
	}
	return a.session
}

// Invalidate drops both tokens. Stored login credentials survive.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = ""
	a.refresh = ""
	a.acquiredAt = time.Time{}
}

// ClearCredentials drops tokens and login credentials and returns to anonymous mode.
func (a *Authenticator) ClearCredentials() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.username, a.password = "", ""
	a.session, a.refresh = "", ""
	a.acquiredAt = time.Time{}
	a.anonymous = true
}
