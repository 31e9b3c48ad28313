// Package client provides the MangaDex HTTP request pipeline with throttling,
// per-route rate limiting, session re-authentication and bounded retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/mangadex-client/pkg/apierror"
	"github.com/Sternrassler/mangadex-client/pkg/auth"
	"github.com/Sternrassler/mangadex-client/pkg/logging"
	"github.com/Sternrassler/mangadex-client/pkg/query"
	"github.com/Sternrassler/mangadex-client/pkg/ratelimit"
)

// DefaultAPIURL is the public MangaDex API base.
const DefaultAPIURL = "https://api.mangadex.org"

// NoRetries disables retries for a single Request.
const NoRetries = -1

// Prometheus metrics for MangaDex client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangadex_requests_total",
		Help: "Total MangaDex requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangadex_request_duration_seconds",
		Help:    "MangaDex request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	ratelimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangadex_ratelimit_rejections_total",
		Help: "Requests refused locally because a route quota was used up",
	}, []string{"rule"})
)

// Client is the MangaDex request pipeline. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	throttle   *ratelimit.Throttle
	tracker    *ratelimit.Tracker
	auth       *auth.Authenticator
	config     Config
	logger     zerolog.Logger

	admitMu sync.Mutex

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Config holds the client configuration.
type Config struct {
	// APIURL is the API base that relative request paths are resolved against.
	APIURL string

	// User-Agent header sent with every request.
	UserAgent string

	// Credentials. Username and Password must be given together.
	Username     string
	Password     string
	RefreshToken string

	// Anonymous sends every request without a bearer token.
	Anonymous bool

	// SleepOnRatelimit waits for exhausted route quotas instead of failing with RatelimitError.
	SleepOnRatelimit bool

	// MaxRetries is the default retry budget of a request.
	MaxRetries int

	// Rate limiting. Nil Rules selects ratelimit.DefaultRules, nil store keeps state in memory.
	Rules          []*ratelimit.Rule
	RateLimitStore ratelimit.Store

	// HTTPClient is the transport. Nil selects a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration for anonymous use.
func DefaultConfig(userAgent string) Config {
	return Config{
		APIURL:           DefaultAPIURL,
		UserAgent:        userAgent,
		SleepOnRatelimit: true,
		MaxRetries:       3,
	}
}

// New creates a new MangaDex client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	base, err := url.Parse(cfg.APIURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("api url must be absolute (got %q)", cfg.APIURL)
	}

	logger := logging.Component(cfg.Logger, "mangadex-client")

	rules := cfg.Rules
	if rules == nil {
		rules = ratelimit.DefaultRules()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		throttle:   ratelimit.NewThrottle(logging.Component(cfg.Logger, "throttle")),
		tracker:    ratelimit.NewTracker(rules, cfg.RateLimitStore, logging.Component(cfg.Logger, "ratelimit")),
		config:     cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      ratelimit.SleepContext,
	}

	authenticator, err := auth.New(auth.Config{
		Username:     cfg.Username,
		Password:     cfg.Password,
		RefreshToken: cfg.RefreshToken,
		Anonymous:    cfg.Anonymous,
	}, authEndpoint{c}, logging.Component(cfg.Logger, "auth"))
	if err != nil {
		return nil, err
	}
	c.auth = authenticator

	return c, nil
}

// Request describes one logical API call.
type Request struct {
	Method string

	// Path is either relative to the API base ("/manga") or an absolute URL.
	Path string

	Params query.Params

	// JSON is marshalled as the request body when non-nil.
	JSON any

	// WithAuth attaches the session token unless the client is anonymous.
	WithAuth bool

	// Retries overrides Config.MaxRetries when positive. NoRetries disables retrying.
	Retries int

	// AllowNonSuccess returns non-2xx responses instead of failing with HTTPError.
	AllowNonSuccess bool
}

// Response is a fully read HTTP response.
type Response struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s %s response: %w", r.Method, r.URL, err)
	}
	return nil
}

// auth recovery steps taken within one Request
const (
	authNone = iota
	authReacquired
	authLoggedIn
)

// Request performs a request with throttling, rate limiting, re-authentication and retries.
// This is the core request method that every other call goes through.
func (c *Client) Request(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, apiPath, internal, err := c.resolve(req.Path, req.Params)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if req.JSON != nil {
		if payload, err = json.Marshal(req.JSON); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	budget := c.config.MaxRetries
	switch {
	case req.Retries > 0:
		budget = req.Retries
	case req.Retries < 0:
		budget = 0
	}

	authStep := authNone
	for attempt := 1; ; attempt++ {
		// Step 1: Attach session token
		token, err := c.bearer(ctx, req.WithAuth)
		if err != nil {
			return nil, err
		}

		// Step 2: Throttle and check route quota
		var rule *ratelimit.Rule
		if internal {
			if rule, err = c.admit(ctx, apiPath, method); err != nil {
				return nil, err
			}
		}

		// Step 3: Execute HTTP request
		c.logger.Info().Msgf("Making %s request to %s", method, target)
		resp, err := c.send(ctx, method, target, payload, token)
		if err != nil {
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%s %s: %w", method, target, ctxErr)
			}
			if budget == 0 {
				retryExhaustedTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
				return nil, fmt.Errorf("%s %s: %w after %d attempts: %w", method, target, ErrRetryExhausted, attempt, err)
			}
			budget--
			c.logger.Warn().Err(err).Int("attempt", attempt).Msgf("Retrying %s request to %s after transport error", method, target)
			if err := c.backoff(ctx, ErrorClassNetwork, attempt); err != nil {
				return nil, err
			}
			continue
		}
		requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		// Step 4: Update route quota from headers
		if rule != nil {
			if err := c.tracker.Update(ctx, rule, resp.Header); err != nil {
				c.logger.Warn().Err(err).Str("rule", rule.Key()).Msg("Failed to update rate limit from headers")
			}
		}

		// Step 5: Classify response
		class := classify(resp, internal)
		switch class {
		case ErrorClassAuth:
			if !req.WithAuth || token == "" || budget == 0 {
				return nil, &apierror.UnauthorizedError{Method: method, Path: target, StatusCode: resp.StatusCode}
			}
			next, err := c.recoverSession(ctx, authStep, token)
			if errors.Is(err, errSessionUnrecoverable) {
				return nil, &apierror.UnauthorizedError{Method: method, Path: target, StatusCode: resp.StatusCode}
			}
			if err != nil {
				return nil, err
			}
			authStep = next
			budget--
			retriesTotal.WithLabelValues(string(class)).Inc()
			continue

		case ErrorClassCaptcha:
			return nil, &apierror.CaptchaError{
				SiteKey:    resp.Header.Get(HeaderCaptchaSiteKey),
				Method:     method,
				URL:        target,
				StatusCode: resp.StatusCode,
			}

		case ErrorClassRateLimit, ErrorClassServer:
			if budget == 0 {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				return nil, apierror.NewHTTPError(method, target, resp.StatusCode, resp.Status, resp.Body, true)
			}
			budget--
			retriesTotal.WithLabelValues(string(class)).Inc()
			c.logger.Warn().
				Int("status", resp.StatusCode).
				Int("retries_left", budget).
				Msgf("Retrying %s request to %s because of HTTP code %d", method, target, resp.StatusCode)

			if class == ErrorClassRateLimit {
				err = c.waitRetryAfter(ctx, resp.Header)
			} else {
				err = c.backoff(ctx, class, attempt)
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		// Step 6: Surface untolerated failures
		if !resp.OK() && !req.AllowNonSuccess {
			c.logger.Error().
				Int("status", resp.StatusCode).
				Msgf("%s request to %s failed", method, target)
			return nil, apierror.NewHTTPError(method, target, resp.StatusCode, resp.Status, resp.Body, false)
		}
		return resp, nil
	}
}

// bearer returns the session token to attach, acquiring one when needed.
func (c *Client) bearer(ctx context.Context, withAuth bool) (string, error) {
	if !withAuth || c.auth.Anonymous() {
		return "", nil
	}
	if token := c.auth.Token(); token != "" {
		return token, nil
	}
	return c.auth.Acquire(ctx)
}

// errSessionUnrecoverable reports that no 401 recovery step is left.
var errSessionUnrecoverable = errors.New("session recovery exhausted")

// recoverSession runs the next step of the 401 recovery chain: re-acquire the session once,
// then fall back to one full login when credentials are known.
func (c *Client) recoverSession(ctx context.Context, step int, rejected string) (int, error) {
	switch {
	case step == authNone:
		c.logger.Warn().Msg("Session token rejected, re-acquiring")
		if _, err := c.auth.Reacquire(ctx, rejected); err != nil {
			return step, err
		}
		return authReacquired, nil

	case step == authReacquired && c.auth.HasLogin():
		c.logger.Warn().Msg("Re-acquired session rejected, logging in")
		if _, err := c.auth.Login(ctx, "", ""); err != nil {
			return step, err
		}
		return authLoggedIn, nil

	default:
		return step, errSessionUnrecoverable
	}
}

// admit passes the global throttle and the route tracker. Both decisions are taken under one
// lock; the waits themselves run unlocked.
func (c *Client) admit(ctx context.Context, path, method string) (*ratelimit.Rule, error) {
	c.admitMu.Lock()
	pause := c.throttle.Reserve()
	wait, rule, err := c.tracker.Check(ctx, path, method)
	c.admitMu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.throttle.Pause(ctx, pause); err != nil {
		return nil, err
	}
	if wait <= 0 || rule == nil {
		return rule, nil
	}

	if c.config.SleepOnRatelimit {
		return c.tracker.Sleep(ctx, path, method)
	}

	ratelimitRejectionsTotal.WithLabelValues(rule.Key()).Inc()
	return nil, &apierror.RatelimitError{
		Path:    rule.Name,
		Method:  method,
		Limit:   rule.Limit,
		ResetAt: c.now().Add(wait),
	}
}

// send executes a single HTTP round trip and reads the whole body.
func (c *Client) send(ctx context.Context, method, target string, payload []byte, token string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	requestDuration.WithLabelValues(method).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		Method:     method,
		URL:        target,
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// resolve turns a relative path or absolute URL plus params into the final URL. apiPath is the
// part below the API base, used for route matching; internal is false for foreign hosts.
func (c *Client) resolve(path string, params query.Params) (target, apiPath string, internal bool, err error) {
	target = path
	if strings.HasPrefix(path, "/") {
		target = c.baseURL + path
	} else if u, perr := url.Parse(path); perr != nil || !u.IsAbs() {
		return "", "", false, apierror.InvalidArgument("request path %q is neither relative nor absolute", path)
	}

	if rest, ok := strings.CutPrefix(target, c.baseURL); ok && (rest == "" || rest[0] == '/' || rest[0] == '?') {
		internal = true
		apiPath, _, _ = strings.Cut(rest, "?")
		if apiPath == "" {
			apiPath = "/"
		}
	}

	if len(params) > 0 {
		encoded, err := params.Encode()
		if err != nil {
			return "", "", false, err
		}
		if encoded != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + encoded
		}
	}
	return target, apiPath, internal, nil
}

// GetJSON performs an authenticated GET and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, path string, params query.Params, v any) error {
	resp, err := c.Request(ctx, Request{Method: http.MethodGet, Path: path, Params: params, WithAuth: true})
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// Authenticator exposes the credential state.
func (c *Client) Authenticator() *auth.Authenticator {
	return c.auth
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetClock replaces the time source and sleep function of the whole pipeline (for testing).
func (c *Client) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	c.now = now
	c.sleep = sleep
	c.throttle.SetClock(now, sleep)
	c.tracker.SetClock(now, sleep)
	c.auth.SetClock(now)
}
