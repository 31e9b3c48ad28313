// Package apierror defines the failures surfaced by the MangaDex client.
//
// Every failed operation returns exactly one of these types. Each type matches a
// sentinel through errors.Is, so callers can branch on the class without caring
// about the concrete value:
//
//	if errors.Is(err, apierror.ErrUnauthorized) { ... }
//
//	var httpErr *apierror.HTTPError
//	if errors.As(err, &httpErr) { log(httpErr.StatusCode) }
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is matching.
var (
	// ErrUnauthorized: authentication is required or was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCaptcha: the server demands an interactive captcha.
	ErrCaptcha = errors.New("captcha required")

	// ErrRatelimit: the request would exceed a route quota and the client was told not to wait.
	ErrRatelimit = errors.New("ratelimit exceeded")

	// ErrHTTP: a non-retried or retry-exhausted HTTP failure.
	ErrHTTP = errors.New("http error")

	// ErrUnsupportedFeature: the requested behavior needs data the server does not provide.
	ErrUnsupportedFeature = errors.New("unsupported feature")

	// ErrInvalidArgument: caller input failed validation.
	ErrInvalidArgument = errors.New("invalid argument")
)

// UnauthorizedError is returned when a request needs credentials the client does not have,
// or when the server keeps rejecting them after the refresh and login attempts.
type UnauthorizedError struct {
	Method     string
	Path       string
	StatusCode int // 0 when no request was sent
}

func (e *UnauthorizedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("unauthorized: %s %s requires authentication", e.Method, e.Path)
	}
	return fmt.Sprintf("unauthorized: %s %s (status %d)", e.Method, e.Path, e.StatusCode)
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// CaptchaError carries the site key the caller needs to render the challenge.
type CaptchaError struct {
	SiteKey    string
	Method     string
	URL        string
	StatusCode int
}

func (e *CaptchaError) Error() string {
	return fmt.Sprintf("captcha required for %s %s (status %d, site key %s)", e.Method, e.URL, e.StatusCode, e.SiteKey)
}

func (e *CaptchaError) Is(target error) bool { return target == ErrCaptcha }

// RatelimitError is returned in no-sleep mode when a route quota is used up.
type RatelimitError struct {
	Path    string
	Method  string
	Limit   int
	ResetAt time.Time
}

func (e *RatelimitError) Error() string {
	return fmt.Sprintf("ratelimit exceeded for %s %s (limit %d, resets at %s)",
		e.Method, e.Path, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RatelimitError) Is(target error) bool { return target == ErrRatelimit }

// RetryAfter is the time left until the quota resets, never negative.
func (e *RatelimitError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// APIError is one entry of the "errors" array in a MangaDex error body.
type APIError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// HTTPError is an HTTP failure that was not retried, or that survived every retry.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       []byte
	// Errors is the decoded error list when the body was a MangaDex error document.
	Errors []APIError
	// Retried is true when the retry budget was exhausted.
	Retried bool
}

// NewHTTPError builds an HTTPError and decodes the body when it is JSON.
func NewHTTPError(method, url string, statusCode int, status string, body []byte, retried bool) *HTTPError {
	e := &HTTPError{
		Method:     method,
		URL:        url,
		StatusCode: statusCode,
		Status:     status,
		Body:       body,
		Retried:    retried,
	}

	var doc struct {
		Errors []APIError `json:"errors"`
	}
	if len(body) > 0 && json.Unmarshal(body, &doc) == nil {
		e.Errors = doc.Errors
	}
	return e
}

func (e *HTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "http %d for %s %s", e.StatusCode, e.Method, e.URL)
	if e.Retried {
		b.WriteString(" after retries")
	}
	if len(e.Errors) > 0 {
		details := make([]string, 0, len(e.Errors))
		for _, apiErr := range e.Errors {
			if apiErr.Detail != "" {
				details = append(details, apiErr.Title+": "+apiErr.Detail)
			} else {
				details = append(details, apiErr.Title)
			}
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(details, "; "))
	}
	return b.String()
}

func (e *HTTPError) Is(target error) bool { return target == ErrHTTP }

// UnsupportedFeatureError is returned for strategies that need unavailable upstream data.
type UnsupportedFeatureError struct {
	Feature string
	Reason  string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("%s is not supported: %s", e.Feature, e.Reason)
}

func (e *UnsupportedFeatureError) Is(target error) bool { return target == ErrUnsupportedFeature }

// InvalidArgument wraps ErrInvalidArgument with a formatted message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
