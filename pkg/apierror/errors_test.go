package apierror

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"unauthorized", &UnauthorizedError{Method: "GET", Path: "/user/me"}, ErrUnauthorized},
		{"captcha", &CaptchaError{SiteKey: "key"}, ErrCaptcha},
		{"ratelimit", &RatelimitError{Path: "/auth/login"}, ErrRatelimit},
		{"http", NewHTTPError("GET", "/manga", 404, "404 Not Found", nil, false), ErrHTTP},
		{"unsupported", &UnsupportedFeatureError{Feature: "views"}, ErrUnsupportedFeature},
		{"invalid argument", InvalidArgument("bad %d", 1), ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, tt.sentinel)
			}
		})
	}
}

func TestHTTPError_DecodesAPIErrors(t *testing.T) {
	body := []byte(`{"result":"error","errors":[{"id":"abc","status":400,"title":"Bad Request","detail":"limit too high"}]}`)

	err := NewHTTPError("GET", "https://api.mangadex.org/manga", 400, "400 Bad Request", body, false)

	if len(err.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(err.Errors))
	}
	if err.Errors[0].Detail != "limit too high" {
		t.Errorf("Detail = %q, want %q", err.Errors[0].Detail, "limit too high")
	}

	want := "http 400 for GET https://api.mangadex.org/manga: Bad Request: limit too high"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPError_NonJSONBody(t *testing.T) {
	err := NewHTTPError("POST", "/x", 502, "502 Bad Gateway", []byte("<html>"), true)

	if err.Errors != nil {
		t.Errorf("Errors = %v, want nil", err.Errors)
	}
	if want := "http 502 for POST /x after retries"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRatelimitError_RetryAfterNeverNegative(t *testing.T) {
	now := time.Now()
	err := &RatelimitError{ResetAt: now.Add(-time.Minute)}

	if got := err.RetryAfter(now); got != 0 {
		t.Errorf("RetryAfter = %v, want 0", got)
	}

	err.ResetAt = now.Add(3 * time.Second)
	if got := err.RetryAfter(now); got != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got)
	}
}
