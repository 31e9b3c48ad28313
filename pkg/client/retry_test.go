package client

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{
			name:            "server error config",
			errorClass:      ErrorClassServer,
			expectedInitial: 500 * time.Millisecond,
			expectedMax:     10 * time.Second,
		},
		{
			name:            "network error config",
			errorClass:      ErrorClassNetwork,
			expectedInitial: 1 * time.Second,
			expectedMax:     30 * time.Second,
		},
		{
			name:            "unknown error class uses default",
			errorClass:      "",
			expectedInitial: 1 * time.Second,
			expectedMax:     30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := RetryConfigForErrorClass(ErrorClassServer)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{20, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestJitter(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := jitter(base)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jitter(%v) = %v, want within ±20%%", base, got)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{"missing header", "", RetryAfterFallback},
		{"invalid header", "soon", RetryAfterFallback},
		{"future reset", strconv.FormatInt(now.Add(42*time.Second).Unix(), 10), 42 * time.Second},
		{"past reset", strconv.FormatInt(now.Add(-time.Minute).Unix(), 10), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.value != "" {
				header.Set("X-RateLimit-Retry-After", tt.value)
			}

			if got := RetryAfter(header, now); got != tt.expected {
				t.Errorf("RetryAfter() = %v, want %v", got, tt.expected)
			}
		})
	}
}
