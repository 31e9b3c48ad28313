// Package testutil provides testing utilities for the MangaDex client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock API endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock MangaDex API server for testing.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockAPI creates a new mock API server. Handlers are keyed by path or by "METHOD /path";
// the method-specific key wins.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]http.HandlerFunc),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		// Default handler
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a path or "METHOD /path" key.
func (m *MockAPI) SetHandler(key string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(key string, resp MockResponse) {
	m.SetHandler(key, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves responses in order and repeats the last one once the list is used up.
func (m *MockAPI) SetSequence(key string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(key, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to one path.
func (m *MockAPI) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockAPI) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

// SetAuthEndpoints serves /auth/login and /auth/refresh, minting numbered session tokens
// ("<prefix>-1", "<prefix>-2", ...) and echoing a fixed refresh token.
func (m *MockAPI) SetAuthEndpoints(prefix, refresh string) {
	var mu sync.Mutex
	minted := 0
	mint := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		minted++
		session := fmt.Sprintf("%s-%d", prefix, minted)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"result": "ok",
			"token":  map[string]string{"session": session, "refresh": refresh},
		})
	}
	m.SetHandler("POST /auth/login", mint)
	m.SetHandler("POST /auth/refresh", mint)
}

// SetListing serves items as an offset/limit collection on path, the way MangaDex
// listing endpoints do.
func (m *MockAPI) SetListing(path string, items []json.RawMessage) {
	m.SetHandler(path, NewListingHandler(items, len(items)))
}

// NewListingHandler returns a handler paging through items and reporting total, which may
// exceed len(items) to mimic a server that over-reports.
func NewListingHandler(items []json.RawMessage, total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		if limit <= 0 {
			limit = 10
		}

		page := []json.RawMessage{}
		for i := offset; i < offset+limit && i < len(items); i++ {
			page = append(page, items[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"result":   "ok",
			"response": "collection",
			"data":     page,
			"limit":    limit,
			"offset":   offset,
			"total":    total,
		})
	}
}

// defaultHandler answers /ping and reports everything else as not found.
func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ping" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
		return
	}

	writeResponse(w, NewErrorResponse(http.StatusNotFound, "not_found_http_exception", "Not Found",
		fmt.Sprintf("No route found for \"%s %s\"", r.Method, strings.TrimSuffix(r.URL.Path, "/"))))
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	// Add delay if specified
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	// Set headers
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	// Write status and body
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewOKResponse creates a 200 OK JSON response.
func NewOKResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewErrorResponse creates a response with a MangaDex error document.
func NewErrorResponse(status int, id, title, detail string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"result": "error",
		"errors": []map[string]any{{
			"id":     id,
			"status": status,
			"title":  title,
			"detail": detail,
		}},
	})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 response. A non-zero resetAt sets X-RateLimit-Retry-After.
func NewRateLimitResponse(resetAt time.Time) MockResponse {
	resp := NewErrorResponse(http.StatusTooManyRequests, "ratelimit_exceeded", "Too many requests", "")
	if !resetAt.IsZero() {
		resp.Headers["X-RateLimit-Retry-After"] = strconv.FormatInt(resetAt.Unix(), 10)
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return NewErrorResponse(http.StatusInternalServerError, "internal_server_error", "Internal Server Error", "")
}

// NewCaptchaResponse creates a 403 demanding a captcha with the given site key.
func NewCaptchaResponse(siteKey string) MockResponse {
	resp := NewErrorResponse(http.StatusForbidden, "captcha_required_exception", "Captcha required", "")
	resp.Headers["X-Captcha-Sitekey"] = siteKey
	return resp
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return NewErrorResponse(http.StatusUnauthorized, "unauthorized_http_exception", "Unauthorized", "Token expired")
}
