package ratelimit

import (
	"net/http"
	"time"
)

// DefaultRules returns the published MangaDex per-route quotas.
// Routes not listed here are only subject to the global Throttle.
func DefaultRules() []*Rule {
	return []*Rule{
		NewRule("/account/create", http.MethodPost, 1, time.Hour),
		NewRule("/account/activate/{code}", http.MethodGet, 30, time.Hour),
		NewRule("/account/activate/resend", http.MethodPost, 5, time.Hour),
		NewRule("/account/recover", http.MethodPost, 5, time.Hour),
		NewRule("/account/recover/{code}", http.MethodPost, 5, time.Hour),
		NewRule("/auth/login", http.MethodPost, 30, time.Hour),
		NewRule("/auth/refresh", http.MethodPost, 30, time.Hour),
		NewRule("/author", http.MethodPost, 10, time.Hour),
		NewRule("/author/{id}", http.MethodPut, 10, time.Minute),
		NewRule("/author/{id}", http.MethodDelete, 10, 10*time.Minute),
		NewRule("/captcha/solve", http.MethodPost, 10, 10*time.Minute),
		NewRule("/chapter/{id}", http.MethodPut, 10, time.Minute),
		NewRule("/chapter/{id}", http.MethodDelete, 10, time.Minute),
		NewRule("/manga", http.MethodPost, 10, time.Hour),
		NewRule("/manga/{id}", http.MethodPut, 10, time.Minute),
		NewRule("/manga/{id}", http.MethodDelete, 10, 10*time.Minute),
		NewRule("/cover", http.MethodPost, 100, 10*time.Minute),
		NewRule("/cover/{id}", http.MethodPut, 100, 10*time.Minute),
		NewRule("/cover/{id}", http.MethodDelete, 10, 10*time.Minute),
		NewRule("/group", http.MethodPost, 10, time.Hour),
		NewRule("/group/{id}", http.MethodPut, 10, time.Minute),
		NewRule("/group/{id}", http.MethodDelete, 10, 10*time.Minute),
		NewRule("/upload/begin", http.MethodPost, 30, time.Minute),
		NewRule("/upload/{id}", http.MethodPost, 250, time.Minute),
		NewRule("/upload/{id}/commit", http.MethodPost, 10, time.Minute),
		NewRule("/at-home/server/{id}", http.MethodGet, 40, time.Minute),
		NewRule("/report", http.MethodPost, 10, time.Minute),
	}
}
