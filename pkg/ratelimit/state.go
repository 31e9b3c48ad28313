// Package ratelimit implements MangaDex request gating.
//
// Two independent mechanisms are provided:
//
//   - Tracker keeps a quota per (path pattern, method) route, seeded from a static rule table
//     and corrected from the X-RateLimit-* headers the server returns.
//   - Throttle is a global micro-throttle that counts dispatches across every endpoint and
//     forces a short pause once a burst is exceeded.
//
// Quota state lives in a Store. MemoryStore keeps it per process; RedisStore shares it
// between processes that talk to the API from the same address.
package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Response headers carrying server-side quota state.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "X-RateLimit-Retry-After"
)

// Rule is a static quota for one route.
type Rule struct {
	// Name is the route template, e.g. "/manga/{id}".
	Name string

	// Pattern matches request paths (without query string) belonging to the route.
	Pattern *regexp.Regexp

	// Method is the HTTP method the quota applies to.
	Method string

	// Limit is the number of calls allowed per Window.
	Limit int

	// Window is the length of the quota window.
	Window time.Duration
}

// NewRule compiles a route rule. Template segments written as {name} match one path segment.
func NewRule(template, method string, limit int, window time.Duration) *Rule {
	quoted := regexp.QuoteMeta(template)
	expr := regexp.MustCompile(`\\\{[^}]*\\\}`).ReplaceAllString(quoted, `[^/]+`)
	return &Rule{
		Name:    template,
		Pattern: regexp.MustCompile("^" + expr + "/?$"),
		Method:  strings.ToUpper(method),
		Limit:   limit,
		Window:  window,
	}
}

// Matches reports whether the rule governs a request. Query strings are ignored.
func (r *Rule) Matches(path, method string) bool {
	if !strings.EqualFold(r.Method, method) {
		return false
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return r.Pattern.MatchString(path)
}

// Key identifies the rule in a Store.
func (r *Rule) Key() string {
	return r.Method + " " + r.Name
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s (%d per %s)", r.Key(), r.Limit, r.Window)
}

// Entry is the live quota state of one rule.
type Entry struct {
	// Remaining is the number of calls left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the last limit reported by the server, or the rule's static limit.
	Limit int `json:"limit"`

	// ResetAt is when the window ends and Remaining returns to Limit.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this entry was last written.
	LastUpdate time.Time `json:"last_update"`
}

// freshEntry starts a new window for rule at now.
func freshEntry(rule *Rule, now time.Time) Entry {
	return Entry{
		Remaining:  rule.Limit,
		Limit:      rule.Limit,
		ResetAt:    now.Add(rule.Window),
		LastUpdate: now,
	}
}

// Expired reports whether the window has ended.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ResetAt)
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (e *Entry) TimeUntilReset(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Exhausted reports whether no calls are left in the current window.
func (e *Entry) Exhausted() bool {
	return e.Remaining <= 0
}
