package chapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/mangadex-client/pkg/apierror"
)

// Strategy is a tie-break rule for chapters sharing a number.
type Strategy int

const (
	// PreviousGroup prefers the groups that made the previously kept chapter.
	PreviousGroup Strategy = iota + 1
	// SpecificGroup prefers chapters involving one of Plan.Groups.
	SpecificGroup
	// SpecificUser prefers chapters uploaded by one of Plan.Uploaders.
	SpecificUser
	// CreationDateAsc keeps the earliest upload.
	CreationDateAsc
	// CreationDateDesc keeps the latest upload.
	CreationDateDesc
	// ViewsAsc keeps the least viewed upload. The API exposes no view counts.
	ViewsAsc
	// ViewsDesc keeps the most viewed upload. The API exposes no view counts.
	ViewsDesc
)

var strategyNames = map[Strategy]string{
	PreviousGroup:    "previous-group",
	SpecificGroup:    "specific-group",
	SpecificUser:     "specific-user",
	CreationDateAsc:  "creation-date-asc",
	CreationDateDesc: "creation-date-desc",
	ViewsAsc:         "views-asc",
	ViewsDesc:        "views-desc",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// terminal strategies decide whatever is still tied; at most one may be used.
func (s Strategy) terminal() bool {
	switch s {
	case CreationDateAsc, CreationDateDesc, ViewsAsc, ViewsDesc:
		return true
	default:
		return false
	}
}

// ParseStrategy parses a strategy name such as "creation-date-asc". Underscores and case
// are ignored.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for s, n := range strategyNames {
		if n == normalized {
			return s, nil
		}
	}
	return 0, apierror.InvalidArgument("unknown duplicate resolution strategy %q", name)
}

// DefaultStrategies is used when a Plan names none.
func DefaultStrategies() []Strategy {
	return []Strategy{PreviousGroup, CreationDateAsc}
}

// Plan configures Deduplicate.
type Plan struct {
	Strategies []Strategy

	// Groups are the preferred group ids for SpecificGroup.
	Groups []string

	// Uploaders are the preferred user ids for SpecificUser.
	Uploaders []string
}

// resolved is a validated Plan.
type resolved struct {
	enabled   map[Strategy]bool
	terminal  Strategy
	groups    map[string]bool
	uploaders map[string]bool
}

func (p Plan) resolve() (*resolved, error) {
	strategies := p.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}

	r := &resolved{
		enabled:   make(map[Strategy]bool, len(strategies)),
		groups:    toSet(p.Groups),
		uploaders: toSet(p.Uploaders),
	}
	for _, s := range strategies {
		if _, ok := strategyNames[s]; !ok {
			return nil, apierror.InvalidArgument("unknown duplicate resolution strategy %d", int(s))
		}
		if s == ViewsAsc || s == ViewsDesc {
			return nil, &apierror.UnsupportedFeatureError{
				Feature: s.String(),
				Reason:  "the MangaDex API does not report chapter views",
			}
		}
		if s.terminal() {
			if r.terminal != 0 && r.terminal != s {
				return nil, apierror.InvalidArgument("strategies %s and %s cannot be combined", r.terminal, s)
			}
			r.terminal = s
		}
		r.enabled[s] = true
	}
	if r.terminal == 0 {
		r.terminal = CreationDateAsc
		r.enabled[CreationDateAsc] = true
	}

	if r.enabled[SpecificGroup] && len(r.groups) == 0 {
		return nil, apierror.InvalidArgument("%s needs at least one group", SpecificGroup)
	}
	if r.enabled[SpecificUser] && len(r.uploaders) == 0 {
		return nil, apierror.InvalidArgument("%s needs at least one uploader", SpecificUser)
	}
	return r, nil
}

// Deduplicate keeps one chapter per chapter number and every numberless chapter. Kept
// chapters stay in input order.
//
// Ties are narrowed in a fixed order, each stage only if its strategy is in the plan and
// more than one candidate is left: overlap with the previously kept chapter's groups, then
// Plan.Groups, then Plan.Uploaders, then creation time. Numbers are visited in order of
// first appearance, so "previously kept" is the pick for the preceding number.
func Deduplicate(records []Chapter, plan Plan) ([]Chapter, error) {
	r, err := plan.resolve()
	if err != nil {
		return nil, err
	}

	keep := make([]bool, len(records))
	var order []string
	buckets := make(map[string][]int)
	for i, ch := range records {
		if !ch.HasNumber() {
			keep[i] = true
			continue
		}
		num := *ch.Number
		if _, ok := buckets[num]; !ok {
			order = append(order, num)
		}
		buckets[num] = append(buckets[num], i)
	}

	var previous *Chapter
	for _, num := range order {
		chosen := r.pick(records, buckets[num], previous)
		keep[chosen] = true
		previous = &records[chosen]
	}

	out := make([]Chapter, 0, len(order))
	for i, ch := range records {
		if keep[i] {
			out = append(out, ch)
		}
	}
	return out, nil
}

// pick returns the index of the representative among candidates.
func (r *resolved) pick(records []Chapter, candidates []int, previous *Chapter) int {
	if len(candidates) > 1 && previous != nil && r.enabled[PreviousGroup] {
		candidates = bestOverlap(records, candidates, previous.Groups)
	}

	if len(candidates) > 1 && r.enabled[SpecificGroup] {
		candidates = narrow(candidates, func(i int) bool {
			for _, g := range records[i].Groups {
				if r.groups[g] {
					return true
				}
			}
			return false
		})
	}

	if len(candidates) > 1 && r.enabled[SpecificUser] {
		candidates = narrow(candidates, func(i int) bool {
			return r.uploaders[records[i].Uploader]
		})
	}

	if len(candidates) > 1 {
		sorted := append([]int(nil), candidates...)
		sort.SliceStable(sorted, func(a, b int) bool {
			ta, tb := records[sorted[a]].CreatedAt, records[sorted[b]].CreatedAt
			if r.terminal == CreationDateDesc {
				return ta.After(tb)
			}
			return ta.Before(tb)
		})
		candidates = sorted
	}
	return candidates[0]
}

// bestOverlap keeps the candidates whose groups match previous best: one point for covering
// every previous group, plus one per shared group. Candidates sharing nothing are dropped
// unless nobody shares anything.
func bestOverlap(records []Chapter, candidates []int, previous []string) []int {
	prev := toSet(previous)
	best := 0
	var kept []int
	for _, i := range candidates {
		score := overlapScore(records[i].Groups, prev)
		switch {
		case score == 0 || score < best:
		case score > best:
			best = score
			kept = []int{i}
		default:
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return candidates
	}
	return kept
}

func overlapScore(groups []string, previous map[string]bool) int {
	if len(previous) == 0 {
		return 0
	}
	own := toSet(groups)
	shared := 0
	for g := range previous {
		if own[g] {
			shared++
		}
	}
	if shared == len(previous) {
		shared++
	}
	return shared
}

// narrow keeps the candidates matching keep, or all of them if none match.
func narrow(candidates []int, keep func(int) bool) []int {
	var out []int
	for _, i := range candidates {
		if keep(i) {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
