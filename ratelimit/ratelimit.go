// Package ratelimit computes the execution delay an external executor
// must wait before issuing a marketplace call, to avoid triggering
// anti-automation defenses on the target site.
//
// The policy is a pure function of (target path, HTTP verb) plus a
// random draw: the path is matched against an ordered rule table of
// regex patterns, each bound to a delay window; mutating verbs are
// multiplied by a write factor; the result is clamped to an absolute
// floor. Policies hold no state and are safe for concurrent use.
package ratelimit

import (
	"math/rand/v2"
	"regexp"
	"time"
)

// MinAbsoluteDelay is the floor below which no computed delay may fall.
const MinAbsoluteDelay = 500 * time.Millisecond

// DefaultWriteMultiplier scales delays for mutating verbs
// (POST/PUT/PATCH/DELETE).
const DefaultWriteMultiplier = 1.5

// Window is an inclusive delay range in which the draw is uniform.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Rule binds a target-path pattern to a delay window. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Pattern *regexp.Regexp
	Window  Window
}

// Policy is an ordered rule table with a fallback window.
type Policy struct {
	rules           []Rule
	fallback        Window
	writeMultiplier float64
	floor           time.Duration
	rnd             func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRand sets the uniform [0,1) draw used by the policy. Inject a
// seeded source for deterministic tests.
func WithRand(fn func() float64) Option {
	return func(p *Policy) { p.rnd = fn }
}

// WithWriteMultiplier sets the factor applied to mutating verbs.
func WithWriteMultiplier(m float64) Option {
	return func(p *Policy) { p.writeMultiplier = m }
}

// WithFloor sets the absolute minimum delay.
func WithFloor(d time.Duration) Option {
	return func(p *Policy) { p.floor = d }
}

// New creates a Policy from an ordered rule table and a fallback
// window for unmatched paths.
func New(rules []Rule, fallback Window, opts ...Option) *Policy {
	p := &Policy{
		rules:           rules,
		fallback:        fallback,
		writeMultiplier: DefaultWriteMultiplier,
		floor:           MinAbsoluteDelay,
		rnd:             rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Default returns the stock policy table. The most sensitive operations
// — item mutation and photo upload — get the widest, longest windows;
// search and browse endpoints get narrow ones; anything unmatched falls
// back to a mid-range window.
func Default(opts ...Option) *Policy {
	rules := []Rule{
		{regexp.MustCompile(`/items/[^/]+/photos`), Window{8 * time.Second, 20 * time.Second}},
		{regexp.MustCompile(`/items/[^/]+`), Window{5 * time.Second, 15 * time.Second}},
		{regexp.MustCompile(`/items$`), Window{4 * time.Second, 12 * time.Second}},
		{regexp.MustCompile(`/conversations`), Window{3 * time.Second, 8 * time.Second}},
		{regexp.MustCompile(`/search`), Window{1 * time.Second, 3 * time.Second}},
		{regexp.MustCompile(`/catalog`), Window{1 * time.Second, 2 * time.Second}},
	}
	return New(rules, Window{2 * time.Second, 6 * time.Second}, opts...)
}

// mutating reports whether the verb changes remote state.
func mutating(verb string) bool {
	switch verb {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// Delay computes the randomized execution delay for one call. The
// returned value is always at least the policy floor, and a mutating
// verb never yields less than the same path with a read verb given the
// same draw.
func (p *Policy) Delay(target, verb string) time.Duration {
	w := p.fallback
	for _, r := range p.rules {
		if r.Pattern.MatchString(target) {
			w = r.Window
			break
		}
	}

	spread := w.Max - w.Min
	d := w.Min
	if spread > 0 {
		d += time.Duration(p.rnd() * float64(spread))
	}

	if mutating(verb) {
		d = time.Duration(float64(d) * p.writeMultiplier)
	}

	if d < p.floor {
		d = p.floor
	}
	return d
}
