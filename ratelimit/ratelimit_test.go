package ratelimit

import (
	"regexp"
	"testing"
	"time"
)

// fixedRand returns a policy rand that always draws the same value.
func fixedRand(v float64) func() float64 {
	return func() float64 { return v }
}

// ---------------------------------------------------------------------------
// Rule matching
// ---------------------------------------------------------------------------

func TestDelay_FirstMatchWins(t *testing.T) {
	p := New([]Rule{
		{regexp.MustCompile(`/items/[^/]+/photos`), Window{10 * time.Second, 10 * time.Second}},
		{regexp.MustCompile(`/items/[^/]+`), Window{5 * time.Second, 5 * time.Second}},
	}, Window{2 * time.Second, 2 * time.Second}, WithRand(fixedRand(0)))

	if got := p.Delay("/items/abc123/photos", "GET"); got != 10*time.Second {
		t.Fatalf("photos path should hit the first rule, got %v", got)
	}
	if got := p.Delay("/items/abc123", "GET"); got != 5*time.Second {
		t.Fatalf("item path should hit the second rule, got %v", got)
	}
}

func TestDelay_FallbackForUnmatchedPath(t *testing.T) {
	p := New([]Rule{
		{regexp.MustCompile(`/items`), Window{5 * time.Second, 5 * time.Second}},
	}, Window{2 * time.Second, 2 * time.Second}, WithRand(fixedRand(0)))

	if got := p.Delay("/profile/settings", "GET"); got != 2*time.Second {
		t.Fatalf("unmatched path should use fallback window, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Floor and write multiplier
// ---------------------------------------------------------------------------

func TestDelay_NeverBelowFloor(t *testing.T) {
	p := New([]Rule{
		{regexp.MustCompile(`/fast`), Window{0, 0}},
	}, Window{0, 0}, WithRand(fixedRand(0)))

	for _, target := range []string{"/fast", "/anything"} {
		for _, verb := range []string{"GET", "POST", "DELETE"} {
			if got := p.Delay(target, verb); got < MinAbsoluteDelay {
				t.Fatalf("Delay(%q, %q) = %v, below floor %v", target, verb, got, MinAbsoluteDelay)
			}
		}
	}
}

func TestDelay_MutatingVerbAtLeastReadVerb(t *testing.T) {
	// Same draw for both calls makes the comparison exact.
	p := Default(WithRand(fixedRand(0.5)))

	targets := []string{"/items", "/items/x9", "/items/x9/photos", "/search?q=coat", "/unknown"}
	for _, target := range targets {
		read := p.Delay(target, "GET")
		write := p.Delay(target, "POST")
		if write < read {
			t.Fatalf("Delay(%q, POST) = %v < Delay(%q, GET) = %v", target, write, target, read)
		}
	}
}

func TestDelay_WriteMultiplierApplied(t *testing.T) {
	p := New([]Rule{
		{regexp.MustCompile(`/items`), Window{4 * time.Second, 4 * time.Second}},
	}, Window{time.Second, time.Second},
		WithRand(fixedRand(0)),
		WithWriteMultiplier(2.0),
	)

	if got := p.Delay("/items", "PUT"); got != 8*time.Second {
		t.Fatalf("expected 8s with 2.0 multiplier, got %v", got)
	}
	if got := p.Delay("/items", "GET"); got != 4*time.Second {
		t.Fatalf("read verb must not be multiplied, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Draw bounds
// ---------------------------------------------------------------------------

func TestDelay_WithinWindow(t *testing.T) {
	p := Default()

	for range 200 {
		got := p.Delay("/items/abc", "GET")
		if got < 5*time.Second || got > 15*time.Second {
			t.Fatalf("delay %v outside [5s, 15s] window", got)
		}
	}
}

func TestDelay_DeterministicWithInjectedRand(t *testing.T) {
	a := Default(WithRand(fixedRand(0.25)))
	b := Default(WithRand(fixedRand(0.25)))

	for _, verb := range []string{"GET", "POST"} {
		if da, db := a.Delay("/items/1", verb), b.Delay("/items/1", verb); da != db {
			t.Fatalf("same draw must give same delay: %v vs %v", da, db)
		}
	}
}
