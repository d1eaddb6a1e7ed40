package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	s := NewConstant(3 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := s.Delay(attempt); got != 3*time.Second {
			t.Fatalf("Delay(%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	s := NewExponential(time.Second, 10*time.Second)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := s.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	s := NewExponentialWithJitter(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		ceiling := time.Duration(1<<uint(attempt-1)) * time.Second
		if ceiling > 8*time.Second {
			ceiling = 8 * time.Second
		}
		for range 100 {
			got := s.Delay(attempt)
			if got < 0 || got > ceiling {
				t.Fatalf("Delay(%d) = %v outside [0, %v]", attempt, got, ceiling)
			}
		}
	}
}
