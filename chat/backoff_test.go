package chat

import (
	"testing"
	"time"
)

func TestBackoffDoubling(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, time.Minute, time.Minute}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffMonotonicAndBounded(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		r := r
		b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2, rand: func() float64 { return r }}
		limit := time.Duration(float64(b.Max) * 1.2)
		prev := time.Duration(0)
		for attempt := 1; attempt <= 80; attempt++ {
			d := b.Delay(attempt)
			if d < 0 || d > limit {
				t.Fatalf("r=%v Delay(%d) = %v outside [0, %v]", r, attempt, d, limit)
			}
			if d < prev {
				t.Fatalf("r=%v Delay(%d) = %v < previous %v", r, attempt, d, prev)
			}
			prev = d
		}
	}
}

func TestBackoffRandomJitterBounds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.5}
	for i := 0; i < 1000; i++ {
		attempt := i%10 + 1
		d := b.Delay(attempt)
		floor := b.Base << (attempt - 1)
		if floor > b.Max {
			floor = b.Max
		}
		if d < floor || d > time.Duration(float64(floor)*1.5) {
			t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, floor, time.Duration(float64(floor)*1.5))
		}
	}
}

func TestBackoffEdgeCases(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	if got := b.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want base", got)
	}
	if got := b.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want base", got)
	}
	if got := b.Delay(1 << 20); got != 10*time.Second {
		t.Errorf("Delay(huge) = %v, want ceiling", got)
	}
	low := Backoff{Base: 5 * time.Second, Max: time.Second}
	if got := low.Delay(4); got != 5*time.Second {
		t.Errorf("ceiling below base: Delay = %v, want base", got)
	}
	if got := low.Ceiling(); got != 5*time.Second {
		t.Errorf("Ceiling() = %v, want base", got)
	}
}
