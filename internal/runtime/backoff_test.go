package runtime

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	base := time.Second
	capAt := 5 * time.Minute

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		got := Backoff(i+1, base, capAt, 0)
		if got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffCaps(t *testing.T) {
	got := Backoff(30, time.Second, 5*time.Minute, 0)
	if got != 5*time.Minute {
		t.Errorf("got %v, want cap 5m", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	base := 4 * time.Second
	for i := 0; i < 200; i++ {
		got := Backoff(1, base, time.Minute, 0.25)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestBackoffClampsAttempt(t *testing.T) {
	if got := Backoff(0, time.Second, time.Minute, 0); got != time.Second {
		t.Errorf("attempt 0: got %v, want base", got)
	}
	if got := Backoff(-3, time.Second, time.Minute, 0); got != time.Second {
		t.Errorf("negative attempt: got %v, want base", got)
	}
}
