package runtime

import (
	"math/rand"
	"time"
)

// Backoff returns the retry delay for the given 1-based attempt: base
// doubling per attempt, capped, with symmetric jitter so retrying workers
// spread out instead of thundering together.
func Backoff(attempt int, base, cap time.Duration, jitterRatio float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	if jitterRatio > 0 {
		jitter := 1 + jitterRatio*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * jitter)
	}
	return d
}
