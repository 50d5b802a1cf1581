package engine

import (
	"math/rand/v2"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

// backoffDelay computes the delay before the attempt following a failed
// attempt n (1-based): base * 2^(n-1), capped at MaxBackoff when set,
// plus a uniform random jitter in [0, Jitter).
func backoffDelay(p api.RetryPolicy, attempt int) time.Duration {
	var delay time.Duration
	if p.Backoff > 0 {
		shift := attempt - 1
		// Past 32 doublings the cap (or any practical wait) has long
		// since been exceeded.
		if shift > 32 {
			shift = 32
		}
		delay = p.Backoff << shift
		if delay < p.Backoff {
			// Overflow: saturate before applying the cap.
			delay = 1<<63 - 1
		}
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}
	if p.Jitter > 0 {
		delay += rand.N(p.Jitter)
	}
	return delay
}
