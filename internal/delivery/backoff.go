package delivery

import (
	"math/rand"
	"time"
)

// backoffDelay is the wait before retry number attempt (1-based). A platform
// hint replaces the exponential base; jitter applies either way.
func backoffDelay(cfg Config, attempt int, hint time.Duration, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	if hint > 0 {
		d = hint
	} else {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cfg.RetryMaxDelay {
				break
			}
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
