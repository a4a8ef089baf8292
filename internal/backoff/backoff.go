// Package backoff computes retry delays as a pure function of the attempt
// count, so retry timing can be tested independently of the queue control
// flow.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff curve capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the policy used when none is configured: 2s base doubling
// up to 2 minutes.
func Default() Policy {
	return Policy{Base: 2 * time.Second, Max: 2 * time.Minute}
}

// Cap returns the un-jittered delay for the given attempt (1-based):
// Base * 2^(attempt-1), capped at Max.
func (p Policy) Cap(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = Default().Base
	}
	max := p.Max
	if max <= 0 {
		max = Default().Max
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given attempt. The result is
// drawn uniformly from [Cap/2, Cap], which keeps retries spread out while
// preserving the exponential envelope.
func (p Policy) Delay(attempt int) time.Duration {
	cap := p.Cap(attempt)
	half := cap / 2
	if half <= 0 {
		return cap
	}
	return half + rand.N(cap-half+1)
}
