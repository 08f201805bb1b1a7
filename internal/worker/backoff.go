package worker

import (
	"math"
	"math/rand"
	"time"
)

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
