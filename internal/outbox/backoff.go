package outbox

import (
	"math"
	"time"
)

// ComputeBackoff maps a failure's attempt number (counted from 1) to the
// delay before the next retry: base * multiplier^(attempts-1). Pure and
// deterministic; the dispatch loop calls it only on failure.
func ComputeBackoff(attempts int, base time.Duration, multiplier float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempts-1))
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
