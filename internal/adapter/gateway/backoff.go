package gateway

import (
	"math/rand"
	"time"
)

// retryBackoff computes exponential backoff with jitter for reconnect
// attempt n (0-based).
func retryBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		delay = max
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
