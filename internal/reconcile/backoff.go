package reconcile

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffMax    = 60 * time.Second
	backoffJitter = 500 * time.Millisecond
)

// Backoff returns the delay before retrying a task that has failed attempts
// times: min(60s, 2^attempts * 1s) plus jitter in [0, 500ms).
func Backoff(attempts int, jitter func(limit time.Duration) time.Duration) time.Duration {
	delay := backoffMax
	if attempts < 6 {
		delay = backoffBase << uint(max(attempts, 0))
	}
	if jitter == nil {
		jitter = randomJitter
	}
	j := jitter(backoffJitter)
	if j < 0 {
		j = 0
	}
	if j >= backoffJitter {
		j = backoffJitter - 1
	}
	return delay + j
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
