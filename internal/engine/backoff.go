package engine

import (
	"math/rand"
	"time"
)

// maxRetryDelay caps the backoff floor at 30 minutes.
const maxRetryDelay = 1800

// retryDelay returns a jittered exponential backoff for the nth consecutive
// failure: uniform in [min, 2*min) seconds where min = min(2^n, 1800).
// Failure counters are never reset, so a permanently broken remote settles
// into retries every 30-60 minutes.
func retryDelay(failures int) time.Duration {
	min := maxRetryDelay
	if failures < 11 && 1<<failures < maxRetryDelay {
		min = 1 << failures
	}
	return time.Duration(min+rand.Intn(min)) * time.Second
}
