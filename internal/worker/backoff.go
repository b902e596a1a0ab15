package worker

import "time"

const (
	retryBase = 30 * time.Second
	retryCap  = 15 * time.Minute
)

// RetryDelay doubles per attempt: 30s, 60s, 120s, ... capped. Attempt is
// 1-indexed (the attempt that just failed).
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase << (attempt - 1)
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}
