package session

import (
	"math"
	"time"
)

// lockDuration implements the exponential lockout formula:
// min(maxSeconds, baseSeconds·2^(n−threshold)) seconds, for n at or above
// threshold.
func lockDuration(failedCount, threshold, baseSeconds, maxSeconds int) time.Duration {
	if failedCount < threshold {
		return 0
	}
	exp := float64(failedCount - threshold)
	seconds := float64(baseSeconds) * math.Pow(2, exp)
	if seconds > float64(maxSeconds) {
		seconds = float64(maxSeconds)
	}
	return time.Duration(seconds) * time.Second
}
