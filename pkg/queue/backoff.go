package queue

import "time"

// Backoff returns the retry delay after the k-th failed attempt:
// 1s, 2s, 4s, 8s, ... The SQL failure path computes the same value with
// power(2, attempts - 1); this mirror exists for callers and tests.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Cap the shift so pathological attempt counts stay finite
	if attempts > 20 {
		attempts = 20
	}
	return time.Duration(1<<(attempts-1)) * time.Second
}
