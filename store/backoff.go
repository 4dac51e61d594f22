package store

import (
	"math/rand"
	"sync"
	"time"
)

// Retry and lease defaults for the job queue.
const (
	// BackoffBase is the delay before the first retry.
	BackoffBase = time.Second

	// BackoffCap bounds the exponential growth.
	BackoffCap = 10 * time.Minute

	// DefaultMaxRetries allows four attempts in total.
	DefaultMaxRetries = 3

	// DefaultLease is how long a claimed job stays owned without renewal.
	DefaultLease = 5 * time.Minute
)

var (
	jitterMu sync.Mutex
	// #nosec G404 -- jitter spreads retries, it does not need crypto randomness.
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RetryBackoff returns the requeue delay after the given number of prior
// retries: min(BackoffBase << retries, BackoffCap) plus up to BackoffBase of
// jitter. retries is zero-based, so the first retry waits about one second.
func RetryBackoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := BackoffCap
	if retries < 20 {
		if shifted := BackoffBase << uint(retries); shifted < BackoffCap {
			d = shifted
		}
	}

	jitterMu.Lock()
	j := time.Duration(jitterRNG.Int63n(int64(BackoffBase)))
	jitterMu.Unlock()

	return d + j
}
