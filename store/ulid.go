package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Checkpoint ids are ULIDs: 48 bits of timestamp plus 80 bits of entropy,
// encoded so lexicographic order is creation order. A process-wide monotonic
// entropy source keeps ids generated in the same millisecond ordered.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newULID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}

// nextCheckpointID returns an id strictly greater than prev. When the clock
// has moved backwards relative to the tip (restart with skew, NTP step), the
// tip id is incremented instead so per-thread ordering never regresses.
func nextCheckpointID(now time.Time, prev string) string {
	id := newULID(now)
	if prev == "" || id > prev {
		return id
	}
	p, err := ulid.Parse(prev)
	if err != nil {
		return id
	}
	for i := len(p) - 1; i >= 0; i-- {
		p[i]++
		if p[i] != 0 {
			break
		}
	}
	return p.String()
}
