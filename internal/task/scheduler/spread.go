package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 30 * time.Second

var spreadSeq uint64

// spreadDelay returns a random delay in [0, min(every, limit)) so that many
// overdue interval jobs restored together do not fire in the same instant.
func spreadDelay(every, limit time.Duration, tag string) time.Duration {
	if limit <= 0 {
		limit = maxStartupSpread
	}
	spreadMax := min(every, limit)
	if spreadMax <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(spreadMax)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
