package threat

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// keyLocks serialises work on the same indicator key. Distinct keys may share
// a stripe, which only costs contention.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
