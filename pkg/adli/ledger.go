package adli

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ledger remembers which variable produced each output token so that a
// consumer in the same process can name the handoff. Entries are bounded;
// the least recently used ones are evicted.
type ledger struct {
	entries   *lru.Cache[uint64, string]
	matches   int64
	misses    int64
	evictions int64
}

func newLedger(size int) *ledger {
	if size <= 0 {
		size = defaultMaxCorrelations
	}
	l := &ledger{}
	// lru.NewWithEvict only fails for a non-positive size
	l.entries, _ = lru.NewWithEvict[uint64, string](size, func(uint64, string) {
		atomic.AddInt64(&l.evictions, 1)
	})
	return l
}

func (l *ledger) record(index uint64, name string) {
	l.entries.Add(index, name)
}

func (l *ledger) lookup(index uint64) (string, bool) {
	name, ok := l.entries.Get(index)
	if ok {
		atomic.AddInt64(&l.matches, 1)
	} else {
		atomic.AddInt64(&l.misses, 1)
	}
	return name, ok
}

func (l *ledger) metrics() map[string]int64 {
	return map[string]int64{
		"size":      int64(l.entries.Len()),
		"matches":   atomic.LoadInt64(&l.matches),
		"misses":    atomic.LoadInt64(&l.misses),
		"evictions": atomic.LoadInt64(&l.evictions),
	}
}
