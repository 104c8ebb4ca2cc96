package nbx

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// maxCounterStripes bounds the memory spent on one counter (stripes are
// padded to a cache line each).
const maxCounterStripes = 32

// counterStripe is a single cache-line-aligned cell of a striped counter.
type counterStripe struct {
	c int64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c int64
	}{})%CacheLineSize) % CacheLineSize]byte
}

// counter is a striped int64 counter. The live-entry counter of a table is
// aliased: the same *counter object is referenced by a table and its
// successor so the cardinality estimate survives a resize without a
// reconciliation pass. The stripe is picked from the caller's slot index,
// which spreads concurrent writers across cells.
//
// The sum is an estimate under concurrent updates; transient over- and
// undercount is expected and tolerated by all callers.
type counter struct {
	stripes []counterStripe
}

func newCounter() *counter {
	n := nextPowOf2(min(runtime.GOMAXPROCS(0), maxCounterStripes))
	return &counter{stripes: make([]counterStripe, n)}
}

func (c *counter) add(idx uint32, delta int64) {
	s := &c.stripes[idx&uint32(len(c.stripes)-1)]
	atomic.AddInt64(&s.c, delta)
}

func (c *counter) sum() int64 {
	var sum int64
	for i := range c.stripes {
		sum += atomic.LoadInt64(&c.stripes[i].c)
	}
	return sum
}
