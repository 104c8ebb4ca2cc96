package nbx

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// defaultTableLen is the capacity a map is born with when no size hint
	// is supplied.
	defaultTableLen = 32
	// maxTableLen caps the capacity of a single table. Hints above it are
	// an argument error; growth clamps to it.
	maxTableLen = 1 << 26
	// copyChunk is the number of slots a helping thread migrates per claim.
	copyChunk = 1024
)

// MapOf is a concurrent map built on a lock-free open-addressed hash table.
// It tolerates unrestricted concurrent readers and writers with no mutual
// exclusion of any kind: correctness rests entirely on single-word CAS over
// the table's records and on a cooperative, incrementally-copied resize.
//
// Single-key operations (Load, Store, Swap, LoadOrStore, CompareAndSwap,
// LoadAndDelete, ...) are individually linearizable. Size, iteration, and
// every bulk operation are best-effort and may observe concurrent mutation.
//
// The zero value is ready for use. A MapOf must not be copied after first
// use.
//
// The design follows Cliff Click's non-blocking hash table: every record is
// a (hash, payload) pair of atomic words, payloads step through a fixed
// life-cycle (nil → Live/Tombstone → Prime → Dead), and any thread that
// witnesses a resize in progress helps migrate slots before continuing.
type MapOf[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table       atomic.Pointer[tableOf[struct{}, struct{}]]
		growths     atomic.Uint32
		initOnce    sync.Once
		seed        uintptr
		keyHash     hashFunc
		valEqual    equalFunc
		minTableLen int
	}{})%CacheLineSize) % CacheLineSize]byte

	table       atomic.Pointer[tableOf[K, V]]
	growths     atomic.Uint32
	initOnce    sync.Once
	seed        uintptr
	keyHash     hashFunc
	valEqual    equalFunc
	minTableLen int
}

// NewMapOf creates a new MapOf instance. Direct initialization of the zero
// value is also supported.
//
// Parameters:
//   - WithPresize option for initial capacity
func NewMapOf[K comparable, V any](
	options ...func(*MapConfig),
) *MapOf[K, V] {
	return NewMapOfWithHasher[K, V](nil, nil, options...)
}

// NewMapOfWithHasher creates a MapOf with custom hashing and equality
// capabilities.
//
// Parameters:
//   - keyHash: nil uses the built-in hasher. A zero hash is legal; the map
//     remaps it internally.
//   - valEqual: nil uses the built-in comparison, but if the value is not of
//     a comparable type, using the Compare series of functions will panic
//   - WithPresize option for initial capacity
func NewMapOfWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) *MapOf[K, V] {
	m := &MapOf[K, V]{}
	m.Init(keyHash, valEqual, options...)
	return m
}

// NewMapOfFromMap creates a MapOf pre-sized for and holding the pairs of
// source.
func NewMapOfFromMap[K comparable, V any](source map[K]V) *MapOf[K, V] {
	m := NewMapOf[K, V](WithPresize(min(2*len(source), maxTableLen)))
	m.FromMap(source)
	return m
}

// Init configures the map in place, allowing a custom key hasher and a
// value equality capability for the Compare series of operations.
//
// Init is not thread-safe and may only be called before the MapOf is used.
// If it is never called, the map lazily initializes itself with defaults.
func (m *MapOf[K, V]) Init(
	keyHash func(key K, seed uintptr) uintptr,
	valEqual func(val, val2 V) bool,
	options ...func(*MapConfig),
) {
	var hs hashFunc
	var eq equalFunc
	if keyHash != nil {
		hs = func(pointer unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(pointer), seed)
		}
	}
	if valEqual != nil {
		eq = func(val unsafe.Pointer, val2 unsafe.Pointer) bool {
			return valEqual(*(*V)(val), *(*V)(val2))
		}
	}
	m.init(hs, eq, options...)
}

func (m *MapOf[K, V]) init(
	hs hashFunc,
	eq equalFunc,
	options ...func(*MapConfig),
) *tableOf[K, V] {
	c := &MapConfig{}
	for _, o := range options {
		o(c)
	}

	m.seed = uintptr(rand.Uint64())
	m.keyHash, m.valEqual = defaultHasher[K, V]()
	if hs != nil {
		m.keyHash = hs
	}
	if eq != nil {
		m.valEqual = eq
	}

	m.minTableLen = calcTableLen(c.sizeHint)

	table := newTableOf[K, V](m.minTableLen, newCounter(), 0)
	m.table.Store(table)
	return table
}

// initSlow builds the default table exactly once for zero-value maps that
// are used without a constructor.
func (m *MapOf[K, V]) initSlow() *tableOf[K, V] {
	m.initOnce.Do(func() {
		if m.table.Load() == nil {
			m.init(nil, nil)
		}
	})
	return m.table.Load()
}

// calcTableLen converts a size hint into a legal power-of-two capacity.
func calcTableLen(sizeHint int) int {
	if sizeHint <= 0 {
		return defaultTableLen
	}
	if sizeHint > maxTableLen {
		panic("nbx: initial capacity out of range")
	}
	return nextPowOf2(sizeHint)
}

// reprobeLimit is the probe budget of a table. Operations that exhaust it
// escalate to the successor table, creating it first if necessary.
func reprobeLimit(capacity int) int {
	return min(capacity, capacity>>5+5)
}

// Entry life-cycle stages. Dead is not a stage constant: it is the
// deadEntry sentinel, recognized by pointer identity before any cast.
const (
	entryLive uint8 = iota
	entryTombstone
	entryPrime
)

// entryOf is an immutable binding. A replacement installs a fresh entry;
// fields are never mutated after publication, which is what makes a single
// pointer CAS a linearization point.
//
// A Tombstone keeps the key so the slot's key identity survives until the
// table retires. A Prime signals that the binding is mid-copy and the
// successor table holds the authoritative state.
type entryOf[K comparable, V any] struct {
	key   K
	value V
	state uint8
}

// deadEntry marks a retired slot. It is a process-wide sentinel compared
// only by pointer identity and never dereferenced.
var deadEntry = unsafe.Pointer(new(int64))

// record is one open-addressed slot. The hash word is monotone: it is
// written once by the claiming CAS and never changes. The payload obeys
// nil → Live/Tombstone → (Live ↔ Tombstone)* → Prime → Dead; once Dead the
// slot is frozen.
type record struct {
	hash  uint32
	entry unsafe.Pointer
}

// tableOf is one immutable-shape table in the forward-linked resize chain.
type tableOf[K comparable, V any] struct {
	records  []record
	mask     uint32
	reprobes int

	// size is aliased: the same counter object is referenced by this table
	// and its successor so cardinality estimates survive resize. slots is
	// born fresh with each table and counts claimed records.
	size  *counter
	slots *counter

	// prevSize is the live count observed when this table was created,
	// used to detect resize thrash.
	prevSize int64

	next     atomic.Pointer[tableOf[K, V]]
	copyIdx  atomic.Int64
	copyDone atomic.Int64
	resizers atomic.Int32
}

func newTableOf[K comparable, V any](
	capacity int,
	size *counter,
	prevSize int64,
) *tableOf[K, V] {
	return &tableOf[K, V]{
		records:  make([]record, capacity),
		mask:     uint32(capacity - 1),
		reprobes: reprobeLimit(capacity),
		size:     size,
		slots:    newCounter(),
		prevSize: prevSize,
	}
}

func (m *MapOf[K, V]) hashOf(key *K) uint32 {
	h := fold32(m.keyHash(noescape(unsafe.Pointer(key)), m.seed))
	if h == 0 {
		return normalizedZeroHash
	}
	return h
}

// Load retrieves a value for a key, compatible with `sync.Map`.
func (m *MapOf[K, V]) Load(key K) (value V, ok bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	hash := m.hashOf(&key)
	e := m.findEntry(table, hash, &key)
	if e == nil {
		return
	}
	return e.value, true
}

// findEntry walks the probe sequence for key, descending into successor
// tables on retired slots, probe exhaustion, or a miss while a resize is
// in flight. A Prime is helped before the successor is consulted: the
// successor may already hold a newer write for the key, so the visible
// primed value cannot be trusted.
func (m *MapOf[K, V]) findEntry(
	table *tableOf[K, V],
	hash uint32,
	key *K,
) *entryOf[K, V] {
outer:
	for {
		idx := hash & table.mask
		reprobes := 0
		for {
			rec := &table.records[idx]
			h := atomic.LoadUint32(&rec.hash)
			if h == 0 {
				// Never claimed here: the key is absent from this table.
				next := table.next.Load()
				if next == nil {
					return nil
				}
				table = next
				continue outer
			}
			if h == hash {
				p := atomic.LoadPointer(&rec.entry)
				if p == deadEntry {
					table = table.next.Load()
					continue outer
				}
				if p != nil {
					e := (*entryOf[K, V])(p)
					if e.key == *key {
						switch e.state {
						case entryLive:
							return e
						case entryTombstone:
							return nil
						default:
							m.copySlotAndCheck(table, idx)
							table = table.next.Load()
							continue outer
						}
					}
				}
				// Claimed for another key, or claimed with the payload not
				// yet bound. Either way, keep probing.
			}
			reprobes++
			if reprobes >= table.reprobes {
				next := table.next.Load()
				if next == nil {
					return nil
				}
				table = next
				continue outer
			}
			idx = (idx + 1) & table.mask
		}
	}
}

// matchKind selects the predicate a write evaluates against the resident
// entry before installing its own.
type matchKind int

const (
	// matchAny installs unconditionally.
	matchAny matchKind = iota
	// matchAbsent installs only when no live binding exists.
	matchAbsent
	// matchPresent installs only when a live binding exists.
	matchPresent
	// matchValue installs only when a live binding's value equals cmp
	// under the value equality capability.
	matchValue
	// matchNilSlot installs only into a never-bound payload. Used solely by
	// the resize copy, so a later write into the successor always wins over
	// the migrated value. Size accounting is skipped: the binding is
	// already counted in the aliased counter.
	matchNilSlot
)

// putIfMatch is the single write path. It probes for the key's slot
// (claiming a fresh one via a CAS on the hash word when needed), redirects
// to the successor table while a resize is in flight, and then runs a CAS
// loop on the payload, re-evaluating the match predicate every time it
// loses.
//
// It returns the entry resident immediately before the write, nil when the
// slot was unbound. Callers infer success by applying their predicate to
// the returned entry.
func (m *MapOf[K, V]) putIfMatch(
	table *tableOf[K, V],
	hash uint32,
	key *K,
	newe *entryOf[K, V],
	match matchKind,
	cmp *V,
) *entryOf[K, V] {
	// Writes that can never pass their predicate on an unbound slot must
	// not claim one.
	missNoClaim := newe.state == entryTombstone ||
		match == matchPresent || match == matchValue

outer:
	for {
		idx := hash & table.mask
		reprobes := 0

		for {
			rec := &table.records[idx]
			h := atomic.LoadUint32(&rec.hash)
			if h == 0 {
				if missNoClaim {
					// Never-been in this table; a successor may still hold
					// the key.
					next := table.next.Load()
					if next == nil {
						return nil
					}
					table = next
					continue outer
				}
				if atomic.CompareAndSwapUint32(&rec.hash, 0, hash) {
					table.slots.add(idx, 1)
					h = hash
				} else {
					h = atomic.LoadUint32(&rec.hash)
				}
			}

			if h == hash {
				prev, redo, done := m.casEntry(table, rec, idx, key, newe, match, cmp)
				if done {
					return prev
				}
				if redo {
					table = table.next.Load()
					continue outer
				}
				// The slot turned out to belong to another key: fall
				// through and keep probing.
			}

			reprobes++
			if reprobes >= table.reprobes {
				next := table.next.Load()
				if next == nil {
					next = m.resizeTable(table)
				}
				if match != matchNilSlot {
					m.helpCopy(table)
				}
				table = next
				continue outer
			}
			idx = (idx + 1) & table.mask
		}
	}
}

// casEntry runs the payload CAS loop on a hash-matching record.
//
// Outcomes: done with the pre-write resident (which may fail the caller's
// predicate), redo when the operation must restart in the successor table,
// or neither when the slot belongs to a different key and probing must
// continue.
func (m *MapOf[K, V]) casEntry(
	table *tableOf[K, V],
	rec *record,
	idx uint32,
	key *K,
	newe *entryOf[K, V],
	match matchKind,
	cmp *V,
) (prev *entryOf[K, V], redo, done bool) {
	for {
		p := atomic.LoadPointer(&rec.entry)
		if p == deadEntry {
			return nil, true, false
		}
		var e *entryOf[K, V]
		if p != nil {
			e = (*entryOf[K, V])(p)
			if e.key != *key {
				return nil, false, false
			}
			if e.state == entryPrime {
				// The binding is mid-copy; finish it and retry against the
				// authoritative table.
				m.copySlotAndCheck(table, idx)
				return nil, true, false
			}
		}

		// New writes go to the successor once a resize is under way; the
		// copy protocol's own installs are the one exception, they must
		// land in this table.
		if match != matchNilSlot && table.next.Load() != nil {
			m.copySlotAndCheck(table, idx)
			m.helpCopy(table)
			return nil, true, false
		}

		switch match {
		case matchAbsent:
			if e != nil && e.state == entryLive {
				return e, false, true
			}
		case matchPresent:
			if e == nil || e.state != entryLive {
				return e, false, true
			}
		case matchValue:
			if e == nil || e.state != entryLive {
				return e, false, true
			}
			if !m.valEqual(
				noescape(unsafe.Pointer(&e.value)),
				noescape(unsafe.Pointer(cmp)),
			) {
				return e, false, true
			}
		case matchNilSlot:
			if e != nil {
				return e, false, true
			}
		}
		if newe.state == entryTombstone && (e == nil || e.state != entryLive) {
			// Nothing live to delete; leave the slot as it is.
			return e, false, true
		}

		if atomic.CompareAndSwapPointer(&rec.entry, p, unsafe.Pointer(newe)) {
			if match != matchNilSlot {
				wasLive := e != nil && e.state == entryLive
				if newe.state == entryLive && !wasLive {
					table.size.add(idx, 1)
				} else if newe.state == entryTombstone && wasLive {
					table.size.add(idx, -1)
				}
			}
			return e, false, true
		}
		// Lost the race; re-read what actually landed and re-evaluate.
	}
}

// Store sets the value for a key, compatible with `sync.Map`.
func (m *MapOf[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores a key-value pair and returns the previous value if any,
// compatible with `sync.Map`.
func (m *MapOf[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	table := m.table.Load()
	if table == nil {
		table = m.initSlow()
	}
	hash := m.hashOf(&key)
	newe := &entryOf[K, V]{key: key, value: value, state: entryLive}
	prev := m.putIfMatch(table, hash, &key, newe, matchAny, nil)
	if prev == nil || prev.state != entryLive {
		return
	}
	return prev.value, true
}

// LoadOrStore retrieves an existing value or stores a new one if the key
// doesn't exist, compatible with `sync.Map`.
func (m *MapOf[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	table := m.table.Load()
	if table == nil {
		table = m.initSlow()
	}
	hash := m.hashOf(&key)
	if e := m.findEntry(table, hash, &key); e != nil {
		return e.value, true
	}
	newe := &entryOf[K, V]{key: key, value: value, state: entryLive}
	prev := m.putIfMatch(table, hash, &key, newe, matchAbsent, nil)
	if prev != nil && prev.state == entryLive {
		return prev.value, true
	}
	return value, false
}

// LoadOrStoreFn returns the existing value for the key if present.
// Otherwise, it computes the value using the provided function, stores it,
// and returns it. The loaded result is true if the value was loaded.
//
// valueFn runs outside the table's write protocol: under a race it may be
// invoked even though another writer's value ends up resident. It must
// tolerate being called without its result being used.
func (m *MapOf[K, V]) LoadOrStoreFn(
	key K,
	valueFn func() V,
) (actual V, loaded bool) {
	table := m.table.Load()
	if table == nil {
		table = m.initSlow()
	}
	hash := m.hashOf(&key)
	if e := m.findEntry(table, hash, &key); e != nil {
		return e.value, true
	}
	value := valueFn()
	newe := &entryOf[K, V]{key: key, value: value, state: entryLive}
	prev := m.putIfMatch(table, hash, &key, newe, matchAbsent, nil)
	if prev != nil && prev.state == entryLive {
		return prev.value, true
	}
	return value, false
}

// Delete removes a key-value pair, compatible with `sync.Map`.
func (m *MapOf[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete retrieves the value for a key and deletes it from the map,
// compatible with `sync.Map`.
//
// The delete installs a Tombstone that keeps the key, preserving the
// slot's key identity until the table retires. Deleting a key that was
// never bound claims no slot.
func (m *MapOf[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	hash := m.hashOf(&key)
	if e := m.findEntry(table, hash, &key); e == nil {
		return
	}
	tomb := &entryOf[K, V]{key: key, state: entryTombstone}
	prev := m.putIfMatch(table, hash, &key, tomb, matchPresent, nil)
	if prev == nil || prev.state != entryLive {
		return
	}
	return prev.value, true
}

// CompareAndSwap atomically replaces an existing value with a new value if
// the existing value matches the expected value, compatible with
// `sync.Map`.
func (m *MapOf[K, V]) CompareAndSwap(key K, old V, new V) (swapped bool) {
	table := m.table.Load()
	if table == nil {
		return false
	}
	if m.valEqual == nil {
		panic("nbx: called CompareAndSwap when value is not of comparable type")
	}
	hash := m.hashOf(&key)
	newe := &entryOf[K, V]{key: key, value: new, state: entryLive}
	prev := m.putIfMatch(table, hash, &key, newe, matchValue, &old)
	return prev != nil && prev.state == entryLive &&
		m.valEqual(
			noescape(unsafe.Pointer(&prev.value)),
			noescape(unsafe.Pointer(&old)))
}

// CompareAndDelete atomically deletes an existing entry if its value
// matches the expected value, compatible with `sync.Map`.
func (m *MapOf[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	table := m.table.Load()
	if table == nil {
		return false
	}
	if m.valEqual == nil {
		panic("nbx: called CompareAndDelete when value is not of comparable type")
	}
	hash := m.hashOf(&key)
	tomb := &entryOf[K, V]{key: key, state: entryTombstone}
	prev := m.putIfMatch(table, hash, &key, tomb, matchValue, &old)
	return prev != nil && prev.state == entryLive &&
		m.valEqual(
			noescape(unsafe.Pointer(&prev.value)),
			noescape(unsafe.Pointer(&old)))
}

// RemoveWhere deletes every live binding whose key and value satisfy pred,
// sweeping the current table and any successor it encounters. It returns
// the number of bindings removed.
//
// The sweep is not a snapshot: bindings inserted concurrently may or may
// not be visited. A sweep that removes more than 1/16 of the capacity or a
// quarter of the live count proactively triggers a resize to shed the
// accumulated tombstones.
func (m *MapOf[K, V]) RemoveWhere(pred func(key K, value V) bool) int {
	table := m.table.Load()
	if table == nil {
		return 0
	}
	removed := 0
	for t := table; t != nil; t = t.next.Load() {
		for i := range t.records {
			rec := &t.records[i]
			for {
				p := atomic.LoadPointer(&rec.entry)
				if p == nil || p == deadEntry {
					break
				}
				e := (*entryOf[K, V])(p)
				if e.state == entryPrime {
					// Push the binding into the successor; the sweep picks
					// it up when it gets there.
					m.copySlotAndCheck(t, uint32(i))
					break
				}
				if e.state != entryLive || !pred(e.key, e.value) {
					break
				}
				tomb := &entryOf[K, V]{key: e.key, state: entryTombstone}
				if atomic.CompareAndSwapPointer(&rec.entry, p, unsafe.Pointer(tomb)) {
					t.size.add(uint32(i), -1)
					removed++
					break
				}
			}
		}
	}
	if removed != 0 {
		cur := m.table.Load()
		if removed > len(cur.records)/16 || int64(removed) > cur.size.sum()/4 {
			m.resizeTable(cur)
			m.helpCopy(cur)
		}
	}
	return removed
}

// resizeTable installs a successor for table, or adopts one that another
// thread already installed. The sizing heuristic keys off the live-entry
// density, with a tombstone-heavy escape hatch and a thrash detector.
func (m *MapOf[K, V]) resizeTable(table *tableOf[K, V]) *tableOf[K, V] {
	if next := table.next.Load(); next != nil {
		return next
	}

	capacity := len(table.records)
	size := int(table.size.sum())
	if size < 0 {
		size = 0
	}
	newCap := size
	switch {
	case size >= capacity-capacity/4:
		newCap = size * 8
	case size >= capacity/2:
		newCap = size * 4
	case size >= capacity/4:
		newCap = size * 2
	}
	if int(table.slots.sum()) >= 2*size {
		// Claimed slots outnumber live entries 2:1: the table is
		// tombstone-heavy and a same-size copy would fill up again.
		newCap = capacity * 2
	}
	if newCap < capacity {
		newCap = capacity
	}
	if int64(size) == table.prevSize {
		// Born with the live count it still holds: resizes are thrashing.
		newCap *= 2
	}
	newCap = nextPowOf2(newCap)
	if newCap > maxTableLen {
		newCap = maxTableLen
	}

	// Back-pressure: when many threads race to build a large successor,
	// all but the first few wait briefly, re-checking for a winner, before
	// allocating their own candidate.
	r := table.resizers.Add(1)
	if newCap>>18 != 0 && r > 2 {
		spins := 0
		for i := 0; i < 8; i++ {
			if next := table.next.Load(); next != nil {
				return next
			}
			delay(&spins)
		}
		budget := time.Duration(min(int64(newCap>>17)*int64(r), 128)) * time.Millisecond
		deadline := time.Now().Add(budget)
		for time.Now().Before(deadline) {
			if next := table.next.Load(); next != nil {
				return next
			}
			time.Sleep(time.Millisecond)
		}
	}
	if next := table.next.Load(); next != nil {
		return next
	}

	// The size counter is aliased into the successor so cardinality
	// estimates survive the migration.
	next := newTableOf[K, V](newCap, table.size, int64(size))
	if table.next.CompareAndSwap(nil, next) {
		m.growths.Add(1)
		return next
	}
	return table.next.Load()
}

// copySlotAndCheck migrates a single slot and promotes the successor if
// that slot completed the table's migration.
func (m *MapOf[K, V]) copySlotAndCheck(table *tableOf[K, V], idx uint32) {
	if m.copySlot(table, idx) {
		m.copyCheckAndPromote(table, 1)
	}
}

// copySlot drives one record to its retired state, migrating a live
// binding into the successor on the way. It is idempotent: any thread may
// invoke it for any index, concurrently. It reports whether this call won
// the slot's terminal CAS — exactly one call per slot does, which is what
// makes the copyDone tally reach capacity exactly once.
func (m *MapOf[K, V]) copySlot(table *tableOf[K, V], idx uint32) bool {
	next := table.next.Load()
	rec := &table.records[idx]

	// A never-claimed slot has nothing to migrate; retire it outright.
	if atomic.LoadUint32(&rec.hash) == 0 {
		if atomic.CompareAndSwapPointer(&rec.entry, nil, deadEntry) {
			return true
		}
	}

	// Drive the payload to Prime, or straight to Dead when there is no
	// live binding to migrate.
	p := atomic.LoadPointer(&rec.entry)
	for {
		if p == deadEntry {
			return false
		}
		if p == nil {
			if atomic.CompareAndSwapPointer(&rec.entry, nil, deadEntry) {
				return true
			}
			p = atomic.LoadPointer(&rec.entry)
			continue
		}
		e := (*entryOf[K, V])(p)
		if e.state == entryTombstone {
			if atomic.CompareAndSwapPointer(&rec.entry, p, deadEntry) {
				return true
			}
			p = atomic.LoadPointer(&rec.entry)
			continue
		}
		if e.state == entryPrime {
			break
		}
		prime := &entryOf[K, V]{key: e.key, value: e.value, state: entryPrime}
		if atomic.CompareAndSwapPointer(&rec.entry, p, unsafe.Pointer(prime)) {
			p = unsafe.Pointer(prime)
			break
		}
		p = atomic.LoadPointer(&rec.entry)
	}

	// Install the primed binding into the successor, losing gracefully to
	// any later write that already populated the key there. The aliased
	// size counter is left untouched: the binding was counted when it was
	// first inserted.
	e := (*entryOf[K, V])(p)
	live := &entryOf[K, V]{key: e.key, value: e.value, state: entryLive}
	hash := atomic.LoadUint32(&rec.hash)
	m.putIfMatch(next, hash, &live.key, live, matchNilSlot, nil)

	// Retire the slot. This CAS can only lose to another helper's retire.
	return atomic.CompareAndSwapPointer(&rec.entry, p, deadEntry)
}

// helpCopy migrates one chunk of slots on behalf of the resize in
// progress, then runs the promotion check. Chunks are reserved with an
// atomic add so helpers never contend for the same index range.
func (m *MapOf[K, V]) helpCopy(table *tableOf[K, V]) {
	if table.next.Load() == nil {
		return
	}
	capacity := int64(len(table.records))
	chunk := min(int64(copyChunk), capacity)
	start := table.copyIdx.Add(chunk) - chunk
	if start >= capacity {
		m.copyCheckAndPromote(table, 0)
		return
	}
	var work int64
	for i := start; i < min(start+chunk, capacity); i++ {
		if m.copySlot(table, uint32(i)) {
			work++
		}
	}
	m.copyCheckAndPromote(table, work)
}

// copyCheckAndPromote adds this thread's work to the table's scoreboard
// and, once every slot has been retired, rotates the façade pointer to the
// successor — cascading in case the successor has itself finished copying.
func (m *MapOf[K, V]) copyCheckAndPromote(table *tableOf[K, V], work int64) {
	capacity := int64(len(table.records))
	done := table.copyDone.Add(work)
	for done >= capacity {
		if m.table.Load() != table {
			return
		}
		next := table.next.Load()
		if next == nil || !m.table.CompareAndSwap(table, next) {
			return
		}
		table = next
		capacity = int64(len(table.records))
		done = table.copyDone.Load()
		if table.next.Load() == nil {
			return
		}
	}
}

// Clear resets the map to an empty table of its original capacity,
// abandoning the old table chain. Compatible with `sync.Map`.
func (m *MapOf[K, V]) Clear() {
	if m.table.Load() == nil {
		return
	}
	m.table.Store(newTableOf[K, V](m.minTableLen, newCounter(), 0))
}

// Size returns the approximate number of live bindings. O(stripes), not
// O(n); the estimate may lag concurrent operations.
func (m *MapOf[K, V]) Size() int {
	table := m.table.Load()
	if table == nil {
		return 0
	}
	return int(max(table.size.sum(), 0))
}

// IsZero checks for emptiness, faster than Size.
func (m *MapOf[K, V]) IsZero() bool {
	table := m.table.Load()
	if table == nil {
		return true
	}
	return table.size.sum() <= 0
}

// Capacity reports the record count of the current table, or of the
// in-progress successor when a resize is under way.
func (m *MapOf[K, V]) Capacity() int {
	table := m.table.Load()
	if table == nil {
		return 0
	}
	if next := table.next.Load(); next != nil {
		return len(next.records)
	}
	return len(table.records)
}

// HasKey checks if the key exists.
func (m *MapOf[K, V]) HasKey(key K) bool {
	table := m.table.Load()
	if table == nil {
		return false
	}
	hash := m.hashOf(&key)
	return m.findEntry(table, hash, &key) != nil
}

// rangeEntry is the iteration core: a forward cursor over one table at a
// time, descending into the successor when one exists, without restart.
// Primes are helped so the binding becomes observable in the successor;
// Tombstones and retired slots are skipped.
func (m *MapOf[K, V]) rangeEntry(yield func(e *entryOf[K, V]) bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	for t := table; t != nil; t = t.next.Load() {
		for i := range t.records {
			p := atomic.LoadPointer(&t.records[i].entry)
			if p == nil || p == deadEntry {
				continue
			}
			e := (*entryOf[K, V])(p)
			if e.state == entryPrime {
				m.copySlotAndCheck(t, uint32(i))
				continue
			}
			if e.state != entryLive {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Range calls yield for each key and value present in the map, compatible
// with `sync.Map`.
//
// Range carries no snapshot guarantee: during a resize a key may be
// visited in both the retiring table and its successor, and a key written
// behind the cursor is not revisited.
func (m *MapOf[K, V]) Range(yield func(key K, value V) bool) {
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		return yield(e.key, e.value)
	})
}

// RangeKeys iterates over all keys.
func (m *MapOf[K, V]) RangeKeys(yield func(key K) bool) {
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		return yield(e.key)
	})
}

// RangeValues iterates over all values.
func (m *MapOf[K, V]) RangeValues(yield func(value V) bool) {
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		return yield(e.value)
	})
}

// All is the iterator form of Range.
func (m *MapOf[K, V]) All() func(yield func(K, V) bool) {
	return m.Range
}

// Keys is the iterator form of RangeKeys.
func (m *MapOf[K, V]) Keys() func(yield func(K) bool) {
	return m.RangeKeys
}

// Values is the iterator form of RangeValues.
func (m *MapOf[K, V]) Values() func(yield func(V) bool) {
	return m.RangeValues
}

// ToMap collects all entries into a map[K]V.
func (m *MapOf[K, V]) ToMap() map[K]V {
	a := make(map[K]V, m.Size())
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		a[e.key] = e.value
		return true
	})
	return a
}

// ToMapWithLimit collects up to limit entries into a map[K]V; limit < 0
// means no limit.
func (m *MapOf[K, V]) ToMapWithLimit(limit int) map[K]V {
	if limit == 0 {
		return map[K]V{}
	}
	if limit < 0 {
		limit = math.MaxInt
	}
	a := make(map[K]V, min(m.Size(), limit))
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		a[e.key] = e.value
		limit--
		return limit > 0
	})
	return a
}

// FromMap stores every pair of source into the map.
func (m *MapOf[K, V]) FromMap(source map[K]V) {
	if len(source) == 0 {
		return
	}
	if m.table.Load() == nil {
		m.initSlow()
	}
	for k, v := range source {
		m.Store(k, v)
	}
}

// Clone returns a new map holding a snapshot-weak copy of the receiver.
func (m *MapOf[K, V]) Clone() *MapOf[K, V] {
	clone := &MapOf[K, V]{}
	if m.table.Load() == nil {
		return clone
	}
	clone.init(m.keyHash, m.valEqual, WithPresize(m.Capacity()))
	m.rangeEntry(func(e *entryOf[K, V]) bool {
		clone.Store(e.key, e.value)
		return true
	})
	return clone
}

// String implements fmt.Stringer.
func (m *MapOf[K, V]) String() string {
	const limit = 1024
	return strings.Replace(
		fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "MapOf[", 1)
}

var (
	jsonMarshal   func(v any) ([]byte, error)
	jsonUnmarshal func(data []byte, v any) error
)

// SetDefaultJSONMarshal sets the JSON serialization functions used by
// MarshalJSON and UnmarshalJSON. The standard library is the default.
func SetDefaultJSONMarshal(
	marshal func(v any) ([]byte, error),
	unmarshal func(data []byte, v any) error,
) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

// MarshalJSON serializes a snapshot-weak copy of the map.
func (m *MapOf[K, V]) MarshalJSON() ([]byte, error) {
	if jsonMarshal != nil {
		return jsonMarshal(m.ToMap())
	}
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON stores every pair of the serialized object into the map.
func (m *MapOf[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if jsonUnmarshal != nil {
		if err := jsonUnmarshal(data, &a); err != nil {
			return err
		}
	} else {
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
	}
	m.FromMap(a)
	return nil
}

// MapStats is a point-in-time, best-effort view of the table chain,
// gathered without synchronization. Use for diagnostics only.
type MapStats struct {
	// RootCapacity is the record count of the current table.
	RootCapacity int
	// Capacity is the record count of the newest table in the chain.
	Capacity int
	// Size is the aliased live-entry estimate.
	Size int
	// Slots is the claimed-record count summed over the chain.
	Slots int
	// Tables is the length of the forward chain; more than 1 means a
	// migration is in flight.
	Tables int
	// Growths counts successor tables installed over the map's lifetime.
	Growths uint32
}

// ToString returns a printable form of the stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	fmt.Fprintf(&sb, "RootCapacity: %d\n", s.RootCapacity)
	fmt.Fprintf(&sb, "Capacity: %d\n", s.Capacity)
	fmt.Fprintf(&sb, "Size: %d\n", s.Size)
	fmt.Fprintf(&sb, "Slots: %d\n", s.Slots)
	fmt.Fprintf(&sb, "Tables: %d\n", s.Tables)
	fmt.Fprintf(&sb, "Growths: %d\n", s.Growths)
	sb.WriteString("}\n")
	return sb.String()
}

// Stats walks the table chain and returns a best-effort snapshot of its
// shape. O(tables), not O(n).
func (m *MapOf[K, V]) Stats() *MapStats {
	stats := &MapStats{Growths: m.growths.Load()}
	table := m.table.Load()
	if table == nil {
		return stats
	}
	stats.RootCapacity = len(table.records)
	stats.Size = int(max(table.size.sum(), 0))
	for t := table; t != nil; t = t.next.Load() {
		stats.Tables++
		stats.Capacity = len(t.records)
		stats.Slots += int(t.slots.sum())
	}
	return stats
}
