package nbx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SetOf is a concurrent set: the map core with the value field elided.
// Membership operations are individually linearizable; the set-algebra
// methods are snapshot-weak and documented as such.
//
// The zero value is ready for use. A SetOf must not be copied after first
// use.
type SetOf[K comparable] struct {
	m MapOf[K, struct{}]
}

// NewSetOf creates a new SetOf instance. Direct initialization of the zero
// value is also supported.
//
// Parameters:
//   - WithPresize option for initial capacity
func NewSetOf[K comparable](options ...func(*MapConfig)) *SetOf[K] {
	return NewSetOfWithHasher[K](nil, options...)
}

// NewSetOfWithHasher creates a SetOf with a custom key hashing capability.
// A nil keyHash selects the built-in hasher; a zero hash is legal and is
// remapped internally.
func NewSetOfWithHasher[K comparable](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *SetOf[K] {
	s := &SetOf[K]{}
	s.m.Init(keyHash, nil, options...)
	return s
}

// NewSetOfFrom creates a SetOf pre-sized for and holding the given keys.
func NewSetOfFrom[K comparable](keys ...K) *SetOf[K] {
	s := NewSetOf[K](WithPresize(min(2*len(keys), maxTableLen)))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts the key and reports whether it was absent: true exactly when
// no prior live binding existed.
func (s *SetOf[K]) Add(key K) bool {
	table := s.m.table.Load()
	if table == nil {
		table = s.m.initSlow()
	}
	hash := s.m.hashOf(&key)
	newe := &entryOf[K, struct{}]{key: key, state: entryLive}
	prev := s.m.putIfMatch(table, hash, &key, newe, matchAbsent, nil)
	return prev == nil || prev.state != entryLive
}

// Contains reports whether the key is a member.
func (s *SetOf[K]) Contains(key K) bool {
	return s.m.HasKey(key)
}

// Remove deletes the key and reports whether it was present.
func (s *SetOf[K]) Remove(key K) bool {
	_, loaded := s.m.LoadAndDelete(key)
	return loaded
}

// FindOrStore interns the key: it stores the key if absent and returns the
// canonical resident instance either way. The loaded result is true if the
// key was already a member.
//
// Two successive calls with equal keys return the same stored instance,
// which makes the set usable as a deduplication pool. Instance identity is
// only meaningful for key types that carry reference semantics (strings,
// pointers, interfaces, or aggregates of them); for plain value types the
// returned key is merely equal.
func (s *SetOf[K]) FindOrStore(key K) (actual K, loaded bool) {
	table := s.m.table.Load()
	if table == nil {
		table = s.m.initSlow()
	}
	hash := s.m.hashOf(&key)
	if e := s.m.findEntry(table, hash, &key); e != nil {
		return e.key, true
	}
	newe := &entryOf[K, struct{}]{key: key, state: entryLive}
	prev := s.m.putIfMatch(table, hash, &key, newe, matchAbsent, nil)
	if prev != nil && prev.state == entryLive {
		return prev.key, true
	}
	return newe.key, false
}

// RemoveWhere deletes every member satisfying pred and returns the number
// removed. The sweep semantics match MapOf.RemoveWhere.
func (s *SetOf[K]) RemoveWhere(pred func(key K) bool) int {
	return s.m.RemoveWhere(func(key K, _ struct{}) bool {
		return pred(key)
	})
}

// Clear resets the set to an empty table of its original capacity.
func (s *SetOf[K]) Clear() {
	s.m.Clear()
}

// Size returns the approximate number of members.
func (s *SetOf[K]) Size() int {
	return s.m.Size()
}

// IsZero checks for emptiness, faster than Size.
func (s *SetOf[K]) IsZero() bool {
	return s.m.IsZero()
}

// Capacity reports the record count of the current table, or of the
// in-progress successor when a resize is under way.
func (s *SetOf[K]) Capacity() int {
	return s.m.Capacity()
}

// Range calls yield for each member. The traversal guarantees match
// MapOf.Range.
func (s *SetOf[K]) Range(yield func(key K) bool) {
	s.m.RangeKeys(yield)
}

// All is the iterator form of Range.
func (s *SetOf[K]) All() func(yield func(K) bool) {
	return s.Range
}

// ToSlice collects the members into a slice.
func (s *SetOf[K]) ToSlice() []K {
	a := make([]K, 0, s.Size())
	s.Range(func(key K) bool {
		a = append(a, key)
		return true
	})
	return a
}

// FromSlice adds every key of the slice.
func (s *SetOf[K]) FromSlice(keys []K) {
	for _, k := range keys {
		s.Add(k)
	}
}

// Clone returns a new set holding a snapshot-weak copy of the receiver.
func (s *SetOf[K]) Clone() *SetOf[K] {
	clone := &SetOf[K]{}
	if s.m.table.Load() == nil {
		return clone
	}
	clone.m.init(s.m.keyHash, s.m.valEqual, WithPresize(s.m.Capacity()))
	s.Range(func(key K) bool {
		clone.Add(key)
		return true
	})
	return clone
}

// UnionWith adds every member of other. Snapshot-weak against concurrent
// writers on either set.
func (s *SetOf[K]) UnionWith(other *SetOf[K]) {
	if other == nil {
		return
	}
	other.Range(func(key K) bool {
		s.Add(key)
		return true
	})
}

// ExceptWith removes every member of other.
func (s *SetOf[K]) ExceptWith(other *SetOf[K]) {
	if other == nil {
		return
	}
	other.Range(func(key K) bool {
		s.Remove(key)
		return true
	})
}

// SymmetricExceptWith toggles membership for every member of other,
// leaving the keys present in exactly one of the two sets.
func (s *SetOf[K]) SymmetricExceptWith(other *SetOf[K]) {
	if other == nil {
		return
	}
	other.Range(func(key K) bool {
		if !s.Remove(key) {
			s.Add(key)
		}
		return true
	})
}

// IntersectWith keeps only the members also present in other. The result
// is rebuilt into a private table and substituted atomically, so the set
// is never observed mid-rebuild; the substitution itself is not
// linearizable against concurrent writers and may drop their updates.
func (s *SetOf[K]) IntersectWith(other *SetOf[K]) {
	table := s.m.table.Load()
	if table == nil {
		return
	}
	if other == nil {
		s.Clear()
		return
	}
	var scratch MapOf[K, struct{}]
	scratch.seed = s.m.seed
	scratch.keyHash = s.m.keyHash
	scratch.valEqual = s.m.valEqual
	scratch.minTableLen = s.m.minTableLen
	scratch.table.Store(
		newTableOf[K, struct{}](s.m.minTableLen, newCounter(), 0))
	s.m.rangeEntry(func(e *entryOf[K, struct{}]) bool {
		if other.Contains(e.key) {
			scratch.Store(e.key, struct{}{})
		}
		return true
	})
	// The scratch table is fully built before the swap publishes it.
	s.m.table.Store(scratch.table.Load())
}

// Overlaps reports whether the sets share at least one member.
func (s *SetOf[K]) Overlaps(other *SetOf[K]) bool {
	if other == nil {
		return false
	}
	found := false
	s.Range(func(key K) bool {
		if other.Contains(key) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsSubsetOf reports whether every member of s is a member of other.
func (s *SetOf[K]) IsSubsetOf(other *SetOf[K]) bool {
	if other == nil {
		return s.IsZero()
	}
	subset := true
	s.Range(func(key K) bool {
		if !other.Contains(key) {
			subset = false
			return false
		}
		return true
	})
	return subset
}

// IsSupersetOf reports whether every member of other is a member of s.
func (s *SetOf[K]) IsSupersetOf(other *SetOf[K]) bool {
	if other == nil {
		return true
	}
	return other.IsSubsetOf(s)
}

// Equal reports whether the sets hold the same members, checked one
// direction at a time with no snapshot guarantee.
func (s *SetOf[K]) Equal(other *SetOf[K]) bool {
	return s.IsSubsetOf(other) && s.IsSupersetOf(other)
}

// String implements fmt.Stringer.
func (s *SetOf[K]) String() string {
	const limit = 1024
	a := make([]K, 0, min(s.Size(), limit))
	n := limit
	s.Range(func(key K) bool {
		a = append(a, key)
		n--
		return n > 0
	})
	return strings.Replace(fmt.Sprint(a), "[", "SetOf[", 1)
}

// MarshalJSON serializes a snapshot-weak copy of the set as an array.
func (s *SetOf[K]) MarshalJSON() ([]byte, error) {
	if jsonMarshal != nil {
		return jsonMarshal(s.ToSlice())
	}
	return json.Marshal(s.ToSlice())
}

// UnmarshalJSON adds every key of the serialized array to the set.
func (s *SetOf[K]) UnmarshalJSON(data []byte) error {
	var a []K
	if jsonUnmarshal != nil {
		if err := jsonUnmarshal(data, &a); err != nil {
			return err
		}
	} else {
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
	}
	s.FromSlice(a)
	return nil
}
