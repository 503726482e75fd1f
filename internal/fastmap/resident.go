// Package fastmap provides a lock-free hash set for page identifiers.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

import "sync/atomic"

// Sentinel slot values. Neither can be a valid key.
const (
	empty     = ^uint64(0)
	tombstone = ^uint64(0) - 1
)

// Fibonacci hash constant: 2^64 / golden ratio
const fibHash64 = 11400714819323198485

// ResidentSet is a fixed-capacity open-addressing set of uint64 keys with
// linear probing. Insert and Remove are lock-free (one CAS per claimed slot);
// removed keys leave tombstones that later inserts reuse. A shared clock
// cursor hands out disjoint batches of slots for second-chance scanning.
type ResidentSet struct {
	slots []atomic.Uint64
	mask  uint64
	clock atomic.Uint64
	count atomic.Int64
}

// NewResidentSet creates a set able to hold maxCount keys. The table is
// sized to the next power of two of 1.5x maxCount so probes stay short.
func NewResidentSet(maxCount uint64) *ResidentSet {
	size := nextPow2(maxCount + maxCount/2)
	if size < 16 {
		size = 16
	}
	s := &ResidentSet{
		slots: make([]atomic.Uint64, size),
		mask:  size - 1,
	}
	for i := range s.slots {
		s.slots[i].Store(empty)
	}
	return s
}

func nextPow2(x uint64) uint64 {
	n := uint64(1)
	for n < x {
		n <<= 1
	}
	return n
}

// hash computes a fast hash using fibonacci hashing
func (s *ResidentSet) hash(key uint64) uint64 {
	return (key * fibHash64) >> 17
}

// Insert adds key. The key must not already be present and the set must
// not be full.
func (s *ResidentSet) Insert(key uint64) {
	pos := s.hash(key) & s.mask
	for probes := uint64(0); ; probes++ {
		if probes > s.mask {
			panic("fastmap: resident set is full")
		}
		cur := s.slots[pos].Load()
		if cur == key {
			panic("fastmap: duplicate insert into resident set")
		}
		if (cur == empty || cur == tombstone) && s.slots[pos].CompareAndSwap(cur, key) {
			s.count.Add(1)
			return
		}
		pos = (pos + 1) & s.mask
	}
}

// Remove deletes key and reports whether it was present. Only the caller
// whose CAS succeeds gets true, which is how an evictor claims a page.
func (s *ResidentSet) Remove(key uint64) bool {
	pos := s.hash(key) & s.mask
	for probes := uint64(0); probes <= s.mask; probes++ {
		cur := s.slots[pos].Load()
		if cur == empty {
			return false
		}
		if cur == key && s.slots[pos].CompareAndSwap(cur, tombstone) {
			s.count.Add(-1)
			return true
		}
		pos = (pos + 1) & s.mask
	}
	return false
}

// Contains reports whether key is present.
func (s *ResidentSet) Contains(key uint64) bool {
	pos := s.hash(key) & s.mask
	for probes := uint64(0); probes <= s.mask; probes++ {
		cur := s.slots[pos].Load()
		if cur == empty {
			return false
		}
		if cur == key {
			return true
		}
		pos = (pos + 1) & s.mask
	}
	return false
}

// NextBatch advances the clock by batch slots and calls fn for every key
// found in the claimed window. Concurrent callers get disjoint windows.
func (s *ResidentSet) NextBatch(batch uint64, fn func(key uint64)) {
	size := s.mask + 1
	if batch > size {
		batch = size
	}
	var pos uint64
	for {
		pos = s.clock.Load()
		if s.clock.CompareAndSwap(pos, (pos+batch)&s.mask) {
			break
		}
	}
	for i := uint64(0); i < batch; i++ {
		cur := s.slots[pos].Load()
		if cur != empty && cur != tombstone {
			fn(cur)
		}
		pos = (pos + 1) & s.mask
	}
}

// ForEach calls fn for every key currently in the set.
func (s *ResidentSet) ForEach(fn func(key uint64)) {
	for i := range s.slots {
		cur := s.slots[i].Load()
		if cur != empty && cur != tombstone {
			fn(cur)
		}
	}
}

// Len returns the number of keys.
func (s *ResidentSet) Len() int {
	return int(s.count.Load())
}

// Capacity returns the number of slots in the table.
func (s *ResidentSet) Capacity() uint64 {
	return s.mask + 1
}
