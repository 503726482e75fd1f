package vmcache

import "sync/atomic"

// PageState is the lock/version word of one page.
//
// Layout (64 bits):
//
//	Bits    Field
//	56..63  state: 0 unlocked, 1..252 shared count, 253 locked,
//	        254 marked, 255 evicted
//	0..55   version, bumped on every release of an exclusive lock
type PageState struct {
	word atomic.Uint64
}

// Page state tags
const (
	StateUnlocked uint64 = 0
	MaxShared     uint64 = 252
	StateLocked   uint64 = 253
	StateMarked   uint64 = 254
	StateEvicted  uint64 = 255
)

const versionMask = (uint64(1) << 56) - 1

// stateOf extracts the state tag of a state word.
func stateOf(v uint64) uint64 {
	return v >> 56
}

// versionOf extracts the version of a state word.
func versionOf(v uint64) uint64 {
	return v & versionMask
}

// sameVersion returns v with its state replaced.
func sameVersion(v, state uint64) uint64 {
	return versionOf(v) | state<<56
}

// nextVersion returns v with its state replaced and its version bumped.
func nextVersion(v, state uint64) uint64 {
	return ((versionOf(v) + 1) & versionMask) | state<<56
}

// init puts the page in the evicted state with version zero.
func (ps *PageState) init() {
	ps.word.Store(sameVersion(0, StateEvicted))
}

// Load returns the current state word.
func (ps *PageState) Load() uint64 {
	return ps.word.Load()
}

// State returns the current state tag.
func (ps *PageState) State() uint64 {
	return stateOf(ps.word.Load())
}

// Version returns the current version.
func (ps *PageState) Version() uint64 {
	return versionOf(ps.word.Load())
}

// TryLockExclusive locks the page if the word still equals expected and
// expected is unlocked, marked or evicted. The version is kept.
func (ps *PageState) TryLockExclusive(expected uint64) bool {
	switch stateOf(expected) {
	case StateUnlocked, StateMarked, StateEvicted:
		return ps.word.CompareAndSwap(expected, sameVersion(expected, StateLocked))
	}
	return false
}

// UnlockExclusive releases an exclusive lock and bumps the version.
func (ps *PageState) UnlockExclusive() {
	v := ps.word.Load()
	assert(stateOf(v) == StateLocked, "unlock exclusive on a page that is not locked")
	ps.word.Store(nextVersion(v, StateUnlocked))
}

// UnlockExclusiveEvicted releases an exclusive lock into the evicted state
// and bumps the version, invalidating every optimistic snapshot.
func (ps *PageState) UnlockExclusiveEvicted() {
	v := ps.word.Load()
	assert(stateOf(v) == StateLocked, "evict unlock on a page that is not locked")
	ps.word.Store(nextVersion(v, StateEvicted))
}

// Downgrade turns an exclusive lock into a single shared lock.
func (ps *PageState) Downgrade() {
	v := ps.word.Load()
	assert(stateOf(v) == StateLocked, "downgrade on a page that is not locked")
	ps.word.Store(nextVersion(v, 1))
}

// TryLockShared adds a reader if the word still equals expected. A marked
// page is rescued into Shared(1).
func (ps *PageState) TryLockShared(expected uint64) bool {
	s := stateOf(expected)
	if s < MaxShared {
		return ps.word.CompareAndSwap(expected, sameVersion(expected, s+1))
	}
	if s == StateMarked {
		return ps.word.CompareAndSwap(expected, sameVersion(expected, 1))
	}
	return false
}

// UnlockShared removes a reader. The version never changes.
func (ps *PageState) UnlockShared() {
	for {
		v := ps.word.Load()
		s := stateOf(v)
		assert(s > 0 && s <= MaxShared, "unlock shared on a page without readers")
		if ps.word.CompareAndSwap(v, sameVersion(v, s-1)) {
			return
		}
	}
}

// TryMark flags an unlocked page as an eviction candidate.
func (ps *PageState) TryMark(expected uint64) bool {
	if stateOf(expected) != StateUnlocked {
		return false
	}
	return ps.word.CompareAndSwap(expected, sameVersion(expected, StateMarked))
}

// tryUnmark clears a mark placed by the evictor without bumping the version.
func (ps *PageState) tryUnmark(expected uint64) bool {
	if stateOf(expected) != StateMarked {
		return false
	}
	return ps.word.CompareAndSwap(expected, sameVersion(expected, StateUnlocked))
}

// tryUpgradeShared turns the caller's single shared lock into an exclusive
// one; it fails if any other reader holds the page.
func (ps *PageState) tryUpgradeShared(expected uint64) bool {
	if stateOf(expected) != 1 {
		return false
	}
	return ps.word.CompareAndSwap(expected, sameVersion(expected, StateLocked))
}
