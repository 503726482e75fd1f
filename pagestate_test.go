package vmcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newState() *PageState {
	var ps PageState
	ps.init()
	return &ps
}

func TestPageStateStartsEvicted(t *testing.T) {
	ps := newState()
	require.Equal(t, StateEvicted, ps.State())
	require.Zero(t, ps.Version())
}

func TestPageStateExclusive(t *testing.T) {
	ps := newState()
	require.True(t, ps.TryLockExclusive(ps.Load()))
	require.Equal(t, StateLocked, ps.State())
	require.Zero(t, ps.Version(), "locking keeps the version")

	require.False(t, ps.TryLockExclusive(ps.Load()), "locked pages cannot be locked again")
	require.False(t, ps.TryLockShared(ps.Load()))

	ps.UnlockExclusive()
	require.Equal(t, StateUnlocked, ps.State())
	require.EqualValues(t, 1, ps.Version())

	stale := ps.Load()
	require.True(t, ps.TryLockExclusive(stale))
	ps.UnlockExclusive()
	require.False(t, ps.TryLockExclusive(stale), "a stale expected word must fail")
}

func TestPageStateShared(t *testing.T) {
	ps := newState()
	require.True(t, ps.TryLockExclusive(ps.Load()))
	ps.UnlockExclusive()
	v := ps.Version()

	for i := uint64(1); i < MaxShared; i++ {
		require.True(t, ps.TryLockShared(ps.Load()))
		require.Equal(t, i, ps.State())
	}
	require.True(t, ps.TryLockShared(ps.Load()))
	require.Equal(t, MaxShared, ps.State())
	require.False(t, ps.TryLockShared(ps.Load()), "reader count is capped")
	require.False(t, ps.TryLockExclusive(ps.Load()))

	for i := MaxShared; i > 0; i-- {
		ps.UnlockShared()
	}
	require.Equal(t, StateUnlocked, ps.State())
	require.Equal(t, v, ps.Version(), "shared locks never change the version")
}

func TestPageStateMark(t *testing.T) {
	ps := newState()
	require.False(t, ps.TryMark(ps.Load()), "evicted pages cannot be marked")
	require.True(t, ps.TryLockExclusive(ps.Load()))
	require.False(t, ps.TryMark(ps.Load()), "locked pages cannot be marked")
	ps.UnlockExclusive()

	require.True(t, ps.TryMark(ps.Load()))
	require.Equal(t, StateMarked, ps.State())
	v := ps.Version()

	// A reader rescues a marked page.
	require.True(t, ps.TryLockShared(ps.Load()))
	require.EqualValues(t, 1, ps.State())
	require.Equal(t, v, ps.Version())
	ps.UnlockShared()

	require.True(t, ps.TryMark(ps.Load()))
	require.True(t, ps.tryUnmark(ps.Load()))
	require.Equal(t, StateUnlocked, ps.State())
	require.Equal(t, v, ps.Version())

	// Marked pages can be locked for eviction directly.
	require.True(t, ps.TryMark(ps.Load()))
	require.True(t, ps.TryLockExclusive(ps.Load()))
	ps.UnlockExclusiveEvicted()
	require.Equal(t, StateEvicted, ps.State())
	require.Equal(t, v+1, ps.Version())
}

func TestPageStateUpgradeAndDowngrade(t *testing.T) {
	ps := newState()
	require.True(t, ps.TryLockExclusive(ps.Load()))
	ps.Downgrade()
	require.EqualValues(t, 1, ps.State())
	require.EqualValues(t, 1, ps.Version())

	require.True(t, ps.TryLockShared(ps.Load()))
	require.False(t, ps.tryUpgradeShared(ps.Load()), "upgrade needs a single reader")
	ps.UnlockShared()

	require.True(t, ps.tryUpgradeShared(ps.Load()))
	require.Equal(t, StateLocked, ps.State())
	ps.UnlockExclusive()
	require.EqualValues(t, 2, ps.Version())
}

func TestPageStateMisuse(t *testing.T) {
	ps := newState()
	require.Panics(t, func() { ps.UnlockExclusive() })
	require.Panics(t, func() { ps.UnlockShared() })

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*Error)
		require.True(t, ok)
		require.Equal(t, ErrInvariant, err.Code)
	}()
	ps.Downgrade()
}

func TestStateWordHelpers(t *testing.T) {
	w := sameVersion(41, StateMarked)
	require.Equal(t, StateMarked, stateOf(w))
	require.EqualValues(t, 41, versionOf(w))

	w = nextVersion(w, StateUnlocked)
	require.Equal(t, StateUnlocked, stateOf(w))
	require.EqualValues(t, 42, versionOf(w))

	// The version wraps inside its 56 bits.
	w = nextVersion(sameVersion(versionMask, StateLocked), StateUnlocked)
	require.Zero(t, versionOf(w))
	require.Equal(t, StateUnlocked, stateOf(w))
}
