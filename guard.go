package vmcache

// optGuard is an optimistic read of one page: no lock is held, the state
// word seen at construction is re-checked before anything read from the
// page is trusted. A zero guard (bm == nil) is released.
type optGuard struct {
	bm   *BufferManager
	pid  PID
	word uint64
	n    node
}

// optimistic snapshots pid, faulting it in and clearing an eviction mark
// first. It spins while the page is exclusively locked.
func (bm *BufferManager) optimistic(pid PID) optGuard {
	ps := bm.state(pid)
	for spin := 0; ; spin++ {
		v := ps.Load()
		switch stateOf(v) {
		case StateMarked:
			ps.tryUnmark(v)
		case StateLocked:
		case StateEvicted:
			if ps.TryLockExclusive(v) {
				bm.handleFault(pid)
				ps.UnlockExclusive()
			}
		default:
			return optGuard{bm: bm, pid: pid, word: v, n: node(bm.page(pid))}
		}
		yield(spin)
	}
}

// check returns errRestart if the page changed since the snapshot. Readers
// joining or leaving keep the snapshot valid; so does an eviction mark,
// which check clears.
func (g *optGuard) check() error {
	if g.bm == nil {
		return nil
	}
	ps := &g.bm.states[g.pid]
	v := ps.Load()
	if v == g.word {
		return nil
	}
	if versionOf(v) == versionOf(g.word) {
		s := stateOf(v)
		if s <= MaxShared {
			return nil
		}
		if s == StateMarked && ps.tryUnmark(v) {
			return nil
		}
	}
	return errRestart
}

// release validates the snapshot one last time and drops the guard.
func (g *optGuard) release() error {
	err := g.check()
	g.bm = nil
	return err
}

// child validates g and then snapshots pid, which must have been read from
// g's page.
func (g *optGuard) child(pid PID) (optGuard, error) {
	if err := g.check(); err != nil {
		return optGuard{}, err
	}
	return g.bm.optimistic(pid), nil
}

// upgrade turns g into an exclusive lock if the page is still at the
// snapshot's version. g is released either way.
func (g *optGuard) upgrade() (xGuard, error) {
	bm, pid := g.bm, g.pid
	g.bm = nil
	ps := &bm.states[pid]
	for spin := 0; ; spin++ {
		v := ps.Load()
		if versionOf(v) != versionOf(g.word) {
			return xGuard{}, errRestart
		}
		switch stateOf(v) {
		case StateUnlocked, StateMarked:
			if ps.TryLockExclusive(v) {
				bm.dirty[pid].Store(true)
				return xGuard{bm: bm, pid: pid, n: g.n}, nil
			}
		}
		yield(spin)
	}
}

// share turns g into a shared lock if the page is still at the snapshot's
// version. g is released either way.
func (g *optGuard) share() (sGuard, error) {
	bm, pid := g.bm, g.pid
	g.bm = nil
	ps := &bm.states[pid]
	for spin := 0; ; spin++ {
		v := ps.Load()
		if versionOf(v) != versionOf(g.word) {
			return sGuard{}, errRestart
		}
		if s := stateOf(v); (s < MaxShared || s == StateMarked) && ps.TryLockShared(v) {
			return sGuard{bm: bm, pid: pid, n: g.n}, nil
		}
		yield(spin)
	}
}

// xGuard holds a page exclusively. The page is marked dirty on acquisition.
type xGuard struct {
	bm  *BufferManager
	pid PID
	n   node
}

// exclusive locks pid exclusively.
func (bm *BufferManager) exclusive(pid PID) xGuard {
	return xGuard{bm: bm, pid: pid, n: node(bm.fixExclusive(pid))}
}

// allocNode allocates a new page and formats it as an empty node. The
// page comes back exclusively locked.
func (bm *BufferManager) allocNode(leaf bool) xGuard {
	pid, page := bm.allocPage()
	n := node(page)
	n.init(leaf)
	return xGuard{bm: bm, pid: pid, n: n}
}

// release unlocks the page. Releasing twice is a no-op.
func (g *xGuard) release() {
	if g.bm != nil {
		g.bm.unfixExclusive(g.pid)
		g.bm = nil
	}
}

// sGuard holds a shared lock on a page.
type sGuard struct {
	bm  *BufferManager
	pid PID
	n   node
}

// shared locks pid in shared mode.
func (bm *BufferManager) shared(pid PID) sGuard {
	return sGuard{bm: bm, pid: pid, n: node(bm.fixShared(pid))}
}

// release unlocks the page. Releasing twice is a no-op.
func (g *sGuard) release() {
	if g.bm != nil {
		g.bm.unfixShared(g.pid)
		g.bm = nil
	}
}
