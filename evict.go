package vmcache

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// ensureFreePages evicts a batch once the resident budget is nearly used.
func (bm *BufferManager) ensureFreePages() {
	if bm.physUsed.Load() >= bm.evictThreshold {
		bm.evict()
	}
}

// cleanCandidate is a marked clean page and the state word it was seen
// with. It is only evicted if the word is unchanged.
type cleanCandidate struct {
	pid  PID
	word uint64
}

// evict runs one round of second-chance eviction and returns the number of
// pages released.
//
// The clock walks the resident set in windows of one batch. Unlocked pages
// are marked; pages still marked on a later visit become candidates: clean
// ones directly, dirty ones after being shared-locked and written back in a
// single batch. A round scans at most two full rotations, so it may release
// fewer than a batch of pages.
func (bm *BufferManager) evict() int {
	var (
		clean   = make([]cleanCandidate, 0, bm.batch)
		toWrite = make([]PID, 0, bm.batch)
		seen    = mapset.NewThreadUnsafeSetWithSize[PID](bm.batch)
		limit   = 2 * bm.resident.Capacity()
	)
	for scanned := uint64(0); len(clean)+len(toWrite) < bm.batch && scanned < limit; scanned += uint64(bm.batch) {
		bm.resident.NextBatch(uint64(bm.batch), func(key uint64) {
			if len(clean)+len(toWrite) >= bm.batch {
				return
			}
			pid := PID(key)
			ps := &bm.states[pid]
			v := ps.Load()
			switch stateOf(v) {
			case StateUnlocked:
				ps.TryMark(v)
			case StateMarked:
				if !seen.Add(pid) {
					return
				}
				if bm.dirty[pid].Load() {
					if ps.TryLockShared(v) {
						toWrite = append(toWrite, pid)
					}
					return
				}
				clean = append(clean, cleanCandidate{pid: pid, word: v})
			}
		})
	}

	// Readers can still join while the batch is written; writers cannot.
	if len(toWrite) > 0 {
		for _, pid := range toWrite {
			bm.dirty[pid].Store(false)
		}
		bm.write(toWrite)
	}

	victims := make([]PID, 0, len(clean)+len(toWrite))
	for _, c := range clean {
		if bm.states[c.pid].TryLockExclusive(c.word) {
			victims = append(victims, c.pid)
		}
	}
	for _, pid := range toWrite {
		ps := &bm.states[pid]
		if ps.tryUpgradeShared(ps.Load()) {
			victims = append(victims, pid)
		} else {
			ps.UnlockShared()
		}
	}
	if len(victims) == 0 {
		return 0
	}

	if err := bm.region.Unmap(victims); err != nil {
		bm.fatal(WrapError(ErrIO, err))
	}
	for _, pid := range victims {
		assert(bm.resident.Remove(uint64(pid)), "evicted page missing from resident set")
		bm.states[pid].UnlockExclusiveEvicted()
	}

	n := len(victims)
	bm.physUsed.Add(int64(-n))
	bm.stats.evictions.Add(uint64(n))
	bm.stats.evictRounds.Add(1)
	bm.evictLog.Do(func() {
		bm.log.Debug("evicted pages",
			zap.Int("pages", n),
			zap.Int("written", len(toWrite)),
			zap.Int64("phys_used", bm.physUsed.Load()),
			zap.Int("resident", bm.resident.Len()))
	})
	return n
}
