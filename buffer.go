package vmcache

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Giulio2002/vmcache/internal/fastmap"
	"github.com/Giulio2002/vmcache/internal/logger"
	"github.com/Giulio2002/vmcache/storage"
)

// PID is a page identifier: the page's offset in the virtual region, in
// pages. PID 0 is the metadata page.
type PID uint64

// BufferManager caches fixed-size pages of a storage device in a virtual
// region. Every page has a PageState; resident pages are tracked in a
// lock-free set that doubles as the clock for batched second-chance
// eviction. There is no global lock.
type BufferManager struct {
	log      *zap.Logger
	dev      storage.Device
	region   Region
	states   []PageState
	dirty    []atomic.Bool
	resident *fastmap.ResidentSet

	virtCount      uint64
	physCount      uint64
	batch          int
	evictThreshold int64

	physUsed   atomic.Int64
	allocCount atomic.Uint64
	stats      counters
	evictLog   rate.Sometimes

	registry   prometheus.Registerer
	registered []prometheus.Collector
	closed     atomic.Bool
}

// frameHeadroom is how many frames the frames backend keeps beyond the
// resident budget, so concurrent faults can overshoot it briefly.
func frameHeadroom(phys uint64, batch int) uint64 {
	h := phys / 16
	if h < uint64(2*batch) {
		h = uint64(2 * batch)
	}
	if h < 64 {
		h = 64
	}
	return h
}

// Open creates a buffer manager over dev. If page 0 of dev carries a
// metadata page written by Close, the allocation counter and tree roots are
// restored; otherwise a fresh metadata page is initialized.
func Open(dev storage.Device, cfg Config) (*BufferManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, WrapError(ErrInvalid, errors.New("nil storage device"))
	}
	virt, phys := cfg.VirtualPageCount(), cfg.PhysicalPageCount()
	frames := phys + frameHeadroom(phys, cfg.EvictBatch)
	if frames > virt {
		frames = virt
	}

	region, err := newRegion(cfg.Region, virt, frames)
	if err != nil {
		return nil, err
	}

	bm := &BufferManager{
		log:            logger.OrNop(cfg.Logger),
		dev:            dev,
		region:         region,
		states:         make([]PageState, virt),
		dirty:          make([]atomic.Bool, virt),
		resident:       fastmap.NewResidentSet(frames),
		virtCount:      virt,
		physCount:      phys,
		batch:          cfg.EvictBatch,
		evictThreshold: int64(phys * evictThresholdPct / 100),
		evictLog:       rate.Sometimes{Interval: time.Second},
	}
	for i := range bm.states {
		bm.states[i].init()
	}

	if err := bm.loadMeta(); err != nil {
		region.Close()
		return nil, err
	}
	bm.registerMetrics(cfg.Registerer)

	bm.log.Info("buffer manager opened",
		zap.Uint64("virtual_pages", virt),
		zap.Uint64("physical_pages", phys),
		zap.Int("evict_batch", cfg.EvictBatch),
		zap.String("region", cfg.Region),
		zap.Uint64("next_pid", bm.allocCount.Load()))
	return bm, nil
}

// loadMeta restores or initializes the metadata page.
func (bm *BufferManager) loadMeta() error {
	m := metaPage(bm.fixExclusive(MetadataPID))
	defer bm.unfixExclusive(MetadataPID)

	if m.magic() != metaMagic {
		m.init()
		bm.allocCount.Store(uint64(firstDataPID))
		return nil
	}
	if v := m.version(); v != metaFormat {
		return corruptf("metadata page format %d, want %d", v, metaFormat)
	}
	next := m.nextPID()
	if next < firstDataPID || uint64(next) > bm.virtCount {
		return corruptf("metadata next PID %d outside the virtual region (%d pages)", next, bm.virtCount)
	}
	bm.allocCount.Store(uint64(next))
	return nil
}

// fatal logs err and panics with it. Used for conditions the buffer
// manager cannot recover from: device failures and address exhaustion.
func (bm *BufferManager) fatal(err *Error) {
	bm.log.Error("buffer manager failure", zap.Error(err))
	panic(err)
}

// yield backs off a spinning CAS loop.
func yield(spin int) {
	if spin < 1024 {
		runtime.Gosched()
		return
	}
	time.Sleep(10 * time.Microsecond)
}

// page returns the bytes of pid.
func (bm *BufferManager) page(pid PID) []byte {
	return bm.region.Page(pid)
}

func (bm *BufferManager) state(pid PID) *PageState {
	if uint64(pid) >= bm.virtCount {
		panic(corruptf("PID %d outside the virtual region (%d pages)", pid, bm.virtCount))
	}
	return &bm.states[pid]
}

// fixExclusive locks pid exclusively, faulting it in if needed, and marks
// it dirty.
func (bm *BufferManager) fixExclusive(pid PID) []byte {
	ps := bm.state(pid)
	for spin := 0; ; spin++ {
		v := ps.Load()
		switch stateOf(v) {
		case StateEvicted:
			if ps.TryLockExclusive(v) {
				bm.handleFault(pid)
				bm.dirty[pid].Store(true)
				return bm.page(pid)
			}
		case StateUnlocked, StateMarked:
			if ps.TryLockExclusive(v) {
				bm.dirty[pid].Store(true)
				return bm.page(pid)
			}
		}
		yield(spin)
	}
}

// fixShared takes a shared lock on pid, faulting it in if needed. A page
// faulted in here goes straight from Locked to Shared(1).
func (bm *BufferManager) fixShared(pid PID) []byte {
	ps := bm.state(pid)
	for spin := 0; ; spin++ {
		v := ps.Load()
		switch stateOf(v) {
		case StateLocked:
		case StateEvicted:
			if ps.TryLockExclusive(v) {
				bm.handleFault(pid)
				ps.Downgrade()
				return bm.page(pid)
			}
		default:
			if ps.TryLockShared(v) {
				return bm.page(pid)
			}
		}
		yield(spin)
	}
}

func (bm *BufferManager) unfixExclusive(pid PID) {
	bm.states[pid].UnlockExclusive()
}

func (bm *BufferManager) unfixShared(pid PID) {
	bm.states[pid].UnlockShared()
}

// allocPage hands out the next PID, zeroed, dirty and exclusively locked.
// Running out of virtual PIDs is fatal.
func (bm *BufferManager) allocPage() (PID, []byte) {
	bm.physUsed.Add(1)
	bm.ensureFreePages()

	pid := PID(bm.allocCount.Add(1) - 1)
	if uint64(pid) >= bm.virtCount {
		bm.fatal(WrapError(ErrVirtualExhausted,
			fmt.Errorf("PID %d does not fit in %d virtual pages", pid, bm.virtCount)))
	}
	ps := &bm.states[pid]
	assert(ps.TryLockExclusive(ps.Load()), "freshly allocated page is already locked")

	bm.mapPage(pid)
	page := bm.page(pid)
	clear(page)
	bm.dirty[pid].Store(true)
	bm.resident.Insert(uint64(pid))
	return pid, page
}

// handleFault brings pid into memory. The caller holds it exclusively.
func (bm *BufferManager) handleFault(pid PID) {
	bm.physUsed.Add(1)
	bm.ensureFreePages()

	bm.mapPage(pid)
	if err := bm.dev.ReadPage(uint64(pid), bm.page(pid)); err != nil {
		bm.fatal(WrapError(ErrIO, err))
	}
	bm.stats.reads.Add(1)
	bm.stats.faults.Add(1)
	bm.resident.Insert(uint64(pid))
	bm.dirty[pid].Store(false)
}

// mapPage backs pid with memory, evicting while the region is out of
// frames.
func (bm *BufferManager) mapPage(pid PID) {
	for spin := 0; ; spin++ {
		err := bm.region.Map(pid)
		if err == nil {
			return
		}
		if !errors.Is(err, errNoFrame) {
			bm.fatal(WrapError(ErrIO, err))
		}
		if bm.evict() == 0 {
			yield(spin)
		}
	}
}

// HandleFaultAt faults in the page containing addr, for callers that
// deliver memory access faults themselves. It returns false when addr is
// outside the region or the page is not evicted.
func (bm *BufferManager) HandleFaultAt(addr uintptr) bool {
	base := bm.region.Base()
	if base == 0 || addr < base {
		return false
	}
	pid := PID((addr - base) / PageSize)
	if uint64(pid) >= bm.virtCount {
		return false
	}
	ps := &bm.states[pid]
	v := ps.Load()
	if stateOf(v) != StateEvicted || !ps.TryLockExclusive(v) {
		return false
	}
	bm.handleFault(pid)
	ps.UnlockExclusive()
	return true
}

// Resident reports whether pid is currently in memory.
func (bm *BufferManager) Resident(pid PID) bool {
	return bm.resident.Contains(uint64(pid))
}

// FlushAll writes every dirty resident page back to the device and syncs
// it. The allocation counter is stored in the metadata page first. Pages
// held exclusively while FlushAll runs are not written.
func (bm *BufferManager) FlushAll() error {
	m := metaPage(bm.fixExclusive(MetadataPID))
	m.setNextPID(PID(bm.allocCount.Load()))
	bm.unfixExclusive(MetadataPID)

	var pids []PID
	bm.resident.ForEach(func(key uint64) {
		if bm.dirty[key].Load() {
			pids = append(pids, PID(key))
		}
	})

	written := 0
	for len(pids) > 0 {
		n := min(len(pids), bm.batch)
		written += bm.writeBack(pids[:n])
		pids = pids[n:]
	}
	if err := bm.dev.Sync(); err != nil {
		return WrapError(ErrIO, err)
	}
	bm.log.Info("flushed dirty pages", zap.Int("pages", written))
	return nil
}

// writeBack writes the dirty pages among pids under shared locks. Pages
// evicted meanwhile were written by the evictor and are skipped, as are
// pages locked by a writer, which stay dirty.
func (bm *BufferManager) writeBack(pids []PID) int {
	locked := make([]PID, 0, len(pids))
	for _, pid := range pids {
		ps := &bm.states[pid]
		for spin := 0; ; spin++ {
			v := ps.Load()
			if s := stateOf(v); s == StateEvicted || s == StateLocked {
				break
			}
			if ps.TryLockShared(v) {
				if bm.dirty[pid].Load() {
					bm.dirty[pid].Store(false)
					locked = append(locked, pid)
				} else {
					ps.UnlockShared()
				}
				break
			}
			yield(spin)
		}
	}
	if len(locked) == 0 {
		return 0
	}
	bm.write(locked)
	for _, pid := range locked {
		bm.states[pid].UnlockShared()
	}
	return len(locked)
}

// write submits one batch of page writes and waits for it.
func (bm *BufferManager) write(pids []PID) {
	reqs := make([]storage.Write, len(pids))
	for i, pid := range pids {
		reqs[i] = storage.Write{PID: uint64(pid), Data: bm.page(pid)}
	}
	if err := bm.dev.WritePages(reqs).Wait(); err != nil {
		bm.fatal(WrapError(ErrIO, err))
	}
	bm.stats.writes.Add(uint64(len(pids)))
}

// Close flushes every dirty page, persists the allocation counter and
// releases the region and the device. The buffer manager and every tree
// on it must not be used afterwards.
func (bm *BufferManager) Close() error {
	if !bm.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := bm.FlushAll()
	bm.unregisterMetrics()
	regionErr := bm.region.Close()
	devErr := bm.dev.Close()
	bm.log.Info("buffer manager closed",
		zap.Uint64("next_pid", bm.allocCount.Load()),
		zap.Uint64("evictions", bm.stats.evictions.Load()))
	return errors.Join(flushErr, regionErr, devErr)
}
