package vmcache

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/Giulio2002/vmcache/frame"
	"github.com/Giulio2002/vmcache/mmap"
)

// Region is the virtual address range holding every page of the buffer
// pool, indexed by PID. Only resident pages are backed by memory.
type Region interface {
	// Page returns the bytes of page pid. For a page that is not resident
	// the content is unspecified but the slice is always safe to read.
	Page(pid PID) []byte
	// Map backs page pid with memory before it is read or initialized.
	Map(pid PID) error
	// Unmap drops the backing of every page in pids.
	Unmap(pids []PID) error
	// Base returns the address of page 0, or 0 when pages have no fixed
	// addresses.
	Base() uintptr
	// Close releases the region.
	Close() error
}

// newRegion builds the region backend named by kind.
func newRegion(kind string, virtPages, frames uint64) (Region, error) {
	switch kind {
	case RegionMmap, "":
		return newMmapRegion(virtPages)
	case RegionFrames:
		return newFrameRegion(virtPages, frames)
	}
	return nil, WrapError(ErrInvalid, fmt.Errorf("unknown region backend %q", kind))
}

// mmapRegion reserves the whole virtual size as one anonymous mapping.
// The kernel backs pages on first touch; eviction hands them back.
type mmapRegion struct {
	m    *mmap.Map
	data []byte
}

func newMmapRegion(virtPages uint64) (*mmapRegion, error) {
	m, err := mmap.Reserve(int(virtPages * PageSize))
	if err != nil {
		return nil, err
	}
	_ = m.AdviseRandom()
	return &mmapRegion{m: m, data: m.Data()}, nil
}

func (r *mmapRegion) Page(pid PID) []byte {
	off := uint64(pid) * PageSize
	return r.data[off : off+PageSize : off+PageSize]
}

func (r *mmapRegion) Map(pid PID) error {
	return r.m.Commit(int64(pid)*PageSize, PageSize)
}

// Unmap releases pids in as few calls as possible by coalescing runs of
// adjacent PIDs.
func (r *mmapRegion) Unmap(pids []PID) error {
	for _, run := range coalesce(pids) {
		if err := r.m.Discard(int64(run.start)*PageSize, int64(run.n)*PageSize); err != nil {
			return err
		}
	}
	return nil
}

func (r *mmapRegion) Base() uintptr {
	return r.m.Base()
}

func (r *mmapRegion) Close() error {
	r.data = nil
	return r.m.Close()
}

type pidRun struct {
	start PID
	n     uint64
}

// coalesce sorts a copy of pids and groups it into contiguous runs.
func coalesce(pids []PID) []pidRun {
	if len(pids) == 0 {
		return nil
	}
	sorted := slices.Clone(pids)
	slices.Sort(sorted)
	runs := []pidRun{{start: sorted[0], n: 1}}
	for _, pid := range sorted[1:] {
		last := &runs[len(runs)-1]
		switch {
		case pid == last.start+PID(last.n):
			last.n++
		case pid < last.start+PID(last.n):
			// duplicate
		default:
			runs = append(runs, pidRun{start: pid, n: 1})
		}
	}
	return runs
}

// errNoFrame is returned by Map when the frame pool is empty.
var errNoFrame = NewError(ErrNoFrame)

// frameRegion binds resident pages to frames of a fixed pool through a
// translation table. It needs no address space beyond the pool itself.
type frameRegion struct {
	pool  *frame.Pool
	table []atomic.Uint32 // frame index + 1, 0 when unmapped
	zero  [PageSize]byte
}

func newFrameRegion(virtPages, frames uint64) (*frameRegion, error) {
	if frames > 1<<32-2 {
		return nil, WrapError(ErrInvalid, errors.New("too many frames"))
	}
	pool, err := frame.NewPool(uint32(frames), PageSize)
	if err != nil {
		return nil, err
	}
	return &frameRegion{
		pool:  pool,
		table: make([]atomic.Uint32, virtPages),
	}, nil
}

// Page returns the frame bound to pid, or a shared zero page.
func (r *frameRegion) Page(pid PID) []byte {
	if f := r.table[pid].Load(); f != 0 {
		return r.pool.Bytes(f - 1)
	}
	return r.zero[:]
}

func (r *frameRegion) Map(pid PID) error {
	if r.table[pid].Load() != 0 {
		return nil
	}
	f, err := r.pool.Alloc()
	if err != nil {
		if errors.Is(err, frame.ErrExhausted) {
			return errNoFrame
		}
		return err
	}
	r.table[pid].Store(f + 1)
	return nil
}

func (r *frameRegion) Unmap(pids []PID) error {
	frames := make([]uint32, 0, len(pids))
	for _, pid := range pids {
		if f := r.table[pid].Swap(0); f != 0 {
			frames = append(frames, f-1)
		}
	}
	r.pool.Free(frames...)
	return nil
}

func (r *frameRegion) Base() uintptr {
	return 0
}

func (r *frameRegion) Close() error {
	return r.pool.Close()
}
