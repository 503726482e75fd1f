package frame

import (
	"errors"
	"sync"

	"github.com/Giulio2002/vmcache/mmap"
)

// ErrExhausted is returned when every frame is bound to a page.
var ErrExhausted = errors.New("frame: pool exhausted")

// Pool is a fixed arena of page-sized frames carved out of one committed
// anonymous mapping. Frames never move, so slices handed out stay valid
// until Close.
type Pool struct {
	mu       sync.Mutex
	arena    *mmap.Map
	free     *Bitmap
	pageSize int
}

// NewPool commits n frames of pageSize bytes each.
func NewPool(n uint32, pageSize int) (*Pool, error) {
	if n == 0 || pageSize <= 0 {
		return nil, mmap.ErrInvalidSize
	}
	size := int64(n) * int64(pageSize)
	arena, err := mmap.Reserve(int(size))
	if err != nil {
		return nil, err
	}
	if err := arena.Commit(0, size); err != nil {
		arena.Close()
		return nil, err
	}
	return &Pool{
		arena:    arena,
		free:     NewBitmap(n),
		pageSize: pageSize,
	}, nil
}

// Alloc claims a frame and returns its index.
func (p *Pool) Alloc() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.free.Take()
	if !ok {
		return 0, ErrExhausted
	}
	return f, nil
}

// Free returns frames to the pool and hands their memory back to the
// system. The frames stay addressable.
func (p *Pool) Free(frames ...uint32) {
	if len(frames) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range frames {
		if !p.free.InUse(f) {
			continue
		}
		p.free.Put(f)
		off := int64(f) * int64(p.pageSize)
		_ = p.arena.Discard(off, int64(p.pageSize))
	}
}

// Bytes returns the memory of frame f.
func (p *Pool) Bytes(f uint32) []byte {
	off := int(f) * p.pageSize
	return p.arena.Data()[off : off+p.pageSize : off+p.pageSize]
}

// Used returns the number of claimed frames.
func (p *Pool) Used() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Used()
}

// Len returns the number of frames in the pool.
func (p *Pool) Len() uint32 {
	return p.free.Len()
}

// Close releases the arena. Slices returned by Bytes become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arena == nil {
		return nil
	}
	err := p.arena.Close()
	p.arena = nil
	return err
}
