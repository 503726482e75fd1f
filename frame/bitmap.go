// Package frame manages a fixed pool of physical page frames. A frame is a
// page-sized block of committed memory that a virtual page can be bound to
// while it is resident.
package frame

import "math/bits"

// Bitmap tracks which frames are in use, one bit per frame.
type Bitmap struct {
	words []uint64
	n     uint32
	used  uint32
	hint  uint32 // word index where the next search starts
}

// NewBitmap creates a bitmap for n frames, all free.
func NewBitmap(n uint32) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (n+63)/64),
		n:     n,
	}
}

// Take claims the lowest free frame at or after the search hint, wrapping
// around once. It returns false when every frame is in use.
func (b *Bitmap) Take() (uint32, bool) {
	if b.used == b.n {
		return 0, false
	}
	nw := uint32(len(b.words))
	for i := uint32(0); i < nw; i++ {
		w := (b.hint + i) % nw
		free := ^b.words[w]
		if w == nw-1 && b.n%64 != 0 {
			free &= (uint64(1) << (b.n % 64)) - 1
		}
		if free == 0 {
			continue
		}
		bit := uint32(bits.TrailingZeros64(free))
		b.words[w] |= uint64(1) << bit
		b.used++
		b.hint = w
		return w*64 + bit, true
	}
	return 0, false
}

// Put returns a frame to the free set. Returning a free frame is a no-op.
func (b *Bitmap) Put(f uint32) {
	if f >= b.n {
		return
	}
	w, bit := f/64, f%64
	if b.words[w]&(uint64(1)<<bit) == 0 {
		return
	}
	b.words[w] &^= uint64(1) << bit
	b.used--
	if w < b.hint {
		b.hint = w
	}
}

// InUse reports whether frame f is claimed.
func (b *Bitmap) InUse(f uint32) bool {
	if f >= b.n {
		return false
	}
	return b.words[f/64]&(uint64(1)<<(f%64)) != 0
}

// Used returns the number of claimed frames.
func (b *Bitmap) Used() uint32 {
	return b.used
}

// Len returns the number of frames tracked.
func (b *Bitmap) Len() uint32 {
	return b.n
}

// popcount recounts claimed frames from the words themselves.
func (b *Bitmap) popcount() uint32 {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return uint32(c)
}
