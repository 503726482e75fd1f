//go:build linux || darwin

package mmap

import (
	"golang.org/x/sys/unix"
)

// Reserve maps length bytes of private anonymous memory without reserving
// swap. Nothing is backed until first touch.
func Reserve(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_NORESERVE

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	m := &Map{
		data: data,
		size: int64(length),
	}
	// Huge pages would make a 4KB release free 2MB of neighbours' data.
	_ = m.adviseNoHugePage()
	return m, nil
}

// Commit backs a range with memory. The kernel already does this on first
// touch, so it is a no-op on unix.
func (m *Map) Commit(offset, length int64) error {
	return m.checkRange(offset, length)
}

// Discard drops the physical backing of a range. The next touch sees
// zero-filled memory.
func (m *Map) Discard(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := unix.Madvise(m.data[offset:offset+length], unix.MADV_DONTNEED); err != nil {
		return &Error{Op: "madvise", Err: err}
	}
	return nil
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	return err
}

// Advise provides hints to the kernel about memory usage patterns.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseRandom hints that pages will be accessed randomly.
func (m *Map) AdviseRandom() error {
	return m.Advise(unix.MADV_RANDOM)
}
