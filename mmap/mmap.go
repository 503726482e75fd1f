// Package mmap provides cross-platform reservation of large anonymous
// address ranges. Pages inside a reservation are backed lazily and can be
// released one range at a time, which is what a virtual-memory buffer pool
// needs: a huge, sparse region whose physical footprint is managed by hand.
package mmap

import "unsafe"

// Map represents a reserved anonymous memory region.
// This type wraps platform-specific mmap implementations.
type Map struct {
	data []byte // Reserved memory region
	size int64  // Reserved size
}

// Data returns the reserved byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the reserved size.
func (m *Map) Size() int64 {
	return m.size
}

// Base returns the address of the first byte, or 0 when not mapped.
func (m *Map) Base() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0]))
}

// checkRange validates an [offset, offset+length) window.
func (m *Map) checkRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return nil
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
