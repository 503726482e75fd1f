//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// Reserve reserves length bytes of address space. Pages must be committed
// before use.
func Reserve(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	addr, err := windows.VirtualAlloc(0, uintptr(length), windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, &Error{Op: "VirtualAlloc reserve", Err: err}
	}

	return &Map{
		data: unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		size: int64(length),
	}, nil
}

// Commit backs a range with memory.
func (m *Map) Commit(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	addr := m.Base() + uintptr(offset)
	if _, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		return &Error{Op: "VirtualAlloc commit", Err: err}
	}
	return nil
}

// Discard tells the system the content of a range is no longer needed.
// The range stays committed so concurrent readers never fault.
func (m *Map) Discard(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	addr := m.Base() + uintptr(offset)
	if _, err := windows.VirtualAlloc(addr, uintptr(length), windows.MEM_RESET, windows.PAGE_READWRITE); err != nil {
		return &Error{Op: "VirtualAlloc reset", Err: err}
	}
	return nil
}

// Close releases the reservation.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}
	err := windows.VirtualFree(m.Base(), 0, windows.MEM_RELEASE)
	m.data = nil
	m.size = 0
	return err
}

// AdviseRandom is a no-op on Windows.
func (m *Map) AdviseRandom() error {
	return nil
}
