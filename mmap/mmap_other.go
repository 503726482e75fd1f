//go:build !linux && !darwin && !windows

package mmap

// Reserve falls back to heap memory on platforms without a usable
// MAP_NORESERVE. The whole range is allocated up front.
func Reserve(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}
	return &Map{data: make([]byte, length), size: int64(length)}, nil
}

// Commit is a no-op for heap-backed maps.
func (m *Map) Commit(offset, length int64) error {
	return m.checkRange(offset, length)
}

// Discard zeroes a range; heap memory cannot be handed back piecewise.
func (m *Map) Discard(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	clear(m.data[offset : offset+length])
	return nil
}

// Close drops the heap memory.
func (m *Map) Close() error {
	m.data = nil
	m.size = 0
	return nil
}

// AdviseRandom is a no-op for heap-backed maps.
func (m *Map) AdviseRandom() error {
	return nil
}
