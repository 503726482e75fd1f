package storage

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dsnet/golib/memfile"
)

// Memory is an in-memory page device.
type Memory struct {
	mu     sync.RWMutex
	f      *memfile.File
	reads  atomic.Uint64
	writes atomic.Uint64
	closed atomic.Bool
}

// NewMemory creates an empty in-memory device.
func NewMemory() *Memory {
	return &Memory{f: memfile.New(nil)}
}

// ReadPage copies page pid into dst. Pages never written read as zeros.
func (m *Memory) ReadPage(pid uint64, dst []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	off := int64(pid) * int64(len(dst))
	m.mu.RLock()
	if off >= int64(len(m.f.Bytes())) {
		m.mu.RUnlock()
		clear(dst)
		m.reads.Add(1)
		return nil
	}
	n, err := m.f.ReadAt(dst, off)
	m.mu.RUnlock()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return &IOError{Op: "read", PID: pid, Err: err}
	}
	clear(dst[n:])
	m.reads.Add(1)
	return nil
}

// WritePages applies the batch in the background.
func (m *Memory) WritePages(reqs []Write) *Completion {
	return submit(reqs, DefaultQueueDepth, m.writePage)
}

func (m *Memory) writePage(w Write) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	_, err := m.f.WriteAt(w.Data, int64(w.PID)*int64(len(w.Data)))
	m.mu.Unlock()
	if err != nil {
		return &IOError{Op: "write", PID: w.PID, Err: err}
	}
	m.writes.Add(1)
	return nil
}

// Size returns the device size in bytes.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.f.Bytes()))
}

// Reads returns the number of pages read so far.
func (m *Memory) Reads() uint64 {
	return m.reads.Load()
}

// Writes returns the number of pages written so far.
func (m *Memory) Writes() uint64 {
	return m.writes.Load()
}

// Sync is a no-op.
func (m *Memory) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close marks the device closed. The contents are kept so a test can
// reopen the same Memory with Reopen.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// Reopen makes a closed device usable again with its contents intact.
func (m *Memory) Reopen() {
	m.closed.Store(false)
}
