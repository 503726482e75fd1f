// Package storage provides the page devices behind the buffer manager: a
// file (optionally opened with O_DIRECT) and an in-memory device for tests.
//
// Reads are synchronous. Writes are submitted in batches and complete
// asynchronously; the caller polls or waits on the returned Completion.
package storage

import (
	"errors"
	"fmt"
)

// BlockSize is the alignment unit of direct I/O buffers.
const BlockSize = 4096

// DefaultQueueDepth bounds the number of writes in flight per batch.
const DefaultQueueDepth = 64

// Write is one page write request.
type Write struct {
	PID  uint64
	Data []byte
}

// Device stores fixed-size pages addressed by PID. The page size is the
// length of the buffers passed in; it must be the same for every call.
type Device interface {
	// ReadPage fills dst with page pid. Pages never written read as zeros.
	ReadPage(pid uint64, dst []byte) error
	// WritePages submits a batch of writes. The request buffers must stay
	// untouched until the completion is done.
	WritePages(reqs []Write) *Completion
	// Sync flushes written pages to stable storage.
	Sync() error
	// Close releases the device.
	Close() error
}

var (
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("storage: device closed")
	// ErrLocked is returned when another handle holds the device file.
	ErrLocked = errors.New("storage: device is locked by another process")
)

// IOError describes a failed page transfer.
type IOError struct {
	Op  string
	PID uint64
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s page %d: %v", e.Op, e.PID, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
