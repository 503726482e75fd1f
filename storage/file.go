package storage

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ncw/directio"
)

// Options configures a file device.
type Options struct {
	// Direct opens the file with O_DIRECT, bypassing the OS page cache.
	Direct bool `yaml:"direct"`
	// QueueDepth bounds the writes in flight per batch.
	QueueDepth int `yaml:"queue_depth"`
}

// File is a page device backed by a regular file or block device.
type File struct {
	f      *os.File
	direct bool
	depth  int
	closed atomic.Bool
}

// OpenFile opens or creates the device file at path and locks it. A device
// already opened elsewhere fails with ErrLocked.
func OpenFile(path string, opts Options) (*File, error) {
	var (
		f   *os.File
		err error
	)
	if opts.Direct {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, &IOError{Op: "lock", Err: err}
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &File{f: f, direct: opts.Direct, depth: depth}, nil
}

// ReadPage reads page pid into dst. Bytes past the end of the file read as
// zeros.
func (d *File) ReadPage(pid uint64, dst []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	buf := dst
	if d.direct && !isAligned(dst) {
		buf = directio.AlignedBlock(len(dst))
	}
	n, err := d.f.ReadAt(buf, int64(pid)*int64(len(dst)))
	if err != nil && !errors.Is(err, io.EOF) {
		return &IOError{Op: "read", PID: pid, Err: err}
	}
	if &buf[0] != &dst[0] {
		copy(dst, buf[:n])
	}
	clear(dst[n:])
	return nil
}

// WritePages writes the batch with up to QueueDepth writes in flight.
func (d *File) WritePages(reqs []Write) *Completion {
	return submit(reqs, d.depth, d.writePage)
}

func (d *File) writePage(w Write) error {
	if d.closed.Load() {
		return ErrClosed
	}
	buf := w.Data
	if d.direct && !isAligned(buf) {
		buf = directio.AlignedBlock(len(w.Data))
		copy(buf, w.Data)
	}
	if _, err := d.f.WriteAt(buf, int64(w.PID)*int64(len(w.Data))); err != nil {
		return &IOError{Op: "write", PID: w.PID, Err: err}
	}
	return nil
}

// Sync flushes the file.
func (d *File) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.f.Sync()
}

// Close closes the file. Closing twice is a no-op.
func (d *File) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unlockFile(d.f), d.f.Close())
}

// isAligned reports whether b starts on a direct I/O boundary.
func isAligned(b []byte) bool {
	align := uintptr(directio.AlignSize)
	if align == 0 || len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))&(align-1) == 0
}
