//go:build linux

package mmap

import "golang.org/x/sys/unix"

// adviseNoHugePage keeps transparent huge pages away from the reservation.
func (m *Map) adviseNoHugePage() error {
	return m.Advise(unix.MADV_NOHUGEPAGE)
}
