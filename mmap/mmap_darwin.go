//go:build darwin

package mmap

// adviseNoHugePage is a no-op on macOS, which has no transparent huge pages.
func (m *Map) adviseNoHugePage() error {
	return nil
}
