package vmcache

import "fmt"

// Version constants
const (
	// Major is the major version number
	Major = 0

	// Minor is the minor version number
	Minor = 3

	// Patch is the patch version number
	Patch = 0
)

// metaFormat is the on-device layout version of the metadata page. It is
// bumped whenever the node or meta layout changes.
const metaFormat = 1

// Version returns the version string of vmcache.
func Version() string {
	return fmt.Sprintf("vmcache %d.%d.%d (page format %d)", Major, Minor, Patch, metaFormat)
}
