package vmcache

// Metadata page constants
const (
	// metaMagic identifies a device initialized by vmcache ("vmcache\x00")
	metaMagic uint64 = 0x0065686361636d76

	// metaRootsOffset is where the root table starts
	metaRootsOffset = 24

	// MaxTrees is the number of root slots in the metadata page
	MaxTrees = (PageSize - metaRootsOffset) / pidSize
)

// metaPage is the metadata page (PID 0). It is only touched under the
// page's exclusive or shared lock, except for optimistic root lookups.
//
// Memory layout (little-endian):
//
//	Offset  Size  Field
//	0       8     magic
//	8       8     next PID to allocate
//	16      2     layout version
//	18      2     number of trees
//	20      4     reserved
//	24      8*509 root PID per tree
type metaPage []byte

func (m metaPage) magic() uint64 {
	return getUint64LE(m[0:])
}

func (m metaPage) nextPID() PID {
	return PID(getUint64LE(m[8:]))
}

func (m metaPage) setNextPID(pid PID) {
	putUint64LE(m[8:], uint64(pid))
}

func (m metaPage) version() uint16 {
	return getUint16LE(m[16:])
}

func (m metaPage) treeCount() int {
	return int(getUint16LE(m[18:]))
}

// root returns the root PID of tree slot i.
func (m metaPage) root(i int) PID {
	return PID(getUint64LE(m[metaRootsOffset+i*pidSize:]))
}

func (m metaPage) setRoot(i int, pid PID) {
	putUint64LE(m[metaRootsOffset+i*pidSize:], uint64(pid))
}

// init formats a fresh metadata page.
func (m metaPage) init() {
	clear(m)
	putUint64LE(m[0:], metaMagic)
	m.setNextPID(firstDataPID)
	putUint16LE(m[16:], metaFormat)
}

// addTree claims the next root slot for root and returns it.
func (m metaPage) addTree(root PID) (int, error) {
	n := m.treeCount()
	if n >= MaxTrees {
		return 0, ErrTreesFullError
	}
	m.setRoot(n, root)
	putUint16LE(m[18:], uint16(n+1))
	return n, nil
}
