package vmcache

// Page geometry
const (
	// PageSize is the size of every page in the virtual region and on the device
	PageSize = 4096

	// MetadataPID is the page holding the tree root table
	MetadataPID PID = 0

	// firstDataPID is the first PID handed out by the allocator
	firstDataPID PID = 1
)

// Node geometry
const (
	// nodeHeaderSize is the fixed BTreeNode header size (96 bytes)
	nodeHeaderSize = 96

	// slotSize is the size of one slot entry (12 bytes)
	slotSize = 12

	// hintCount is the number of cached key heads used to narrow searches
	hintCount = 16

	// maxSlots bounds the slot count of any page, torn reads included
	maxSlots = (PageSize - nodeHeaderSize) / slotSize

	// MaxKVSize is the largest key+payload a node accepts
	MaxKVSize = (PageSize - nodeHeaderSize - 2*slotSize) / 4

	// underFullSize is the free space (after compaction) at which a leaf
	// becomes a merge candidate
	underFullSize = PageSize/2 + PageSize/4

	// pidSize is the encoded size of a child pointer
	pidSize = 8

	// noNeighbour marks a leaf without a right sibling
	noNeighbour PID = ^PID(0)
)

// Eviction and sizing defaults
const (
	// DefaultVirtualSize is the default virtual region size (16 GiB)
	DefaultVirtualSize = 16 << 30

	// DefaultPhysicalSize is the default resident budget (4 GiB)
	DefaultPhysicalSize = 4 << 30

	// DefaultEvictBatch is the default number of pages evicted per round
	DefaultEvictBatch = 64

	// DefaultQueueDepth is the default number of in-flight async writes
	DefaultQueueDepth = 64

	// MinPhysicalPages is the smallest resident budget accepted
	MinPhysicalPages = 8

	// pagesPerThread is the most pages one operation holds or re-reads
	// during a descent: meta, parent, node and sibling
	pagesPerThread = 4

	// evictThresholdPct is the resident fill level that triggers eviction
	evictThresholdPct = 95
)

// Region backends
const (
	// RegionMmap reserves the virtual region with one anonymous mapping
	RegionMmap = "mmap"

	// RegionFrames maps pages onto frames of a fixed physical pool
	RegionFrames = "frames"
)
