package vmcache

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// MaxKeySize is the longest key a tree accepts. Separators are copied into
// inner nodes next to an 8-byte child PID, so keys leave room for one.
const MaxKeySize = MaxKVSize - pidSize

// fenceKey locates a fence key inside the node's data area.
type fenceKey struct {
	Offset uint16
	Len    uint16
}

// nodeHeader is the fixed header at the start of every tree page.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     upper (inner: child for keys above the last separator,
//	              leaf: next leaf or noNeighbour)
//	8       4     lower fence {offset, len}, exclusive
//	12      4     upper fence {offset, len}, inclusive
//	16      2     count
//	18      1     isLeaf
//	20      2     spaceUsed (key, payload and fence bytes)
//	22      2     dataOffset (start of the data area)
//	24      2     prefixLen
//	28      64    hint[16]
//	96      ...   slots[count], growing up; data grows down from the end
type nodeHeader struct {
	Upper      PID
	LowerFence fenceKey
	UpperFence fenceKey
	Count      uint16
	IsLeaf     uint8
	_          uint8
	SpaceUsed  uint16
	DataOffset uint16
	PrefixLen  uint16
	_          uint16
	Hint       [hintCount]uint32
	_          uint32
}

// slot describes one entry. Key bytes are stored without the node prefix.
type slot struct {
	Head       uint32 // first four key bytes, big-endian, for fast compares
	Offset     uint16
	KeyLen     uint16
	PayloadLen uint16
	_          uint16
}

var (
	_ [nodeHeaderSize - unsafe.Sizeof(nodeHeader{})]struct{}
	_ [unsafe.Sizeof(nodeHeader{}) - nodeHeaderSize]struct{}
	_ [slotSize - unsafe.Sizeof(slot{})]struct{}
	_ [unsafe.Sizeof(slot{}) - slotSize]struct{}
)

// node is a tree page. Readers holding only an optimistic guard may see a
// page mid-update; every accessor clamps counts and offsets to the page so
// such reads return garbage instead of faulting, and the guard's version
// check discards them.
type node []byte

// newTmpNode returns an 8-byte aligned scratch node outside the region.
func newTmpNode(leaf bool) node {
	buf := make([]uint64, PageSize/8)
	n := node(unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), PageSize))
	n.init(leaf)
	return n
}

func (n node) hdr() *nodeHeader {
	return (*nodeHeader)(unsafe.Pointer(&n[0]))
}

// init formats an empty node without fences.
func (n node) init(leaf bool) {
	clear(n[:PageSize])
	h := n.hdr()
	h.DataOffset = PageSize
	if leaf {
		h.IsLeaf = 1
		h.Upper = noNeighbour
	}
}

func (n node) isLeaf() bool {
	return n.hdr().IsLeaf != 0
}

func (n node) isInner() bool {
	return n.hdr().IsLeaf == 0
}

func (n node) count() int {
	c := int(n.hdr().Count)
	if c > maxSlots {
		c = maxSlots
	}
	return c
}

func (n node) slotAt(i int) *slot {
	off := nodeHeaderSize + i*slotSize
	_ = n[off+slotSize-1]
	return (*slot)(unsafe.Pointer(&n[off]))
}

// bytesAt returns n[off:off+l], or nil if the range leaves the page.
func (n node) bytesAt(off, l int) []byte {
	if off < 0 || l < 0 || off+l > len(n) {
		return nil
	}
	return n[off : off+l : off+l]
}

func (n node) prefixLen() int {
	return int(n.hdr().PrefixLen)
}

// prefix is the part of the lower fence shared by every key in the node.
func (n node) prefix() []byte {
	h := n.hdr()
	return n.bytesAt(int(h.LowerFence.Offset), int(h.PrefixLen))
}

func (n node) lowerFence() []byte {
	h := n.hdr()
	return n.bytesAt(int(h.LowerFence.Offset), int(h.LowerFence.Len))
}

func (n node) upperFence() []byte {
	h := n.hdr()
	return n.bytesAt(int(h.UpperFence.Offset), int(h.UpperFence.Len))
}

// key returns the stored key suffix of slot i.
func (n node) key(i int) []byte {
	s := n.slotAt(i)
	return n.bytesAt(int(s.Offset), int(s.KeyLen))
}

func (n node) payload(i int) []byte {
	s := n.slotAt(i)
	return n.bytesAt(int(s.Offset)+int(s.KeyLen), int(s.PayloadLen))
}

// fullKey appends prefix and suffix of slot i to dst[:0].
func (n node) fullKey(i int, dst []byte) []byte {
	dst = append(dst[:0], n.prefix()...)
	return append(dst, n.key(i)...)
}

func (n node) child(i int) PID {
	p := n.payload(i)
	if len(p) < pidSize {
		return 0
	}
	return PID(getUint64LE(p))
}

func (n node) setChild(i int, pid PID) {
	putUint64LE(n.payload(i), uint64(pid))
}

// childAt returns the child for slot i, or the upper child for i == count.
func (n node) childAt(i int) PID {
	if i >= n.count() {
		return n.hdr().Upper
	}
	return n.child(i)
}

func (n node) lookupInner(key []byte) PID {
	pos, _ := n.lowerBound(key)
	return n.childAt(pos)
}

func (n node) hasRightNeighbour() bool {
	return n.hdr().Upper != noNeighbour
}

func (n node) freeSpace() int {
	return int(n.hdr().DataOffset) - (nodeHeaderSize + n.count()*slotSize)
}

func (n node) freeSpaceAfterCompaction() int {
	return PageSize - (nodeHeaderSize + n.count()*slotSize) - int(n.hdr().SpaceUsed)
}

func (n node) spaceNeeded(keyLen, payloadLen int) int {
	return slotSize + keyLen - n.prefixLen() + payloadLen
}

func (n node) hasSpaceFor(keyLen, payloadLen int) bool {
	return n.spaceNeeded(keyLen, payloadLen) <= n.freeSpaceAfterCompaction()
}

// head packs up to the first four bytes of key big-endian, so comparing
// heads orders keys like comparing bytes.
func head(key []byte) uint32 {
	switch len(key) {
	case 0:
		return 0
	case 1:
		return uint32(key[0]) << 24
	case 2:
		return uint32(binary.BigEndian.Uint16(key)) << 16
	case 3:
		return uint32(binary.BigEndian.Uint16(key))<<16 | uint32(key[2])<<8
	default:
		return binary.BigEndian.Uint32(key)
	}
}

func (n node) makeHint() {
	h := n.hdr()
	dist := n.count() / (hintCount + 1)
	for i := 0; i < hintCount; i++ {
		h.Hint[i] = n.slotAt(dist * (i + 1)).Head
	}
}

// updateHint refreshes the hints after an insert at slot i. Hints before
// the insert position stay valid while the hint distance is unchanged.
func (n node) updateHint(i int) {
	h := n.hdr()
	cnt := n.count()
	dist := cnt / (hintCount + 1)
	begin := 0
	if cnt > hintCount*2+1 && (cnt-1)/(hintCount+1) == dist && i/dist > 1 {
		begin = i/dist - 1
	}
	for j := begin; j < hintCount; j++ {
		h.Hint[j] = n.slotAt(dist * (j + 1)).Head
	}
}

// searchHint narrows the binary search window using the hint array.
func (n node) searchHint(keyHead uint32, cnt int) (lower, upper int) {
	lower, upper = 0, cnt
	if cnt <= hintCount*2 {
		return lower, upper
	}
	h := n.hdr()
	dist := cnt / (hintCount + 1)
	pos := 0
	for pos < hintCount && h.Hint[pos] < keyHead {
		pos++
	}
	pos2 := pos
	for pos2 < hintCount && h.Hint[pos2] == keyHead {
		pos2++
	}
	lower = pos * dist
	if pos2 < hintCount {
		upper = (pos2 + 1) * dist
	}
	return lower, upper
}

// lowerBound returns the first slot whose key is >= key, and whether that
// key equals key.
func (n node) lowerBound(key []byte) (int, bool) {
	cnt := n.count()
	pl := n.prefixLen()
	prefix := n.prefix()
	if len(prefix) != pl {
		return 0, false
	}
	m := min(len(key), pl)
	if c := bytes.Compare(key[:m], prefix[:m]); c < 0 {
		return 0, false
	} else if c > 0 {
		return cnt, false
	}
	if len(key) < pl {
		return 0, false
	}
	k := key[pl:]
	kh := head(k)

	lower, upper := n.searchHint(kh, cnt)
	for lower < upper {
		mid := lower + (upper-lower)/2
		sh := n.slotAt(mid).Head
		switch {
		case kh < sh:
			upper = mid
		case kh > sh:
			lower = mid + 1
		default:
			switch c := bytes.Compare(k, n.key(mid)); {
			case c < 0:
				upper = mid
			case c > 0:
				lower = mid + 1
			default:
				return mid, true
			}
		}
	}
	return lower, false
}

// storeKeyValue writes key (with prefix) and payload into slot i.
func (n node) storeKeyValue(i int, key, payload []byte) {
	k := key[n.prefixLen():]
	h := n.hdr()
	space := len(k) + len(payload)
	h.DataOffset -= uint16(space)
	h.SpaceUsed += uint16(space)
	s := n.slotAt(i)
	s.Head = head(k)
	s.Offset = h.DataOffset
	s.KeyLen = uint16(len(k))
	s.PayloadLen = uint16(len(payload))
	off := int(s.Offset)
	copy(n[off:], k)
	copy(n[off+len(k):], payload)
}

// insertInPage inserts key in order. The caller checked hasSpaceFor.
func (n node) insertInPage(key, payload []byte) {
	need := n.spaceNeeded(len(key), len(payload))
	if need > n.freeSpace() {
		assert(need <= n.freeSpaceAfterCompaction(), "insert into a node without space")
		n.compactify()
	}
	pos, _ := n.lowerBound(key)
	cnt := n.count()
	copy(n[nodeHeaderSize+(pos+1)*slotSize:nodeHeaderSize+(cnt+1)*slotSize],
		n[nodeHeaderSize+pos*slotSize:nodeHeaderSize+cnt*slotSize])
	n.storeKeyValue(pos, key, payload)
	n.hdr().Count++
	n.updateHint(pos)
}

// upsert inserts key or replaces its payload. Same-size payloads are
// overwritten in place.
func (n node) upsert(key, payload []byte) {
	if pos, exact := n.lowerBound(key); exact {
		if p := n.payload(pos); len(p) == len(payload) {
			copy(p, payload)
			return
		}
		n.removeSlot(pos)
	}
	n.insertInPage(key, payload)
}

func (n node) removeSlot(i int) {
	h := n.hdr()
	s := n.slotAt(i)
	h.SpaceUsed -= s.KeyLen + s.PayloadLen
	cnt := n.count()
	copy(n[nodeHeaderSize+i*slotSize:nodeHeaderSize+(cnt-1)*slotSize],
		n[nodeHeaderSize+(i+1)*slotSize:nodeHeaderSize+cnt*slotSize])
	h.Count--
	n.makeHint()
}

func (n node) removeKey(key []byte) bool {
	pos, exact := n.lowerBound(key)
	if !exact {
		return false
	}
	n.removeSlot(pos)
	return true
}

// compactify rewrites the data area without holes.
func (n node) compactify() {
	should := n.freeSpaceAfterCompaction()
	tmp := newTmpNode(n.isLeaf())
	tmp.setFences(n.lowerFence(), n.upperFence())
	n.copyKeyValueRange(tmp, 0, 0, n.count())
	tmp.hdr().Upper = n.hdr().Upper
	copy(n, tmp)
	n.makeHint()
	assert(n.freeSpace() == should, "compaction changed the free space")
}

func (n node) insertFence(fk *fenceKey, key []byte) {
	h := n.hdr()
	assert(n.freeSpace() >= len(key), "fence key does not fit")
	h.DataOffset -= uint16(len(key))
	h.SpaceUsed += uint16(len(key))
	fk.Offset = h.DataOffset
	fk.Len = uint16(len(key))
	copy(n[fk.Offset:], key)
}

// setFences stores both fences and derives the key prefix shared by every
// key between them.
func (n node) setFences(lower, upper []byte) {
	h := n.hdr()
	n.insertFence(&h.LowerFence, lower)
	n.insertFence(&h.UpperFence, upper)
	p := 0
	for p < len(lower) && p < len(upper) && lower[p] == upper[p] {
		p++
	}
	h.PrefixLen = uint16(p)
}

// copyKeyValue copies slot src of n into slot dst of d, re-prefixing the key.
func (n node) copyKeyValue(src int, d node, dst int) {
	full := n.fullKey(src, make([]byte, 0, n.prefixLen()+len(n.key(src))))
	d.storeKeyValue(dst, full, n.payload(src))
}

// copyKeyValueRange appends cnt slots of n starting at src to d at dst.
func (n node) copyKeyValueRange(d node, dst, src, cnt int) {
	if n.prefixLen() <= d.prefixLen() {
		// The destination prefix is longer: strip the difference.
		diff := d.prefixLen() - n.prefixLen()
		dh := d.hdr()
		for i := 0; i < cnt; i++ {
			k := n.key(src + i)[diff:]
			p := n.payload(src + i)
			space := len(k) + len(p)
			dh.DataOffset -= uint16(space)
			dh.SpaceUsed += uint16(space)
			s := d.slotAt(dst + i)
			s.Head = head(k)
			s.Offset = dh.DataOffset
			s.KeyLen = uint16(len(k))
			s.PayloadLen = uint16(len(p))
			off := int(s.Offset)
			copy(d[off:], k)
			copy(d[off+len(k):], p)
		}
	} else {
		for i := 0; i < cnt; i++ {
			n.copyKeyValue(src+i, d, dst+i)
		}
	}
	d.hdr().Count += uint16(cnt)
	assert(int(d.hdr().DataOffset) >= nodeHeaderSize+d.count()*slotSize, "node overflow while copying")
}

// commonPrefix returns the length of the common prefix of two key suffixes.
func (n node) commonPrefix(a, b int) int {
	ka, kb := n.key(a), n.key(b)
	limit := min(len(ka), len(kb))
	i := 0
	for i < limit && ka[i] == kb[i] {
		i++
	}
	return i
}

// findSeparator picks the split slot and the separator key. Slots up to
// and including the returned slot stay left. Leaf separators are
// shortened to the shortest key that still divides the two halves.
func (n node) findSeparator(splitOrdered bool) (int, []byte) {
	cnt := n.count()
	assert(cnt > 1, "split of a node with fewer than two keys")
	if n.isInner() {
		s := cnt / 2
		return s, n.fullKey(s, nil)
	}

	var best int
	switch {
	case splitOrdered:
		best = cnt - 2
	case cnt > 16:
		lower := cnt/2 - cnt/16
		upper := cnt / 2
		bestPrefix := n.commonPrefix(lower, 0)
		best = lower
		if bestPrefix != n.commonPrefix(upper-1, 0) {
			for best = lower + 1; best < upper && n.commonPrefix(best, 0) == bestPrefix; best++ {
			}
		}
	default:
		best = (cnt - 1) / 2
	}

	if best+1 < cnt {
		common := n.commonPrefix(best, best+1)
		if len(n.key(best)) > common && len(n.key(best+1)) > common+1 {
			sep := make([]byte, 0, n.prefixLen()+common+1)
			sep = append(sep, n.prefix()...)
			return best, append(sep, n.key(best+1)[:common+1]...)
		}
	}
	return best, n.fullKey(best, nil)
}

// split moves the upper half of n (page leftPID) into right (page
// rightPID), and links both from parent with sep between them. Leaf
// splits keep sepSlot on the left; inner splits move it up.
func (n node) split(leftPID PID, parent node, right node, rightPID PID, sepSlot int, sep []byte) {
	assert(sepSlot > 0 || n.isLeaf(), "inner split at slot zero")
	left := newTmpNode(n.isLeaf())
	left.setFences(n.lowerFence(), sep)
	right.setFences(sep, n.upperFence())

	old, _ := parent.lowerBound(sep)
	if old == parent.count() {
		assert(parent.hdr().Upper == leftPID, "split node is not the parent's upper child")
		parent.hdr().Upper = rightPID
	} else {
		assert(parent.child(old) == leftPID, "split node is not linked from its separator")
		parent.setChild(old, rightPID)
	}
	var pid [pidSize]byte
	putUint64LE(pid[:], uint64(leftPID))
	parent.insertInPage(sep, pid[:])

	cnt := n.count()
	if n.isLeaf() {
		n.copyKeyValueRange(left, 0, 0, sepSlot+1)
		n.copyKeyValueRange(right, 0, left.count(), cnt-left.count())
		left.hdr().Upper = rightPID
		right.hdr().Upper = n.hdr().Upper
	} else {
		n.copyKeyValueRange(left, 0, 0, sepSlot)
		n.copyKeyValueRange(right, 0, left.count()+1, cnt-left.count()-1)
		left.hdr().Upper = n.child(left.count())
		right.hdr().Upper = n.hdr().Upper
	}
	left.makeHint()
	right.makeHint()
	copy(n, left)
}

// mergeRight folds right, the next sibling of n under parent at slot pos,
// into n. It reports false when the union does not fit one page. Inner
// nodes are never merged.
func (n node) mergeRight(leftPID PID, parent node, pos int, right node) bool {
	if n.isInner() {
		return true
	}
	tmp := newTmpNode(true)
	tmp.setFences(n.lowerFence(), right.upperFence())
	leftGrow := (n.prefixLen() - tmp.prefixLen()) * n.count()
	rightGrow := (right.prefixLen() - tmp.prefixLen()) * right.count()
	bound := int(n.hdr().SpaceUsed) + int(right.hdr().SpaceUsed) +
		nodeHeaderSize + slotSize*(n.count()+right.count()) + leftGrow + rightGrow
	if bound > PageSize {
		return false
	}
	n.copyKeyValueRange(tmp, 0, 0, n.count())
	right.copyKeyValueRange(tmp, n.count(), 0, right.count())

	if pos+1 == parent.count() {
		parent.hdr().Upper = leftPID
	} else {
		parent.setChild(pos+1, leftPID)
	}
	parent.removeSlot(pos)

	tmp.makeHint()
	tmp.hdr().Upper = right.hdr().Upper
	copy(n, tmp)
	return true
}
