package vmcache

import "bytes"

// ScanAsc calls fn for every key >= from in ascending order until fn
// returns false. The current leaf is share-locked while fn runs, so fn
// must not modify the tree; key and payload are only valid during the
// call.
func (t *BTree) ScanAsc(from []byte, fn func(key, payload []byte) bool) {
	leaf := t.findLeafS(from)
	defer leaf.release()

	pos, _ := leaf.n.lowerBound(from)
	var key []byte
	for {
		if pos < leaf.n.count() {
			key = leaf.n.fullKey(pos, key)
			if !fn(key, leaf.n.payload(pos)) {
				return
			}
			pos++
			continue
		}
		if !leaf.n.hasRightNeighbour() {
			return
		}
		// Lock the next leaf before letting go of this one.
		next := t.bm.shared(leaf.n.hdr().Upper)
		leaf.release()
		leaf = next
		pos = 0
	}
}

// ScanDesc calls fn for every key <= from in descending order until fn
// returns false. Leaves have no back pointers: to move left the current
// leaf is released and the tree is descended again with its lower fence.
// The same restrictions on fn as for ScanAsc apply.
func (t *BTree) ScanDesc(from []byte, fn func(key, payload []byte) bool) {
	leaf := t.findLeafS(from)
	defer leaf.release()

	pos := lastAtMost(leaf.n, from)
	var key []byte
	for {
		for ; pos >= 0; pos-- {
			key = leaf.n.fullKey(pos, key)
			if !fn(key, leaf.n.payload(pos)) {
				return
			}
		}
		lower := leaf.n.lowerFence()
		if len(lower) == 0 {
			return
		}
		lower = bytes.Clone(lower)
		leaf.release()
		leaf = t.findLeafS(lower)
		pos = lastAtMost(leaf.n, lower)
	}
}

// lastAtMost returns the last slot whose key is <= key, or -1.
func lastAtMost(n node, key []byte) int {
	pos, exact := n.lowerBound(key)
	if !exact {
		pos--
	}
	return pos
}

// Count returns the number of keys in the tree.
func (t *BTree) Count() int {
	n := 0
	t.ScanAsc(nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n
}
