package vmcache

import (
	"bytes"

	mapset "github.com/deckarep/golang-set/v2"
)

// Check verifies the structure of the tree: every key lies between its
// node's fences, keys are sorted, inner separators match their children's
// fences, all leaves are at the same depth and the leaf chain visits the
// leaves in key order. It locks pages in shared mode one path at a time
// and is meant for quiescent trees.
func (t *BTree) Check() error {
	meta := t.bm.shared(MetadataPID)
	defer meta.release()

	c := &checker{
		bm:        t.bm,
		visited:   mapset.NewThreadUnsafeSet[PID](),
		leafDepth: -1,
	}
	if err := c.visit(metaPage(meta.n).root(t.slot), nil, nil, 0); err != nil {
		return err
	}
	for i, l := range c.leaves {
		want := noNeighbour
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1].pid
		}
		if l.next != want {
			return corruptf("leaf %d links to %d, want %d", l.pid, l.next, want)
		}
	}
	return nil
}

type leafLink struct {
	pid  PID
	next PID
}

type checker struct {
	bm        *BufferManager
	visited   mapset.Set[PID]
	leaves    []leafLink
	leafDepth int
}

func (c *checker) visit(pid PID, lower, upper []byte, depth int) error {
	if pid == MetadataPID || uint64(pid) >= c.bm.allocCount.Load() {
		return corruptf("child PID %d was never allocated", pid)
	}
	if !c.visited.Add(pid) {
		return corruptf("page %d is reachable twice", pid)
	}
	g := c.bm.shared(pid)
	defer g.release()
	n := g.n

	if !bytes.Equal(n.lowerFence(), lower) || !bytes.Equal(n.upperFence(), upper) {
		return corruptf("page %d fences (%x, %x] do not match parent (%x, %x]",
			pid, n.lowerFence(), n.upperFence(), lower, upper)
	}
	if n.freeSpace() < 0 || n.freeSpaceAfterCompaction() < n.freeSpace() {
		return corruptf("page %d space accounting is broken", pid)
	}

	cnt := n.count()
	var prev []byte
	for i := 0; i < cnt; i++ {
		k := n.fullKey(i, nil)
		if len(lower) > 0 && bytes.Compare(k, lower) <= 0 {
			return corruptf("page %d key %x not above lower fence %x", pid, k, lower)
		}
		if len(upper) > 0 && bytes.Compare(k, upper) > 0 {
			return corruptf("page %d key %x above upper fence %x", pid, k, upper)
		}
		if i > 0 && bytes.Compare(prev, k) >= 0 {
			return corruptf("page %d keys out of order at slot %d", pid, i)
		}
		if n.slotAt(i).Head != head(n.key(i)) {
			return corruptf("page %d slot %d has a stale head", pid, i)
		}
		prev = k
	}
	if cnt > hintCount*2 {
		dist := cnt / (hintCount + 1)
		for i := 0; i < hintCount; i++ {
			if n.hdr().Hint[i] != n.slotAt(dist*(i+1)).Head {
				return corruptf("page %d hint %d is stale", pid, i)
			}
		}
	}

	if n.isLeaf() {
		if c.leafDepth < 0 {
			c.leafDepth = depth
		} else if depth != c.leafDepth {
			return corruptf("leaf %d at depth %d, others at %d", pid, depth, c.leafDepth)
		}
		c.leaves = append(c.leaves, leafLink{pid: pid, next: n.hdr().Upper})
		return nil
	}

	childLower := lower
	for i := 0; i < cnt; i++ {
		sep := n.fullKey(i, nil)
		if err := c.visit(n.child(i), childLower, sep, depth+1); err != nil {
			return err
		}
		childLower = sep
	}
	return c.visit(n.hdr().Upper, childLower, upper, depth+1)
}
