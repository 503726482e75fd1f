package vmcache

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// BTree is a B+tree of byte-string keys and payloads stored in buffer
// manager pages. Readers descend optimistically and validate each page
// version after use; writers lock only the pages they modify. Any number
// of goroutines may use a tree concurrently.
type BTree struct {
	bm           *BufferManager
	slot         int
	splitOrdered atomic.Bool
	restarts     atomic.Uint64
}

// NewBTree creates an empty tree and records its root in the next free
// slot of the metadata page.
func NewBTree(bm *BufferManager) (*BTree, error) {
	meta := bm.exclusive(MetadataPID)
	defer meta.release()
	if metaPage(meta.n).treeCount() >= MaxTrees {
		return nil, ErrTreesFullError
	}

	root := bm.allocNode(true)
	defer root.release()
	idx, err := metaPage(meta.n).addTree(root.pid)
	if err != nil {
		return nil, err
	}
	return &BTree{bm: bm, slot: idx}, nil
}

// OpenBTree attaches to the tree in metadata slot idx, typically after
// reopening a device.
func OpenBTree(bm *BufferManager, idx int) (*BTree, error) {
	meta := bm.shared(MetadataPID)
	defer meta.release()
	if n := metaPage(meta.n).treeCount(); idx < 0 || idx >= n {
		return nil, WrapError(ErrInvalid, fmt.Errorf("tree slot %d not in use (%d trees)", idx, n))
	}
	return &BTree{bm: bm, slot: idx}, nil
}

// Trees returns the number of trees recorded in the metadata page.
func (bm *BufferManager) Trees() int {
	meta := bm.shared(MetadataPID)
	defer meta.release()
	return metaPage(meta.n).treeCount()
}

// Slot returns the tree's slot in the metadata page.
func (t *BTree) Slot() int {
	return t.slot
}

// Restarts returns how many times an operation on t had to start over.
func (t *BTree) Restarts() uint64 {
	return t.restarts.Load()
}

// SetSplitOrdered tells leaf splits to expect ascending inserts and keep
// the left node nearly full.
func (t *BTree) SetSplitOrdered(ordered bool) {
	t.splitOrdered.Store(ordered)
}

func (t *BTree) restart(spin int) {
	t.restarts.Add(1)
	t.bm.stats.restarts.Add(1)
	yield(spin)
}

// retry runs op until it returns something other than errRestart.
func (t *BTree) retry(op func() error) error {
	for spin := 0; ; spin++ {
		err := op()
		if !errors.Is(err, errRestart) {
			return err
		}
		t.restart(spin)
	}
}

// rootGuard snapshots the metadata page and the tree's root below it.
func (t *BTree) rootGuard() (meta, root optGuard, err error) {
	meta = t.bm.optimistic(MetadataPID)
	root, err = meta.child(metaPage(meta.n).root(t.slot))
	return meta, root, err
}

// descend walks from the root to the leaf responsible for key. It returns
// the leaf and its parent, both still optimistic; every page above the
// parent has been validated after its child was snapshotted.
func (t *BTree) descend(key []byte) (parent, leaf optGuard, err error) {
	parent, leaf, err = t.rootGuard()
	if err != nil {
		return
	}
	for leaf.n.isInner() {
		next, err := leaf.child(leaf.n.lookupInner(key))
		if err != nil {
			return optGuard{}, optGuard{}, err
		}
		if err := parent.release(); err != nil {
			return optGuard{}, optGuard{}, err
		}
		parent, leaf = leaf, next
	}
	return parent, leaf, nil
}

// findLeafO returns an optimistic guard on the leaf for key.
func (t *BTree) findLeafO(key []byte) (optGuard, error) {
	parent, leaf, err := t.descend(key)
	if err != nil {
		return optGuard{}, err
	}
	if err := parent.release(); err != nil {
		return optGuard{}, err
	}
	return leaf, nil
}

// findLeafS returns a shared guard on the leaf for key.
func (t *BTree) findLeafS(key []byte) sGuard {
	var leaf sGuard
	_ = t.retry(func() error {
		o, err := t.findLeafO(key)
		if err != nil {
			return err
		}
		leaf, err = o.share()
		return err
	})
	return leaf
}

// Lookup returns a copy of the payload stored under key.
func (t *BTree) Lookup(key []byte) ([]byte, bool) {
	var (
		out   []byte
		found bool
	)
	_ = t.retry(func() error {
		leaf, err := t.findLeafO(key)
		if err != nil {
			return err
		}
		pos, exact := leaf.n.lowerBound(key)
		if exact {
			out = append(out[:0], leaf.n.payload(pos)...)
		}
		found = exact
		return leaf.release()
	})
	if !found {
		return nil, false
	}
	return out, true
}

// LookupInto copies the payload stored under key into dst and returns the
// full payload length, which may exceed len(dst).
func (t *BTree) LookupInto(dst, key []byte) (int, bool) {
	var (
		n     int
		found bool
	)
	_ = t.retry(func() error {
		leaf, err := t.findLeafO(key)
		if err != nil {
			return err
		}
		pos, exact := leaf.n.lowerBound(key)
		found, n = exact, 0
		if exact {
			p := leaf.n.payload(pos)
			copy(dst, p)
			n = len(p)
		}
		return leaf.release()
	})
	return n, found
}

// checkSize rejects records that do not fit a node. The empty key is
// reserved: an empty fence key stands for an open bound.
func checkSize(key, payload []byte) error {
	if len(key) == 0 {
		return WrapError(ErrBadValSize, errors.New("empty key"))
	}
	if len(key) > MaxKeySize || len(key)+len(payload) > MaxKVSize {
		return WrapError(ErrBadValSize,
			fmt.Errorf("key %d + payload %d bytes exceeds %d (keys at most %d)", len(key), len(payload), MaxKVSize, MaxKeySize))
	}
	return nil
}

// Insert stores payload under key, replacing any existing payload.
func (t *BTree) Insert(key, payload []byte) error {
	if err := checkSize(key, payload); err != nil {
		return err
	}
	for spin := 0; ; {
		done, err := t.insert(key, payload)
		switch {
		case err == nil && done:
			return nil
		case errors.Is(err, errRestart):
			t.restart(spin)
			spin++
		case err != nil:
			return err
		}
	}
}

// insert makes one attempt. It reports false without error when it split
// a node instead, and the caller starts over.
func (t *BTree) insert(key, payload []byte) (bool, error) {
	parent, leaf, err := t.descend(key)
	if err != nil {
		return false, err
	}

	fits := leaf.n.hasSpaceFor(len(key), len(payload))
	if !fits {
		if pos, exact := leaf.n.lowerBound(key); exact && len(leaf.n.payload(pos)) == len(payload) {
			fits = true
		}
	}
	if fits {
		x, err := leaf.upgrade()
		if err != nil {
			return false, err
		}
		defer x.release()
		if err := parent.release(); err != nil {
			return false, err
		}
		x.n.upsert(key, payload)
		return true, nil
	}

	px, err := parent.upgrade()
	if err != nil {
		return false, err
	}
	defer px.release()
	nx, err := leaf.upgrade()
	if err != nil {
		return false, err
	}
	defer nx.release()
	t.trySplit(&nx, &px)
	return false, nil
}

// trySplit splits the locked node under its locked parent. When the
// parent is the metadata page a new root is created first. When the
// parent has no room for the separator both locks are dropped and the
// parent is split first; the caller retries either way.
func (t *BTree) trySplit(nx, px *xGuard) {
	if px.pid == MetadataPID {
		root := t.bm.allocNode(false)
		root.n.hdr().Upper = nx.pid
		metaPage(px.n).setRoot(t.slot, root.pid)
		px.release()
		*px = root
	}

	sepSlot, sep := nx.n.findSeparator(t.splitOrdered.Load())
	if px.n.hasSpaceFor(len(sep), pidSize) {
		right := t.bm.allocNode(nx.n.isLeaf())
		nx.n.split(nx.pid, px.n, right.n, right.pid, sepSlot, sep)
		right.release()
		return
	}

	parentPID := px.pid
	nx.release()
	px.release()
	t.ensureSpace(parentPID, sep)
}

// ensureSpace re-descends towards key until it reaches toSplit and splits
// it if it still lacks room for a separator of len(key) bytes.
func (t *BTree) ensureSpace(toSplit PID, key []byte) {
	_ = t.retry(func() error {
		parent, g, err := t.rootGuard()
		if err != nil {
			return err
		}
		for g.n.isInner() && g.pid != toSplit {
			next, err := g.child(g.n.lookupInner(key))
			if err != nil {
				return err
			}
			if err := parent.release(); err != nil {
				return err
			}
			parent, g = g, next
		}
		if g.pid != toSplit {
			// toSplit is no longer on the path; someone else split it.
			return parent.release()
		}
		if g.n.hasSpaceFor(len(key), pidSize) {
			return g.release()
		}
		px, err := parent.upgrade()
		if err != nil {
			return err
		}
		defer px.release()
		nx, err := g.upgrade()
		if err != nil {
			return err
		}
		defer nx.release()
		t.trySplit(&nx, &px)
		return nil
	})
}

// Remove deletes key and reports whether it was present. A leaf left
// underfull is merged into it from its right sibling when both share a
// parent and the union fits.
func (t *BTree) Remove(key []byte) bool {
	var found bool
	_ = t.retry(func() error {
		var err error
		found, err = t.remove(key)
		return err
	})
	return found
}

func (t *BTree) remove(key []byte) (bool, error) {
	parent, leaf, err := t.rootGuard()
	if err != nil {
		return false, err
	}
	pos := 0
	for leaf.n.isInner() {
		pos, _ = leaf.n.lowerBound(key)
		next, err := leaf.child(leaf.n.childAt(pos))
		if err != nil {
			return false, err
		}
		if err := parent.release(); err != nil {
			return false, err
		}
		parent, leaf = leaf, next
	}

	i, exact := leaf.n.lowerBound(key)
	if !exact {
		return false, leaf.release()
	}
	entry := len(leaf.n.key(i)) + len(leaf.n.payload(i))
	underfull := leaf.n.freeSpaceAfterCompaction()+entry >= underFullSize
	hasRight := parent.pid != MetadataPID && pos < parent.n.count()

	if underfull && hasRight {
		px, err := parent.upgrade()
		if err != nil {
			return false, err
		}
		defer px.release()
		nx, err := leaf.upgrade()
		if err != nil {
			return false, err
		}
		defer nx.release()
		right := t.bm.exclusive(px.n.childAt(pos + 1))
		defer right.release()

		nx.n.removeSlot(i)
		if right.n.freeSpaceAfterCompaction() >= PageSize-underFullSize {
			// The right page is abandoned after a merge; PIDs are not reused.
			nx.n.mergeRight(nx.pid, px.n, pos, right.n)
		}
		return true, nil
	}

	nx, err := leaf.upgrade()
	if err != nil {
		return false, err
	}
	defer nx.release()
	if err := parent.release(); err != nil {
		return false, err
	}
	nx.n.removeSlot(i)
	return true, nil
}

// UpdateInPlace runs fn on the payload stored under key while the leaf is
// exclusively locked. fn must not retain the slice. It reports whether
// key was found.
func (t *BTree) UpdateInPlace(key []byte, fn func(payload []byte)) bool {
	var found bool
	_ = t.retry(func() error {
		leaf, err := t.findLeafO(key)
		if err != nil {
			return err
		}
		pos, exact := leaf.n.lowerBound(key)
		if !exact {
			found = false
			return leaf.release()
		}
		x, err := leaf.upgrade()
		if err != nil {
			return err
		}
		defer x.release()
		fn(x.n.payload(pos))
		found = true
		return nil
	})
	return found
}
