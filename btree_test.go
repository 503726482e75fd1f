package vmcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/vmcache/storage"
)

func newTestTree(t *testing.T, mutate func(*Config)) (*BTree, *BufferManager) {
	t.Helper()
	bm, _ := openTestBM(t, mutate)
	tr, err := NewBTree(bm)
	require.NoError(t, err)
	return tr, bm
}

func mustInsert(t testing.TB, tr *BTree, key, payload []byte) {
	t.Helper()
	require.NoError(t, tr.Insert(key, payload), "Insert(%x)", key)
}

func mustCheck(t testing.TB, tr *BTree) {
	t.Helper()
	require.NoError(t, tr.Check())
}

// payloadFor derives a payload of n bytes from k.
func payloadFor(k uint64, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(k>>(8*(i%8))) ^ byte(i)
	}
	return p
}

// leafCount walks the leaf chain from the leftmost leaf.
func leafCount(tr *BTree) int {
	leaf := tr.findLeafS([]byte{0})
	n := 1
	for leaf.n.hasRightNeighbour() {
		next := tr.bm.shared(leaf.n.hdr().Upper)
		leaf.release()
		leaf = next
		n++
	}
	leaf.release()
	return n
}

func TestEmptyTree(t *testing.T) {
	tr, bm := newTestTree(t, nil)
	require.Equal(t, 1, bm.Trees())
	require.Equal(t, 0, tr.Slot())
	_, ok := tr.Lookup([]byte("missing"))
	require.False(t, ok, "lookup in empty tree")
	require.False(t, tr.Remove([]byte("missing")), "remove in empty tree")
	require.Zero(t, tr.Count())
	tr.ScanAsc(nil, func(k, _ []byte) bool {
		require.Failf(t, "scan of empty tree", "returned %x", k)
		return false
	})
	mustCheck(t, tr)
}

func TestInsertLookup(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 20000
	rng := rand.New(rand.NewSource(42))
	for _, i := range rng.Perm(n) {
		mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 16+i%48))
	}
	mustCheck(t, tr)
	require.Equal(t, n, tr.Count())
	for i := 0; i < n; i++ {
		got, ok := tr.Lookup(beKey(uint64(i)))
		require.True(t, ok, "key %d not found", i)
		require.Equal(t, payloadFor(uint64(i), 16+i%48), got, "key %d", i)
	}
	_, ok := tr.Lookup(beKey(n))
	require.False(t, ok, "found a key that was never inserted")
}

func TestInsertReplaces(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	key := []byte("answer")
	mustInsert(t, tr, key, []byte("41"))
	mustInsert(t, tr, key, []byte("42"))
	got, _ := tr.Lookup(key)
	require.Equal(t, "42", string(got), "same-size replace")
	mustInsert(t, tr, key, []byte("forty-two"))
	got, _ = tr.Lookup(key)
	require.Equal(t, "forty-two", string(got), "resizing replace")
	require.Equal(t, 1, tr.Count())
}

func TestInsertReplaceInFullLeaf(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	var keys [][]byte
	for i := 0; ; i++ {
		k := beKey(uint64(i))
		leaf := tr.findLeafS(k)
		full := !leaf.n.hasSpaceFor(len(k), 100)
		leaf.release()
		if full {
			break
		}
		mustInsert(t, tr, k, payloadFor(uint64(i), 100))
		keys = append(keys, k)
	}
	restarts := tr.Restarts()
	for i, k := range keys {
		mustInsert(t, tr, k, payloadFor(uint64(i+1000), 100))
	}
	require.Equal(t, 1, leafCount(tr), "same-size replacements split the leaf")
	require.Equal(t, restarts, tr.Restarts(), "same-size replacements restarted")
	for i, k := range keys {
		got, _ := tr.Lookup(k)
		require.Equal(t, payloadFor(uint64(i+1000), 100), got, "key %d not replaced", i)
	}
}

func TestBadSizes(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	cases := []struct {
		name         string
		key, payload []byte
	}{
		{"empty key", nil, []byte("x")},
		{"long key", make([]byte, MaxKeySize+1), nil},
		{"long record", []byte("k"), make([]byte, MaxKVSize)},
	}
	for _, c := range cases {
		err := tr.Insert(c.key, c.payload)
		require.True(t, IsBadValSize(err), "%s: got %v, want ErrBadValSize", c.name, err)
	}

	longKey := bytes.Repeat([]byte{'k'}, MaxKeySize)
	mustInsert(t, tr, longKey, nil)
	mustInsert(t, tr, []byte("k"), make([]byte, MaxKVSize-1))
	got, ok := tr.Lookup(longKey)
	require.True(t, ok)
	require.Empty(t, got)
	mustCheck(t, tr)
}

func TestLargeRecords(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 500
	rng := rand.New(rand.NewSource(3))
	for _, i := range rng.Perm(n) {
		mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), MaxKVSize-8))
	}
	mustCheck(t, tr)
	for i := 0; i < n; i++ {
		got, ok := tr.Lookup(beKey(uint64(i)))
		require.True(t, ok, "key %d lost", i)
		require.Equal(t, payloadFor(uint64(i), MaxKVSize-8), got, "key %d", i)
	}
}

func TestLongKeys(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 400
	pad := bytes.Repeat([]byte{'x'}, MaxKeySize-6)
	key := func(i int) []byte {
		return append(bytes.Clone(pad), fmt.Sprintf("%06d", i)...)
	}
	rng := rand.New(rand.NewSource(5))
	for _, i := range rng.Perm(n) {
		mustInsert(t, tr, key(i), nil)
	}
	mustCheck(t, tr)

	i := 0
	tr.ScanAsc(nil, func(k, _ []byte) bool {
		require.Equal(t, key(i), k, "scan position %d", i)
		i++
		return true
	})
	require.Equal(t, n, i)
}

func TestLookupInto(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	mustInsert(t, tr, []byte("k"), []byte("0123456789"))

	buf := make([]byte, 4)
	n, ok := tr.LookupInto(buf, []byte("k"))
	require.True(t, ok)
	require.Equal(t, 10, n, "full payload length")
	require.Equal(t, "0123", string(buf))

	buf = make([]byte, 32)
	n, ok = tr.LookupInto(buf, []byte("k"))
	require.True(t, ok)
	require.Equal(t, "0123456789", string(buf[:n]))

	n, ok = tr.LookupInto(buf, []byte("j"))
	require.False(t, ok)
	require.Zero(t, n)
}

func TestUpdateInPlace(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	for i := 0; i < 1000; i++ {
		mustInsert(t, tr, beKey(uint64(i)), make([]byte, 8))
	}
	for round := 0; round < 3; round++ {
		for i := 0; i < 1000; i++ {
			ok := tr.UpdateInPlace(beKey(uint64(i)), func(p []byte) {
				binary.LittleEndian.PutUint64(p, binary.LittleEndian.Uint64(p)+uint64(i))
			})
			require.True(t, ok, "key %d not found", i)
		}
	}
	for i := 0; i < 1000; i++ {
		got, _ := tr.Lookup(beKey(uint64(i)))
		require.Equal(t, uint64(3*i), binary.LittleEndian.Uint64(got), "key %d", i)
	}
	found := tr.UpdateInPlace(beKey(5000), func([]byte) { require.Fail(t, "called for a missing key") })
	require.False(t, found, "UpdateInPlace found a missing key")
}

func TestRemove(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 10000
	for i := 0; i < n; i++ {
		mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 32))
	}
	for i := 0; i < n; i += 3 {
		require.True(t, tr.Remove(beKey(uint64(i))), "Remove(%d)", i)
	}
	require.False(t, tr.Remove(beKey(0)), "removed a key twice")
	mustCheck(t, tr)
	for i := 0; i < n; i++ {
		_, ok := tr.Lookup(beKey(uint64(i)))
		require.Equal(t, i%3 != 0, ok, "key %d present", i)
	}
}

func TestRemoveMergesLeaves(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 20000
	for i := 0; i < n; i++ {
		mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 24))
	}
	before := leafCount(tr)
	for i := 0; i < n; i++ {
		if i%10 != 0 {
			tr.Remove(beKey(uint64(i)))
		}
	}
	after := leafCount(tr)
	require.Less(t, after*2, before, "leaves after removing 90% of keys")
	mustCheck(t, tr)
	require.Equal(t, n/10, tr.Count())
}

func TestInsertRemoveAll(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const n = 20000
	rng := rand.New(rand.NewSource(7))
	for _, i := range rng.Perm(n) {
		mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 40))
	}
	for j, i := range rng.Perm(n) {
		require.True(t, tr.Remove(beKey(uint64(i))), "Remove(%d)", i)
		if j%5000 == 0 {
			mustCheck(t, tr)
		}
	}
	mustCheck(t, tr)
	require.Zero(t, tr.Count(), "keys left after removing everything")
	for i := 0; i < n; i += 97 {
		_, ok := tr.Lookup(beKey(uint64(i)))
		require.False(t, ok, "key %d survived", i)
	}

	for i := 0; i < 1000; i++ {
		mustInsert(t, tr, beKey(uint64(i)), []byte("again"))
	}
	mustCheck(t, tr)
	require.Equal(t, 1000, tr.Count(), "after refilling")
}

func TestRandomOperations(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	rng := rand.New(rand.NewSource(11))
	ref := make(map[string][]byte)
	ops := 100000
	if raceEnabled {
		ops = 20000
	}
	for op := 0; op < ops; op++ {
		k := []byte(fmt.Sprintf("user:%05d", rng.Intn(8000)))
		switch rng.Intn(3) {
		case 0, 1:
			p := payloadFor(rng.Uint64(), rng.Intn(64))
			mustInsert(t, tr, k, p)
			ref[string(k)] = p
		case 2:
			_, want := ref[string(k)]
			require.Equal(t, want, tr.Remove(k), "op %d: Remove(%s)", op, k)
			delete(ref, string(k))
		}
		if op%20000 == 0 {
			mustCheck(t, tr)
		}
	}
	mustCheck(t, tr)
	for k, want := range ref {
		got, ok := tr.Lookup([]byte(k))
		require.True(t, ok, "Lookup(%s)", k)
		require.Equal(t, want, got, "Lookup(%s)", k)
	}
	require.Equal(t, len(ref), tr.Count())
}

func TestScan(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	rng := rand.New(rand.NewSource(13))
	ref := make(map[string]bool)
	for len(ref) < 5000 {
		var k []byte
		if rng.Intn(2) == 0 {
			k = []byte(fmt.Sprintf("key-%06d", rng.Intn(1000000)))
		} else {
			k = make([]byte, 1+rng.Intn(24))
			rng.Read(k)
		}
		ref[string(k)] = true
		mustInsert(t, tr, k, []byte(fmt.Sprintf("%x", k)))
	}
	keys := make([]string, 0, len(ref))
	for k := range ref {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	collectAsc := func(from []byte, limit int) []string {
		var out []string
		tr.ScanAsc(from, func(k, p []byte) bool {
			require.Equal(t, fmt.Sprintf("%x", k), string(p), "payload of %x", k)
			out = append(out, string(k))
			return len(out) < limit
		})
		return out
	}
	collectDesc := func(from []byte, limit int) []string {
		var out []string
		tr.ScanDesc(from, func(k, p []byte) bool {
			require.Equal(t, fmt.Sprintf("%x", k), string(p), "payload of %x", k)
			out = append(out, string(k))
			return len(out) < limit
		})
		return out
	}
	// nil and empty results are the same here.
	equal := func(want, got []string, what string, args ...any) {
		t.Helper()
		require.Len(t, got, len(want), append([]any{what}, args...)...)
		if len(want) > 0 {
			require.Equal(t, want, got, append([]any{what}, args...)...)
		}
	}

	equal(keys, collectAsc(nil, len(keys)+1), "full ascending")
	top := bytes.Repeat([]byte{0xFF}, 32)
	var rev []string
	for i := len(keys) - 1; i >= 0; i-- {
		rev = append(rev, keys[i])
	}
	equal(rev, collectDesc(top, len(keys)+1), "full descending")

	for round := 0; round < 200; round++ {
		var from []byte
		if round%2 == 0 {
			from = []byte(keys[rng.Intn(len(keys))])
		} else {
			from = make([]byte, 1+rng.Intn(8))
			rng.Read(from)
		}
		limit := 1 + rng.Intn(300)

		i := sort.SearchStrings(keys, string(from))
		want := keys[i:min(len(keys), i+limit)]
		equal(want, collectAsc(from, limit), "ascending from %x", from)

		j := sort.Search(len(keys), func(x int) bool { return keys[x] > string(from) }) - 1
		var wantDesc []string
		for ; j >= 0 && len(wantDesc) < limit; j-- {
			wantDesc = append(wantDesc, keys[j])
		}
		equal(wantDesc, collectDesc(from, limit), "descending from %x", from)
	}
}

func TestSequentialLoad(t *testing.T) {
	for _, ordered := range []bool{false, true} {
		t.Run(fmt.Sprintf("ordered=%v", ordered), func(t *testing.T) {
			tr, _ := newTestTree(t, nil)
			tr.SetSplitOrdered(ordered)
			n := 100000
			if raceEnabled || testing.Short() {
				n = 20000
			}
			for i := 0; i < n; i++ {
				mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 120))
			}
			mustCheck(t, tr)

			i := 0
			tr.ScanAsc(nil, func(k, p []byte) bool {
				require.Equal(t, uint64(i), binary.BigEndian.Uint64(k), "scan position %d", i)
				require.Equal(t, payloadFor(uint64(i), 120), p, "scan position %d", i)
				i++
				return true
			})
			require.Equal(t, n, i)
			for i := 0; i < n; i += 7 {
				_, ok := tr.Lookup(beKey(uint64(i)))
				require.True(t, ok, "key %d not found", i)
			}
		})
	}
}

func TestOrderedSplitFillsLeaves(t *testing.T) {
	count := func(ordered bool) int {
		tr, _ := newTestTree(t, nil)
		tr.SetSplitOrdered(ordered)
		for i := 0; i < 20000; i++ {
			mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 16))
		}
		return leafCount(tr)
	}
	half, full := count(false), count(true)
	require.Less(t, full, half, "ordered splits should need fewer leaves")
}

func TestSmallBudget(t *testing.T) {
	regions(t, func(t *testing.T, region string) {
		tr, bm := newTestTree(t, func(c *Config) {
			c.Region = region
			c.PhysicalPages = 64
			c.EvictBatch = 8
		})
		n := 30000
		if raceEnabled {
			n = 8000
		}
		rng := rand.New(rand.NewSource(17))
		for _, i := range rng.Perm(n) {
			mustInsert(t, tr, beKey(uint64(i)), payloadFor(uint64(i), 32))
		}
		for _, i := range rng.Perm(n) {
			got, ok := tr.Lookup(beKey(uint64(i)))
			require.True(t, ok, "key %d lost under a small budget", i)
			require.Equal(t, payloadFor(uint64(i), 32), got, "key %d", i)
		}
		mustCheck(t, tr)
		require.Equal(t, n, tr.Count())

		st := bm.Stats()
		require.Positive(t, st.Evictions, "no paging happened: %+v", st)
		require.Positive(t, st.Faults, "no paging happened: %+v", st)
		require.LessOrEqual(t, st.Resident, uint64(64+frameHeadroom(64, 8)))
	})
}

func TestMultipleTrees(t *testing.T) {
	bm, _ := openTestBM(t, nil)
	trees := make([]*BTree, 3)
	for i := range trees {
		tr, err := NewBTree(bm)
		require.NoError(t, err)
		require.Equal(t, i, tr.Slot())
		trees[i] = tr
	}
	for i := 0; i < 3000; i++ {
		for j, tr := range trees {
			mustInsert(t, tr, beKey(uint64(i)), []byte{byte(j)})
		}
	}
	trees[1].Remove(beKey(7))
	for j, tr := range trees {
		mustCheck(t, tr)
		got, ok := tr.Lookup(beKey(100))
		require.True(t, ok)
		require.Equal(t, []byte{byte(j)}, got, "tree %d", j)
		_, ok = tr.Lookup(beKey(7))
		require.Equal(t, j != 1, ok, "tree %d: key 7 present", j)
	}
	require.Equal(t, 3, bm.Trees())

	again, err := OpenBTree(bm, 2)
	require.NoError(t, err)
	got, _ := again.Lookup(beKey(5))
	require.Equal(t, []byte{2}, got)
	_, err = OpenBTree(bm, 3)
	require.Equal(t, ErrInvalid, Code(err))
}

func TestTreesFull(t *testing.T) {
	bm, _ := openTestBM(t, nil)
	for i := 0; i < MaxTrees; i++ {
		_, err := NewBTree(bm)
		require.NoError(t, err, "tree %d", i)
	}
	_, err := NewBTree(bm)
	require.Equal(t, ErrTreesFull, Code(err))
}

func TestReopenFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmcache.img")
	cfg := testConfig(t)
	cfg.PhysicalPages = 256
	cfg.EvictBatch = 16

	open := func() *BufferManager {
		dev, err := storage.OpenFile(path, storage.Options{})
		require.NoError(t, err)
		bm, err := Open(dev, cfg)
		require.NoError(t, err)
		return bm
	}

	bm := open()
	a, err := NewBTree(bm)
	require.NoError(t, err)
	b, err := NewBTree(bm)
	require.NoError(t, err)
	const n = 10000
	for i := 0; i < n; i++ {
		mustInsert(t, a, beKey(uint64(i)), payloadFor(uint64(i), 40))
		if i%2 == 0 {
			mustInsert(t, b, []byte(fmt.Sprintf("b%d", i)), beKey(uint64(i)))
		}
	}
	allocated := bm.Stats().Allocated
	require.NoError(t, bm.Close())

	bm = open()
	defer bm.Close()
	require.Equal(t, 2, bm.Trees())
	require.Equal(t, allocated, bm.Stats().Allocated)
	a, err = OpenBTree(bm, 0)
	require.NoError(t, err)
	b, err = OpenBTree(bm, 1)
	require.NoError(t, err)
	mustCheck(t, a)
	mustCheck(t, b)
	for i := 0; i < n; i++ {
		got, ok := a.Lookup(beKey(uint64(i)))
		require.True(t, ok, "tree a lost key %d", i)
		require.Equal(t, payloadFor(uint64(i), 40), got, "key %d", i)
	}
	require.Equal(t, n/2, b.Count())

	// New pages continue after the persisted ones.
	mustInsert(t, a, beKey(n), payloadFor(n, 40))
	for i := 0; i < 2000; i++ {
		mustInsert(t, b, []byte(fmt.Sprintf("c%d", i)), nil)
	}
	require.Greater(t, bm.Stats().Allocated, allocated, "no pages allocated after reopen")
	mustCheck(t, a)
	mustCheck(t, b)
}

func TestCheckDetectsCorruption(t *testing.T) {
	tr, bm := newTestTree(t, nil)
	for _, k := range []string{"a", "b", "c"} {
		mustInsert(t, tr, []byte(k), []byte(k))
	}
	mustCheck(t, tr)

	meta := bm.shared(MetadataPID)
	root := metaPage(meta.n).root(tr.Slot())
	meta.release()

	x := bm.exclusive(root)
	x.n.key(0)[0] = 'z'
	x.release()
	err := tr.Check()
	require.True(t, IsCorrupted(err), "Check() = %v, want a corruption error", err)
}

// sealRecord fills p with random data after an 8-byte checksum of it.
func sealRecord(rng *rand.Rand, p []byte) {
	rng.Read(p[8:])
	binary.LittleEndian.PutUint64(p, xxhash.Sum64(p[8:]))
}

func recordIntact(p []byte) bool {
	return len(p) >= 8 && binary.LittleEndian.Uint64(p) == xxhash.Sum64(p[8:])
}

func TestConcurrentReadersSeeWholeRecords(t *testing.T) {
	tr, _ := newTestTree(t, func(c *Config) {
		c.PhysicalPages = 512
		c.EvictBatch = 16
	})
	const keys = 5000
	rng := rand.New(rand.NewSource(19))
	for i := 0; i < keys; i++ {
		p := make([]byte, 64)
		sealRecord(rng, p)
		mustInsert(t, tr, beKey(uint64(i)), p)
	}

	dur := 500 * time.Millisecond
	if raceEnabled {
		dur = 200 * time.Millisecond
	}
	deadline := time.Now().Add(dur)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)
	fail := func(format string, args ...any) {
		mu.Lock()
		errs = append(errs, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				k := beKey(uint64(rng.Intn(keys)))
				if !tr.UpdateInPlace(k, func(p []byte) { sealRecord(rng, p) }) {
					fail("update lost key %x", k)
					return
				}
			}
		}(int64(w))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(99))
		for i := keys; time.Now().Before(deadline); i++ {
			p := make([]byte, 64+rng.Intn(64))
			sealRecord(rng, p)
			if err := tr.Insert(beKey(uint64(i)), p); err != nil {
				fail("insert %d: %v", i, err)
				return
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				k := beKey(uint64(rng.Intn(keys)))
				p, ok := tr.Lookup(k)
				if !ok || !recordIntact(p) {
					fail("lookup %x returned a torn record (found %v)", k, ok)
					return
				}
				tr.ScanAsc(k, func(_, p []byte) bool {
					if !recordIntact(p) {
						fail("scan from %x returned a torn record", k)
					}
					return false
				})
			}
		}(int64(100 + r))
	}
	wg.Wait()
	require.Empty(t, errs)
	mustCheck(t, tr)
}

func TestConcurrentDisjointWriters(t *testing.T) {
	tr, _ := newTestTree(t, func(c *Config) {
		c.PhysicalPages = 256
		c.EvictBatch = 16
	})
	workers, ops := 8, 20000
	if raceEnabled {
		ops = 3000
	}
	refs := make([]map[uint64][]byte, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		refs[w] = make(map[uint64][]byte)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			ref := refs[w]
			for op := 0; op < ops; op++ {
				// Interleave the workers' key ranges so they share leaves.
				k := uint64(rng.Intn(4000))*uint64(workers) + uint64(w)
				if rng.Intn(4) == 0 {
					tr.Remove(beKey(k))
					delete(ref, k)
					continue
				}
				p := payloadFor(rng.Uint64(), 8+rng.Intn(56))
				if err := tr.Insert(beKey(k), p); err != nil {
					errs[w] = err
					return
				}
				ref[k] = p
			}
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	mustCheck(t, tr)
	total := 0
	for _, ref := range refs {
		total += len(ref)
		for k, want := range ref {
			got, ok := tr.Lookup(beKey(k))
			require.True(t, ok, "key %d lost", k)
			require.Equal(t, want, got, "key %d", k)
		}
	}
	require.Equal(t, total, tr.Count())
}

func TestContendedCounters(t *testing.T) {
	tr, _ := newTestTree(t, nil)
	const keys = 100
	for i := 0; i < keys; i++ {
		mustInsert(t, tr, beKey(uint64(i)), make([]byte, 8))
	}

	workers, perWorker := 16, 5000
	if raceEnabled {
		perWorker = 500
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				k := beKey(uint64(rng.Intn(keys)))
				tr.UpdateInPlace(k, func(p []byte) {
					binary.LittleEndian.PutUint64(p, binary.LittleEndian.Uint64(p)+1)
				})
				tr.Lookup(k)
			}
		}(int64(w))
	}
	wg.Wait()

	var sum uint64
	tr.ScanAsc(nil, func(_, p []byte) bool {
		sum += binary.LittleEndian.Uint64(p)
		return true
	})
	require.Equal(t, uint64(workers*perWorker), sum, "counter total")
}

func TestContendedInsertRemove(t *testing.T) {
	const workers, keys = 16, 100
	tr, _ := newTestTree(t, func(c *Config) { c.Threads = workers })
	ops := 4000
	if raceEnabled {
		ops = 500
	}

	// Operations on one key are serialized so ref stays exact; different
	// keys still race for the same leaves and their parents.
	var (
		locks [keys]sync.Mutex
		ref   [keys][]byte
		wg    sync.WaitGroup
		mu    sync.Mutex
		errs  []string
	)
	fail := func(format string, args ...any) {
		mu.Lock()
		errs = append(errs, fmt.Sprintf(format, args...))
		mu.Unlock()
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for op := 0; op < ops; op++ {
				i := rng.Intn(keys)
				k := beKey(uint64(i))
				switch r := rng.Intn(10); {
				case r < 5:
					// Large payloads keep a handful of records per leaf, so
					// inserts split and removes merge.
					p := payloadFor(rng.Uint64(), 200+rng.Intn(MaxKVSize-208))
					locks[i].Lock()
					err := tr.Insert(k, p)
					if err == nil {
						ref[i] = p
					}
					locks[i].Unlock()
					if err != nil {
						fail("insert %d: %v", i, err)
						return
					}
				case r < 8:
					locks[i].Lock()
					removed := tr.Remove(k)
					want := ref[i] != nil
					ref[i] = nil
					locks[i].Unlock()
					if removed != want {
						fail("Remove(%d) = %v, want %v", i, removed, want)
					}
				case r == 8:
					locks[i].Lock()
					got, ok := tr.Lookup(k)
					want := ref[i]
					locks[i].Unlock()
					if ok != (want != nil) || !bytes.Equal(got, want) {
						fail("Lookup(%d) = %d bytes, %v; want %d bytes", i, len(got), ok, len(want))
					}
				default:
					var prev []byte
					seen := 0
					tr.ScanAsc(k, func(key, _ []byte) bool {
						if prev != nil && bytes.Compare(prev, key) >= 0 {
							fail("scan from %d went from %x to %x", i, prev, key)
						}
						prev = bytes.Clone(key)
						seen++
						return seen < 10
					})
				}
			}
		}(int64(w))
	}
	wg.Wait()
	require.Empty(t, errs)

	mustCheck(t, tr)
	var wantKeys, gotKeys [][]byte
	var wantPayloads, gotPayloads [][]byte
	for i, p := range ref {
		if p != nil {
			wantKeys = append(wantKeys, beKey(uint64(i)))
			wantPayloads = append(wantPayloads, p)
		}
	}
	tr.ScanAsc(nil, func(k, p []byte) bool {
		gotKeys = append(gotKeys, bytes.Clone(k))
		gotPayloads = append(gotPayloads, bytes.Clone(p))
		return true
	})
	require.Equal(t, wantKeys, gotKeys)
	require.Equal(t, wantPayloads, gotPayloads)
	require.Equal(t, len(wantKeys), tr.Count())

	if runtime.GOMAXPROCS(0) > 1 {
		require.Positive(t, tr.Restarts(), "16 writers on 100 keys never restarted")
	}
}
