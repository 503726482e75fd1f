// Package benchmarks compares vmcache trees with mdbx, bbolt and RocksDB on
// the same key sets. Stores are cached in testdata/benchdb between runs.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	"github.com/tecbot/gorocksdb"
	bolt "go.etcd.io/bbolt"

	"github.com/Giulio2002/vmcache"
	"github.com/Giulio2002/vmcache/storage"
)

// Cached benchmark database directory
const benchCacheDir = "testdata/benchdb"

const valSize = 32

type vmStore struct {
	bm   *vmcache.BufferManager
	tree *vmcache.BTree
}

var (
	cacheMu  sync.Mutex
	vmStores = make(map[string]*vmStore)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs  = make(map[string]*bolt.DB)
	rocksDBs = make(map[string]*gorocksdb.DB)
	keyCache = make(map[string][][]byte)
)

// makeKey returns key i: 8 bytes big-endian, or padded to keyLen with a
// shared prefix so longer keys exercise prefix truncation.
func makeKey(i, keyLen int) []byte {
	if keyLen <= 8 {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		return k
	}
	k := make([]byte, keyLen)
	copy(k, "bench/account/")
	for j := 14; j < keyLen-8; j++ {
		k[j] = byte('a' + j%26)
	}
	binary.BigEndian.PutUint64(k[keyLen-8:], uint64(i))
	return k
}

func makeVal(i int) []byte {
	v := make([]byte, valSize)
	binary.BigEndian.PutUint64(v, uint64(i))
	return v
}

// benchKeys returns the numKeys keys of a data set.
func benchKeys(numKeys, keyLen int) [][]byte {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	name := fmt.Sprintf("%d_%d", numKeys, keyLen)
	if keys, ok := keyCache[name]; ok {
		return keys
	}
	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = makeKey(i, keyLen)
	}
	keyCache[name] = keys
	return keys
}

// randomOrder is a fixed permutation of [0, n).
func randomOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(uint64(i*17+31) % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func ensureCacheDir(b *testing.B) {
	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
}

// getCachedVmcache returns a tree over a file device holding the data set,
// creating the device file if needed.
func getCachedVmcache(b *testing.B, numKeys, keyLen int) *vmStore {
	keys := benchKeys(numKeys, keyLen)

	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("%d_%d", numKeys, keyLen)
	if s, ok := vmStores[name]; ok {
		return s
	}
	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%s_vmcache.img", name))

	dev, err := storage.OpenFile(path, storage.Options{})
	if err != nil {
		b.Fatal(err)
	}
	cfg := vmcache.DefaultConfig()
	cfg.VirtualGB = 4
	cfg.PhysicalGB = 1
	bm, err := vmcache.Open(dev, cfg)
	if err != nil {
		dev.Close()
		b.Fatal(err)
	}

	var tree *vmcache.BTree
	if bm.Trees() > 0 {
		b.Logf("Using cached vmcache tree with %d keys", numKeys)
		tree, err = vmcache.OpenBTree(bm, 0)
	} else {
		b.Logf("Creating cached vmcache tree with %d keys...", numKeys)
		tree, err = vmcache.NewBTree(bm)
		if err == nil {
			tree.SetSplitOrdered(true)
			for i, k := range keys {
				if err = tree.Insert(k, makeVal(i)); err != nil {
					break
				}
			}
			tree.SetSplitOrdered(false)
		}
		if err == nil {
			err = bm.FlushAll()
		}
	}
	if err != nil {
		bm.Close()
		b.Fatal(err)
	}

	s := &vmStore{bm: bm, tree: tree}
	vmStores[name] = s
	return s
}

// getCachedMdbx returns an mdbx environment holding the data set in table
// "bench".
func getCachedMdbx(b *testing.B, numKeys, keyLen int) *mdbxgo.Env {
	keys := benchKeys(numKeys, keyLen)

	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("%d_%d", numKeys, keyLen)
	if env, ok := mdbxEnvs[name]; ok {
		return env
	}
	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%s_mdbx.db", name))
	exists := fileExists(path)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<32, -1, -1, 4096) // 4GB max
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644); err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached mdbx DB with %d keys...", numKeys)
		txn, err := env.BeginTxn(nil, 0)
		if err != nil {
			b.Fatal(err)
		}
		dbi, err := txn.OpenDBI("bench", mdbxgo.Create, nil, nil)
		if err != nil {
			b.Fatal(err)
		}
		for i, k := range keys {
			if err := txn.Put(dbi, k, makeVal(i), mdbxgo.Upsert); err != nil {
				b.Fatal(err)
			}
			if (i+1)%100_000 == 0 {
				if _, err := txn.Commit(); err != nil {
					b.Fatal(err)
				}
				if txn, err = env.BeginTxn(nil, 0); err != nil {
					b.Fatal(err)
				}
			}
		}
		if _, err := txn.Commit(); err != nil {
			b.Fatal(err)
		}
	}

	mdbxEnvs[name] = env
	return env
}

// getCachedBolt returns a BoltDB holding the data set in bucket "bench".
func getCachedBolt(b *testing.B, numKeys, keyLen int) *bolt.DB {
	keys := benchKeys(numKeys, keyLen)

	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("%d_%d", numKeys, keyLen)
	if db, ok := boltDBs[name]; ok {
		return db
	}
	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%s_bolt.db", name))
	exists := fileExists(path)

	db, err := bolt.Open(path, 0644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached BoltDB with %d keys...", numKeys)
		for start := 0; start < numKeys; start += 100_000 {
			end := min(start+100_000, numKeys)
			err := db.Update(func(tx *bolt.Tx) error {
				bucket, err := tx.CreateBucketIfNotExists([]byte("bench"))
				if err != nil {
					return err
				}
				for i := start; i < end; i++ {
					if err := bucket.Put(keys[i], makeVal(i)); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	}

	boltDBs[name] = db
	return db
}

// getCachedRocks returns a RocksDB holding the data set.
func getCachedRocks(b *testing.B, numKeys, keyLen int) *gorocksdb.DB {
	keys := benchKeys(numKeys, keyLen)

	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("%d_%d", numKeys, keyLen)
	if db, ok := rocksDBs[name]; ok {
		return db
	}
	ensureCacheDir(b)
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%s_rocks.db", name))
	exists := fileExists(path)

	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetWriteBufferSize(64 * 1024 * 1024) // 64MB write buffer
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached RocksDB with %d keys...", numKeys)
		wo := gorocksdb.NewDefaultWriteOptions()
		defer wo.Destroy()
		batch := gorocksdb.NewWriteBatch()
		defer batch.Destroy()
		for i, k := range keys {
			batch.Put(k, makeVal(i))
			if (i+1)%100_000 == 0 {
				if err := db.Write(wo, batch); err != nil {
					b.Fatal(err)
				}
				batch.Clear()
			}
		}
		if batch.Count() > 0 {
			if err := db.Write(wo, batch); err != nil {
				b.Fatal(err)
			}
		}
	}

	rocksDBs[name] = db
	return db
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// CleanupBenchCache closes all cached stores.
// Call this in TestMain or after benchmarks complete.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, s := range vmStores {
		s.bm.Close()
	}
	for _, env := range mdbxEnvs {
		env.Close()
	}
	for _, db := range boltDBs {
		db.Close()
	}
	for _, db := range rocksDBs {
		db.Close()
	}
	vmStores = make(map[string]*vmStore)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs = make(map[string]*bolt.DB)
	rocksDBs = make(map[string]*gorocksdb.DB)
	keyCache = make(map[string][][]byte)
}

// DeleteBenchCache removes all cached database files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}
