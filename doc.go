// Package vmcache is a buffer manager that caches pages of a storage device
// in a large virtual memory region, with an optimistic-lock-coupling B+tree
// on top.
//
// Every page has a PID, its offset in the region, and a 64-bit state word
// combining a lock state (unlocked, shared by up to 252 readers, locked,
// marked for eviction, evicted) with a version. Readers take no locks: they
// snapshot the word, read the page and check the version afterwards,
// restarting if a writer got in between. Pages are faulted in on first
// access and evicted in batches by a second-chance clock once the resident
// budget is nearly used; dirty victims are written back asynchronously in
// one batch before their memory is released.
//
// Key features:
//   - Lock-free fault handling and eviction, no global lock
//   - B+tree with prefix truncation, search hints and fence keys
//   - Multiple trees per buffer manager, roots kept in the metadata page
//   - File (optionally O_DIRECT) and in-memory devices
//   - mmap and fixed frame-pool region backends
//   - Prometheus metrics and zap logging
//
// Basic usage:
//
//	dev, err := storage.OpenFile("/path/to/device", storage.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := vmcache.DefaultConfig()
//	cfg.PhysicalGB = 1
//	bm, err := vmcache.Open(dev, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bm.Close()
//
//	tree, err := vmcache.NewBTree(bm)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tree.Insert([]byte("key"), []byte("value")); err != nil {
//	    log.Fatal(err)
//	}
//	value, ok := tree.Lookup([]byte("key"))
//
// Durability is limited to Close and FlushAll: there is no write-ahead log
// and no crash recovery.
package vmcache
