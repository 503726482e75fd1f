package vmcache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Giulio2002/vmcache/storage"
)

// testConfig is a small configuration that still exercises eviction.
func testConfig(t testing.TB) Config {
	cfg := DefaultConfig()
	cfg.VirtualPages = 1 << 16
	cfg.PhysicalPages = 1 << 12
	cfg.EvictBatch = 32
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// openTestBM opens a buffer manager over a fresh in-memory device. mutate,
// if not nil, adjusts the configuration first. The manager is closed when
// the test ends.
func openTestBM(t testing.TB, mutate func(*Config)) (*BufferManager, *storage.Memory) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	dev := storage.NewMemory()
	bm, err := Open(dev, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bm.Close())
	})
	return bm, dev
}

// regions runs fn once per region backend.
func regions(t *testing.T, fn func(t *testing.T, region string)) {
	for _, r := range []string{RegionMmap, RegionFrames} {
		t.Run(r, func(t *testing.T) { fn(t, r) })
	}
}
