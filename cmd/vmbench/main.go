// Command vmbench loads a vmcache tree and runs a mixed lookup, update and
// scan workload against it, reporting throughput once per second.
//
// Sizing comes from the yaml file given with -config and from the
// environment (VIRTGB, PHYSGB, BATCH, THREADS, BLOCK, DIRECT, REGION).
// DATASIZE sets the number of records and RUNFOR the workload duration in
// seconds.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Giulio2002/vmcache"
	"github.com/Giulio2002/vmcache/storage"
)

const payloadSize = 120

var (
	configPath  = flag.String("config", "", "yaml configuration file")
	metricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
	scanLen     = flag.Int("scan", 10, "records visited per scan")
	ordered     = flag.Bool("ordered", true, "use ordered splits during the bulk load")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vmbench:", err)
		os.Exit(1)
	}
}

func envInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func run() error {
	cfg, err := vmcache.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	dataSize, err := envInt("DATASIZE", 10_000_000)
	if err != nil {
		return err
	}
	runFor, err := envInt("RUNFOR", 30)
	if err != nil {
		return err
	}
	threads := max(cfg.Threads, 1)

	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg.Logger = log

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Registerer = reg
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	bm, err := vmcache.Open(dev, cfg)
	if err != nil {
		dev.Close()
		return err
	}
	defer func() {
		if err := bm.Close(); err != nil {
			log.Error("close failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tree, err := openTree(ctx, log, bm, dataSize, threads)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(runFor)*time.Second)
	defer cancel()
	return workload(ctx, log, bm, tree, dataSize, threads)
}

func openDevice(cfg vmcache.Config) (storage.Device, error) {
	if cfg.Device == "" {
		return storage.NewMemory(), nil
	}
	return storage.OpenFile(cfg.Device, storage.Options{Direct: cfg.Direct, QueueDepth: cfg.QueueDepth})
}

func key(i uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], i)
	return k[:]
}

// fillPayload writes random bytes after a checksum of them.
func fillPayload(rng *rand.Rand, p []byte) {
	rng.Read(p[8:])
	binary.LittleEndian.PutUint64(p, xxhash.Sum64(p[8:]))
}

func payloadValid(p []byte) bool {
	return len(p) == payloadSize && binary.LittleEndian.Uint64(p) == xxhash.Sum64(p[8:])
}

// openTree reuses the first tree on the device or creates and loads one.
func openTree(ctx context.Context, log *zap.Logger, bm *vmcache.BufferManager, dataSize, threads int) (*vmcache.BTree, error) {
	if bm.Trees() > 0 {
		log.Info("using existing tree")
		return vmcache.OpenBTree(bm, 0)
	}
	tree, err := vmcache.NewBTree(bm)
	if err != nil {
		return nil, err
	}
	tree.SetSplitOrdered(*ordered)
	defer tree.SetSplitOrdered(false)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	chunk := (dataSize + threads - 1) / threads
	for w := 0; w < threads; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, dataSize)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(lo)))
			p := make([]byte, payloadSize)
			for i := lo; i < hi; i++ {
				if i%10_000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				fillPayload(rng, p)
				if err := tree.Insert(key(uint64(i)), p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	log.Info("bulk load finished",
		zap.Int("records", dataSize),
		zap.Duration("elapsed", elapsed),
		zap.Float64("mops", float64(dataSize)/elapsed.Seconds()/1e6),
		zap.Uint64("pages", bm.Stats().Allocated))
	return tree, nil
}

// workload runs lookups (90%), in-place updates (5%) and short scans (5%)
// until ctx is done.
func workload(ctx context.Context, log *zap.Logger, bm *vmcache.BufferManager, tree *vmcache.BTree, dataSize, threads int) error {
	var lookups, updates, scans, torn atomic.Uint64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < threads; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			dst := make([]byte, payloadSize)
			for ctx.Err() == nil {
				k := key(uint64(rng.Intn(dataSize)))
				switch op := rng.Intn(100); {
				case op < 90:
					if n, ok := tree.LookupInto(dst, k); ok && !payloadValid(dst[:n]) {
						torn.Add(1)
					}
					lookups.Add(1)
				case op < 95:
					tree.UpdateInPlace(k, func(p []byte) { fillPayload(rng, p) })
					updates.Add(1)
				default:
					left := *scanLen
					tree.ScanAsc(k, func(_, p []byte) bool {
						if !payloadValid(p) {
							torn.Add(1)
						}
						left--
						return left > 0
					})
					scans.Add(1)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		var last uint64
		for sec := 1; ; sec++ {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}
			total := lookups.Load() + updates.Load() + scans.Load()
			st := bm.Stats()
			log.Info("workload",
				zap.Int("sec", sec),
				zap.Float64("mops", float64(total-last)/1e6),
				zap.Uint64("faults", st.Faults),
				zap.Uint64("evictions", st.Evictions),
				zap.Uint64("writes", st.Writes),
				zap.Uint64("restarts", st.Restarts),
				zap.Int64("phys_used", st.PhysUsed))
			last = total
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("workload finished",
		zap.Uint64("lookups", lookups.Load()),
		zap.Uint64("updates", updates.Load()),
		zap.Uint64("scans", scans.Load()))
	if n := torn.Load(); n > 0 {
		return fmt.Errorf("%d records failed their checksum", n)
	}
	return nil
}
