package vmcache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Giulio2002/vmcache/internal/logger"
)

const gib = 1 << 30

// Config configures a BufferManager and the device it sits on.
type Config struct {
	// VirtualGB is the size of the virtual region in GiB.
	VirtualGB float64 `yaml:"virtual_gb"`
	// PhysicalGB is the resident memory budget in GiB.
	PhysicalGB float64 `yaml:"physical_gb"`
	// VirtualPages overrides VirtualGB when non-zero.
	VirtualPages uint64 `yaml:"virtual_pages"`
	// PhysicalPages overrides PhysicalGB when non-zero.
	PhysicalPages uint64 `yaml:"physical_pages"`

	// EvictBatch is the number of pages evicted per round.
	EvictBatch int `yaml:"evict_batch"`
	// Threads is the number of goroutines expected to operate on the buffer
	// manager at once. It raises the minimum physical budget.
	Threads int `yaml:"threads"`

	// Device is the path of the backing file or block device. Empty means
	// an in-memory device.
	Device string `yaml:"device"`
	// Direct opens Device with O_DIRECT.
	Direct bool `yaml:"direct"`
	// QueueDepth bounds in-flight writes per eviction batch.
	QueueDepth int `yaml:"queue_depth"`

	// Region selects the virtual region backend: "mmap" or "frames".
	Region string `yaml:"region"`

	// Log configures the logger built by NewLogger.
	Log logger.Config `yaml:"log"`

	// Logger receives buffer manager logs. Nil disables logging.
	Logger *zap.Logger `yaml:"-"`
	// Registerer receives the buffer manager metrics when set.
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		VirtualGB:  DefaultVirtualSize / gib,
		PhysicalGB: DefaultPhysicalSize / gib,
		EvictBatch: DefaultEvictBatch,
		Threads:    1,
		QueueDepth: DefaultQueueDepth,
		Region:     RegionMmap,
		Log:        logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
	}
}

// LoadConfig reads a yaml file over the defaults, then applies environment
// overrides. An empty path only applies the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, WrapError(ErrInvalid, fmt.Errorf("parse %s: %w", path, err))
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from VIRTGB, PHYSGB, VIRTPAGES, PHYSPAGES,
// BATCH, THREADS, BLOCK, DIRECT, QUEUEDEPTH and REGION.
func (c *Config) ApplyEnv() error {
	var errs []error
	envFloat(&c.VirtualGB, "VIRTGB", &errs)
	envFloat(&c.PhysicalGB, "PHYSGB", &errs)
	envUint(&c.VirtualPages, "VIRTPAGES", &errs)
	envUint(&c.PhysicalPages, "PHYSPAGES", &errs)
	envInt(&c.EvictBatch, "BATCH", &errs)
	envInt(&c.Threads, "THREADS", &errs)
	envInt(&c.QueueDepth, "QUEUEDEPTH", &errs)
	if v, ok := os.LookupEnv("BLOCK"); ok {
		c.Device = v
	}
	if v, ok := os.LookupEnv("DIRECT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DIRECT: %w", err))
		}
		c.Direct = b
	}
	if v, ok := os.LookupEnv("REGION"); ok {
		c.Region = strings.ToLower(v)
	}
	if len(errs) > 0 {
		return WrapError(ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func envFloat(dst *float64, name string, errs *[]error) {
	if v, ok := os.LookupEnv(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = f
	}
}

func envUint(dst *uint64, name string, errs *[]error) {
	if v, ok := os.LookupEnv(name); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
}

func envInt(dst *int, name string, errs *[]error) {
	if v, ok := os.LookupEnv(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
}

// VirtualPageCount returns the virtual region size in pages.
func (c *Config) VirtualPageCount() uint64 {
	if c.VirtualPages != 0 {
		return c.VirtualPages
	}
	return uint64(c.VirtualGB * gib / PageSize)
}

// PhysicalPageCount returns the resident budget in pages.
func (c *Config) PhysicalPageCount() uint64 {
	if c.PhysicalPages != 0 {
		return c.PhysicalPages
	}
	return uint64(c.PhysicalGB * gib / PageSize)
}

// MinPhysicalPageCount is the smallest physical budget Validate accepts:
// every thread may hold pagesPerThread pages while one eviction batch is in
// flight. Below it, concurrent descents evict each other's pages faster than
// they can use them.
func (c *Config) MinPhysicalPageCount() uint64 {
	threads := uint64(max(c.Threads, 1))
	batch := uint64(max(c.EvictBatch, 0))
	return max(MinPhysicalPages, threads*pagesPerThread+batch)
}

// Validate checks the sizing and backend settings.
func (c *Config) Validate() error {
	virt, phys := c.VirtualPageCount(), c.PhysicalPageCount()
	switch {
	case c.Threads < 0:
		return WrapError(ErrInvalid, fmt.Errorf("threads must not be negative, got %d", c.Threads))
	case phys < c.MinPhysicalPageCount():
		return WrapError(ErrInvalid, fmt.Errorf("physical budget of %d pages is below the minimum of %d for %d threads and batch %d",
			phys, c.MinPhysicalPageCount(), max(c.Threads, 1), c.EvictBatch))
	case virt < phys:
		return WrapError(ErrInvalid, fmt.Errorf("virtual size (%d pages) is smaller than physical budget (%d pages)", virt, phys))
	case c.EvictBatch < 1:
		return WrapError(ErrInvalid, fmt.Errorf("evict batch must be at least 1, got %d", c.EvictBatch))
	case c.QueueDepth < 0:
		return WrapError(ErrInvalid, fmt.Errorf("queue depth must not be negative, got %d", c.QueueDepth))
	}
	switch c.Region {
	case "", RegionMmap, RegionFrames:
	default:
		return WrapError(ErrInvalid, fmt.Errorf("unknown region backend %q", c.Region))
	}
	return nil
}

// NewLogger builds a zap logger from the Log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	return logger.New(c.Log)
}
