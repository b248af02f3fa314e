// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"flag"
	"fmt"
	stdmath "math"
	"runtime/debug"
	"slices"
	"time"

	"github.com/alecthomas/units"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
)

const (
	defaultSharedPoolThreshold   = flagext.Bytes(units.MiB)
	defaultUniformBlockSize      = flagext.Bytes(4 * units.MiB)
	defaultUnmanagedBlockSize    = flagext.Bytes(4 * units.MiB)
	defaultSingleAllocationLimit = flagext.Bytes(units.GiB)
	defaultTrimRate              = 0.5

	// Used when the available memory cannot be detected.
	fallbackAvailableMemory = uint64(8 * units.GiB)

	minPoolCapacityBlocks = 1
	maxPoolCapacityBlocks = 4096
)

// Config configures an Allocator.
type Config struct {
	SharedPoolThresholdBytes       flagext.Bytes  `yaml:"shared_pool_threshold_bytes" category:"advanced"`
	UniformBlockSizeBytes          flagext.Bytes  `yaml:"uniform_block_size_bytes" category:"advanced"`
	PoolCapacityBlocks             int            `yaml:"pool_capacity_blocks"`
	TrimRate                       float64        `yaml:"trim_rate" category:"advanced"`
	UnmanagedBlockSizeBytes        flagext.Bytes  `yaml:"unmanaged_block_size_bytes" category:"advanced"`
	SingleAllocationLimitBytes     flagext.Bytes  `yaml:"single_allocation_limit_bytes"`
	CumulativeAllocationLimitBytes flagext.Bytes  `yaml:"cumulative_allocation_limit_bytes"`
	UnmanagedBackend               string         `yaml:"unmanaged_backend" category:"advanced"`
	Pressure                       PressureConfig `yaml:"pressure"`
}

// RegisterFlags registers flags for the Config.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("memory.", f)
}

// RegisterFlagsWithPrefix registers flags for the Config, with defaults derived from the available memory.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	*cfg = DefaultConfig()

	f.Var(&cfg.SharedPoolThresholdBytes, prefix+"shared-pool-threshold-bytes", fmt.Sprintf("Buffers up to this size are rented from the process-wide shared pool. Cannot exceed %d bytes.", sharedPoolMaxBytes()))
	f.Var(&cfg.UniformBlockSizeBytes, prefix+"uniform-block-size-bytes", "Size of every block in the allocator's slab pool. Buffers up to this size are rented from the slab pool, larger ones are allocated directly.")
	f.IntVar(&cfg.PoolCapacityBlocks, prefix+"pool-capacity-blocks", cfg.PoolCapacityBlocks, "Maximum number of blocks the slab pool issues. When all blocks are rented, allocations fall back to unmanaged memory. The default is derived from the available memory.")
	f.Float64Var(&cfg.TrimRate, prefix+"trim-rate", cfg.TrimRate, "Fraction (0-1] of free slab pool blocks discarded by each trim.")
	f.Var(&cfg.UnmanagedBlockSizeBytes, prefix+"unmanaged-block-size-bytes", "Chunk size used when a large buffer group falls back to unmanaged memory.")
	f.Var(&cfg.SingleAllocationLimitBytes, prefix+"single-allocation-limit-bytes", "Maximum size of a single contiguous allocation. 0 = no limit. Must not be smaller than the uniform block size. The default is derived from the available memory.")
	f.Var(&cfg.CumulativeAllocationLimitBytes, prefix+"cumulative-allocation-limit-bytes", "Maximum bytes of unmanaged memory allocated at any given time. 0 = no limit. The default is derived from the available memory.")
	f.StringVar(&cfg.UnmanagedBackend, prefix+"unmanaged-backend", cfg.UnmanagedBackend, fmt.Sprintf("Backend for unmanaged memory. Supported values: %v.", unmanaged.Backends))
	cfg.Pressure.RegisterFlagsWithPrefix(prefix+"pressure.", f)
}

// DefaultConfig returns the default configuration for the memory available to this process.
func DefaultConfig() Config {
	return DefaultConfigForMemory(AvailableMemoryBytes())
}

// DefaultConfigForMemory returns the default configuration for the given amount of available memory.
func DefaultConfigForMemory(available uint64) Config {
	capacity := int(min(available/8/uint64(defaultUniformBlockSize), maxPoolCapacityBlocks))
	capacity = max(capacity, minPoolCapacityBlocks)
	// Limits never go below one block, so the slab pool can always serve its full block size.
	available = max(available, uint64(defaultUniformBlockSize))

	return Config{
		SharedPoolThresholdBytes:       defaultSharedPoolThreshold,
		UniformBlockSizeBytes:          defaultUniformBlockSize,
		PoolCapacityBlocks:             capacity,
		TrimRate:                       defaultTrimRate,
		UnmanagedBlockSizeBytes:        defaultUnmanagedBlockSize,
		SingleAllocationLimitBytes:     min(defaultSingleAllocationLimit, flagext.Bytes(available)),
		CumulativeAllocationLimitBytes: flagext.Bytes(available),
		UnmanagedBackend:               unmanaged.BackendMmap,
		Pressure:                       DefaultPressureConfig(),
	}
}

// Validate the Config.
func (cfg *Config) Validate() error {
	if cfg.SharedPoolThresholdBytes > flagext.Bytes(sharedPoolMaxBytes()) {
		return fmt.Errorf("shared pool threshold must not exceed %d bytes, got: %d", sharedPoolMaxBytes(), cfg.SharedPoolThresholdBytes)
	}
	if cfg.UniformBlockSizeBytes == 0 || cfg.UniformBlockSizeBytes > stdmath.MaxInt32 {
		return fmt.Errorf("uniform block size must be in (0, %d], got: %d", stdmath.MaxInt32, cfg.UniformBlockSizeBytes)
	}
	if cfg.SharedPoolThresholdBytes > cfg.UniformBlockSizeBytes {
		return fmt.Errorf("shared pool threshold (%d) cannot be bigger than the uniform block size (%d)", cfg.SharedPoolThresholdBytes, cfg.UniformBlockSizeBytes)
	}
	if cfg.PoolCapacityBlocks <= 0 {
		return fmt.Errorf("pool capacity must be positive, got: %d", cfg.PoolCapacityBlocks)
	}
	if cfg.TrimRate <= 0 || cfg.TrimRate > 1 {
		return fmt.Errorf("trim rate must be in (0, 1], got: %v", cfg.TrimRate)
	}
	if cfg.UnmanagedBlockSizeBytes == 0 || cfg.UnmanagedBlockSizeBytes > stdmath.MaxInt32 {
		return fmt.Errorf("unmanaged block size must be in (0, %d], got: %d", stdmath.MaxInt32, cfg.UnmanagedBlockSizeBytes)
	}
	if cfg.CumulativeAllocationLimitBytes > 0 && cfg.SingleAllocationLimitBytes > cfg.CumulativeAllocationLimitBytes {
		return fmt.Errorf("single allocation limit (%d) cannot be bigger than the cumulative allocation limit (%d)", cfg.SingleAllocationLimitBytes, cfg.CumulativeAllocationLimitBytes)
	}
	if cfg.SingleAllocationLimitBytes > 0 && cfg.SingleAllocationLimitBytes < cfg.UniformBlockSizeBytes {
		return fmt.Errorf("single allocation limit (%d) cannot be smaller than the uniform block size (%d)", cfg.SingleAllocationLimitBytes, cfg.UniformBlockSizeBytes)
	}
	if !slices.Contains(unmanaged.Backends, cfg.UnmanagedBackend) {
		return fmt.Errorf("unsupported unmanaged backend %q, supported values: %v", cfg.UnmanagedBackend, unmanaged.Backends)
	}
	return errors.Wrap(cfg.Pressure.Validate(), "invalid memory pressure config")
}

// AvailableMemoryBytes returns MemAvailable from /proc/meminfo or the available
// memory reported by the OS. It falls back to the Go memory limit, then to a fixed value.
func AvailableMemoryBytes() uint64 {
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if mi, err := fs.Meminfo(); err == nil && mi.MemAvailable != nil && *mi.MemAvailable > 0 {
			return *mi.MemAvailable * uint64(units.KiB)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Available > 0 {
		return vm.Available
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < stdmath.MaxInt64 {
		return uint64(limit)
	}
	return fallbackAvailableMemory
}

// PressureConfig configures the PressureMonitor.
type PressureConfig struct {
	Interval        time.Duration `yaml:"interval" category:"advanced"`
	TrimAfter       time.Duration `yaml:"trim_after" category:"advanced"`
	HighTrimAfter   time.Duration `yaml:"high_trim_after" category:"advanced"`
	MediumThreshold float64       `yaml:"medium_threshold" category:"advanced"`
	HighThreshold   float64       `yaml:"high_threshold" category:"advanced"`
}

// DefaultPressureConfig returns the default PressureConfig.
func DefaultPressureConfig() PressureConfig {
	return PressureConfig{
		Interval:        time.Second,
		TrimAfter:       time.Minute,
		HighTrimAfter:   10 * time.Second,
		MediumThreshold: 0.70,
		HighThreshold:   0.90,
	}
}

// RegisterFlagsWithPrefix registers flags for the PressureConfig.
func (cfg *PressureConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	def := DefaultPressureConfig()
	f.DurationVar(&cfg.Interval, prefix+"interval", def.Interval, "How often memory pressure is checked.")
	f.DurationVar(&cfg.TrimAfter, prefix+"trim-after", def.TrimAfter, "How long free slab pool blocks stay untouched before they are trimmed under low or medium memory pressure.")
	f.DurationVar(&cfg.HighTrimAfter, prefix+"high-trim-after", def.HighTrimAfter, "How long free slab pool blocks stay untouched before retained resources are released under high memory pressure.")
	f.Float64Var(&cfg.MediumThreshold, prefix+"medium-threshold", def.MediumThreshold, "Fraction of memory in use from which memory pressure is considered medium.")
	f.Float64Var(&cfg.HighThreshold, prefix+"high-threshold", def.HighThreshold, "Fraction of memory in use from which memory pressure is considered high.")
}

// Validate the PressureConfig.
func (cfg PressureConfig) Validate() error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got: %v", cfg.Interval)
	}
	if cfg.TrimAfter < 0 || cfg.HighTrimAfter < 0 {
		return fmt.Errorf("trim periods must not be negative, got: %v and %v", cfg.TrimAfter, cfg.HighTrimAfter)
	}
	if cfg.MediumThreshold <= 0 || cfg.HighThreshold > 1 || cfg.MediumThreshold >= cfg.HighThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < medium < high <= 1, got: %v and %v", cfg.MediumThreshold, cfg.HighThreshold)
	}
	return nil
}
