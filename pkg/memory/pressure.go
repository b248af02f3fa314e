// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"context"
	stdmath "math"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/atomic"

	"github.com/grafana/pixelmem/pkg/util/math"
)

// PressureLevel classifies how much of the memory is in use.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureMedium
	PressureHigh
)

func (l PressureLevel) String() string {
	switch l {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Number of samples the memory load is averaged over.
const pressureSmoothingSamples = 3

// MemoryScanner reports the memory in use and the total memory, in bytes.
type MemoryScanner interface {
	Scan() (used, total uint64, err error)
}

// NewMemoryScanner returns a scanner reading /proc/meminfo. Where procfs is
// not available it asks the OS through gopsutil, and as a last resort compares
// the Go runtime memory statistics against the Go memory limit.
func NewMemoryScanner() MemoryScanner {
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if _, err := fs.Meminfo(); err == nil {
			return procfsScanner{fs: fs}
		}
	}
	if _, _, err := (systemScanner{}).Scan(); err == nil {
		return systemScanner{}
	}
	return runtimeScanner{}
}

type procfsScanner struct {
	fs procfs.FS
}

func (s procfsScanner) Scan() (uint64, uint64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, 0, errors.Wrap(err, "read meminfo")
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return 0, 0, errors.New("meminfo does not report MemTotal and MemAvailable")
	}
	total := *mi.MemTotal * 1024
	avail := min(*mi.MemAvailable*1024, total)
	return total - avail, total, nil
}

// systemScanner reads the virtual memory statistics of the host.
type systemScanner struct{}

func (systemScanner) Scan() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "read virtual memory stats")
	}
	if vm.Total == 0 {
		return 0, 0, errors.New("virtual memory stats report no total memory")
	}
	avail := min(vm.Available, vm.Total)
	return vm.Total - avail, vm.Total, nil
}

type runtimeScanner struct{}

const runtimeTotalMemoryMetric = "/memory/classes/total:bytes"

func (runtimeScanner) Scan() (uint64, uint64, error) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == stdmath.MaxInt64 {
		return 0, 0, errors.New("no Go memory limit set, cannot compute memory pressure")
	}
	sample := []metrics.Sample{{Name: runtimeTotalMemoryMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0, 0, errors.Errorf("unsupported runtime metric %s", runtimeTotalMemoryMetric)
	}
	return sample[0].Value.Uint64(), uint64(limit), nil
}

// PressureMonitor periodically checks the memory pressure and shrinks the pools
// of the registered allocators accordingly:
//   - high: retained resources are released once free blocks have been idle for HighTrimAfter.
//   - medium: free blocks idle for TrimAfter are trimmed at twice the trim rate.
//   - low: free blocks are trimmed once they have been idle for TrimAfter.
//
// Allocators do not depend on a monitor running.
type PressureMonitor struct {
	services.Service

	cfg     PressureConfig
	scanner MemoryScanner
	logger  log.Logger
	load    *math.EWMA

	mtx        sync.Mutex
	allocators []*Allocator

	level      atomic.Int64
	levelGauge prometheus.Gauge
}

// NewPressureMonitor returns a PressureMonitor for the given allocators. reg and logger may be nil.
func NewPressureMonitor(cfg PressureConfig, scanner MemoryScanner, logger log.Logger, reg prometheus.Registerer, allocators ...*Allocator) *PressureMonitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &PressureMonitor{
		cfg:        cfg,
		scanner:    scanner,
		logger:     logger,
		load:       math.NewEWMA(math.AlphaForWindow(pressureSmoothingSamples), 0),
		allocators: allocators,
		levelGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pixelmem_memory_pressure_level",
			Help: "Current memory pressure level: 0 = low, 1 = medium, 2 = high.",
		}),
	}
	m.Service = services.NewTimerService(cfg.Interval, nil, m.iteration, nil).WithName("memory pressure monitor")
	return m
}

// Register adds an allocator to the monitor.
func (m *PressureMonitor) Register(a *Allocator) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.allocators = append(m.allocators, a)
}

// Level returns the last computed pressure level.
func (m *PressureMonitor) Level() PressureLevel {
	return PressureLevel(m.level.Load())
}

func (m *PressureMonitor) iteration(_ context.Context) error {
	m.check()
	return nil
}

// check computes the pressure level and applies it to every registered allocator.
func (m *PressureMonitor) check() PressureLevel {
	used, total, err := m.scanner.Scan()
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to read memory stats, skipping memory pressure check", "err", err)
		return m.Level()
	}

	load := m.load.Add(float64(used) / float64(total))
	current := m.classify(load)
	if prev := PressureLevel(m.level.Swap(int64(current))); prev != current {
		level.Info(m.logger).Log("msg", "memory pressure level changed", "from", prev, "to", current,
			"load", load, "used", humanize.IBytes(used), "total", humanize.IBytes(total))
	}
	m.levelGauge.Set(float64(current))

	m.mtx.Lock()
	allocators := append([]*Allocator(nil), m.allocators...)
	m.mtx.Unlock()

	for _, a := range allocators {
		m.apply(a, current)
	}
	return current
}

func (m *PressureMonitor) classify(load float64) PressureLevel {
	switch {
	case load >= m.cfg.HighThreshold:
		return PressureHigh
	case load >= m.cfg.MediumThreshold:
		return PressureMedium
	default:
		return PressureLow
	}
}

func (m *PressureMonitor) apply(a *Allocator, l PressureLevel) {
	stats := a.slabs.Stats()
	if stats.Free == 0 {
		return
	}
	idle := stats.Idle
	switch l {
	case PressureHigh:
		if idle >= m.cfg.HighTrimAfter {
			a.ReleaseRetainedResources()
		}
	case PressureMedium:
		if idle >= m.cfg.TrimAfter {
			if n := a.TrimFraction(2 * a.cfg.TrimRate); n > 0 {
				level.Debug(m.logger).Log("msg", "trimmed slab pool under medium memory pressure", "blocks", n, "idle", idle.Round(time.Millisecond))
			}
		}
	default:
		if idle >= m.cfg.TrimAfter {
			if n := a.Trim(); n > 0 {
				level.Debug(m.logger).Log("msg", "trimmed idle slab pool blocks", "blocks", n, "idle", idle.Round(time.Millisecond))
			}
		}
	}
}
