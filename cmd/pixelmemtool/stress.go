// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/alecthomas/units"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/pixelmem/pkg/memory"
	"github.com/grafana/pixelmem/pkg/memory/accounting"
)

// StressCommand runs a concurrent allocation workload against an allocator and
// reports what happened.
type StressCommand struct {
	out       io.Writer
	logConfig *LoggerConfig
	source    configSource

	workers        int
	duration       time.Duration
	maxSize        string
	groupRatio     float64
	holdBuffers    int
	seed           int64
	pressure       bool
	printMetrics   bool
	reportInterval time.Duration
}

type stressStats struct {
	allocations atomic.Uint64
	groups      atomic.Uint64
	failures    atomic.Uint64
	bytes       atomic.Uint64
}

// Register the command with the kingpin application.
func (c *StressCommand) Register(app *kingpin.Application, out io.Writer, logConfig *LoggerConfig) {
	c.out = out
	c.logConfig = logConfig

	cmd := app.Command("stress", "Allocate and release random buffers and groups from many goroutines, then print a summary.").Action(c.run)
	c.source.register(cmd)
	cmd.Flag("workers", "Number of concurrent workers.").Default("8").IntVar(&c.workers)
	cmd.Flag("duration", "How long the workload runs.").Default("10s").DurationVar(&c.duration)
	cmd.Flag("max-size", "Largest buffer requested, e.g. 16MiB.").Default("16MiB").StringVar(&c.maxSize)
	cmd.Flag("group-ratio", "Fraction of requests allocated as groups of aligned rows.").Default("0.2").Float64Var(&c.groupRatio)
	cmd.Flag("hold", "Number of buffers every worker holds before releasing the oldest.").Default("4").IntVar(&c.holdBuffers)
	cmd.Flag("seed", "Random generator seed. 0 uses the current time.").Default("0").Int64Var(&c.seed)
	cmd.Flag("pressure", "Run the memory pressure monitor during the workload.").BoolVar(&c.pressure)
	cmd.Flag("print-metrics", "Print the allocator metrics in the Prometheus text format at the end.").Default("true").BoolVar(&c.printMetrics)
	cmd.Flag("report-interval", "How often progress is logged. 0 disables it.").Default("1s").DurationVar(&c.reportInterval)
}

func (c *StressCommand) run(*kingpin.ParseContext) error {
	if c.workers <= 0 {
		return errors.New("--workers must be positive")
	}
	maxSize, err := units.ParseBase2Bytes(c.maxSize)
	if err != nil || maxSize <= 0 {
		return errors.Errorf("invalid --max-size %q", c.maxSize)
	}
	logger := c.logConfig.Logger()
	cfg, err := c.source.load(logger)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	a, err := memory.NewAllocator(cfg, reg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if c.pressure {
		m := memory.NewPressureMonitor(cfg.Pressure, memory.NewMemoryScanner(), logger, reg, a)
		if err := services.StartAndAwaitRunning(ctx, m); err != nil {
			return errors.Wrap(err, "start memory pressure monitor")
		}
		defer func() {
			_ = services.StopAndAwaitTerminated(context.Background(), m)
		}()
	}

	seed := c.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	level.Info(logger).Log("msg", "starting stress workload", "workers", c.workers, "duration", c.duration, "max_size", humanize.IBytes(uint64(maxSize)), "seed", seed)

	var stats stressStats
	start := time.Now()
	if err := c.runWorkload(ctx, a, int(maxSize), seed, &stats); err != nil {
		return err
	}
	elapsed := time.Since(start)

	c.printSummary(a, &stats, elapsed)
	if c.printMetrics {
		return writeMetrics(c.out, reg)
	}
	return nil
}

func (c *StressCommand) runWorkload(ctx context.Context, a *memory.Allocator, maxSize int, seed int64, stats *stressStats) error {
	ctx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return concurrency.ForEachJob(gctx, c.workers, c.workers, func(ctx context.Context, idx int) error {
			w := worker{
				alloc:      a,
				rnd:        rand.New(rand.NewSource(seed + int64(idx))),
				maxSize:    maxSize,
				groupRatio: c.groupRatio,
				hold:       max(c.holdBuffers, 1),
				stats:      stats,
			}
			return w.run(ctx)
		})
	})
	if c.reportInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.reportInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-ticker.C:
					s := a.Stats()
					level.Info(c.logConfig.Logger()).Log("msg", "progress", "allocations", stats.allocations.Load(), "groups", stats.groups.Load(),
						"slab_rented", s.Slab.Rented, "slab_free", s.Slab.Free, "unmanaged_reserved", humanize.IBytes(s.UnmanagedReservedBytes))
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		// The workload ran for the whole duration.
		return nil
	}
	return err
}

func (c *StressCommand) printSummary(a *memory.Allocator, stats *stressStats, elapsed time.Duration) {
	s := a.Stats()
	total := stats.allocations.Load() + stats.groups.Load()
	fmt.Fprintf(c.out, "Duration:              %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(c.out, "Buffers allocated:     %s\n", humanize.Comma(int64(stats.allocations.Load())))
	fmt.Fprintf(c.out, "Groups allocated:      %s\n", humanize.Comma(int64(stats.groups.Load())))
	fmt.Fprintf(c.out, "Rejected allocations:  %s\n", humanize.Comma(int64(stats.failures.Load())))
	fmt.Fprintf(c.out, "Bytes requested:       %s\n", humanize.IBytes(stats.bytes.Load()))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(c.out, "Allocation rate:       %s/s\n", humanize.CommafWithDigits(float64(total)/secs, 1))
	}
	fmt.Fprintf(c.out, "Slab pool:             %d issued, %d free, %d trimmed, generation %d\n", s.Slab.Issued, s.Slab.Free, s.Slab.Trimmed, s.Slab.Generation)
	fmt.Fprintf(c.out, "Unmanaged peak:        %s\n", humanize.IBytes(s.UnmanagedPeakReservedBytes))
	fmt.Fprintf(c.out, "Unmanaged outstanding: %s\n", humanize.IBytes(s.UnmanagedReservedBytes))
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	return encodeFamilies(expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain)), families)
}

// encodeFamilies skips families without any series.
func encodeFamilies(enc expfmt.Encoder, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return errors.Wrapf(err, "encode metric family %s", mf.GetName())
		}
	}
	return nil
}

type releaser interface {
	Release()
}

type worker struct {
	alloc      *memory.Allocator
	rnd        *rand.Rand
	maxSize    int
	groupRatio float64
	hold       int
	stats      *stressStats
}

func (w *worker) run(ctx context.Context) error {
	held := make([]releaser, 0, w.hold)
	defer func() {
		for _, r := range held {
			r.Release()
		}
	}()

	for ctx.Err() == nil {
		r, err := w.allocate()
		if err != nil {
			var limitErr accounting.LimitError
			if errors.As(err, &limitErr) || errors.Is(err, memory.ErrAllocationTooLarge) {
				w.stats.failures.Inc()
				continue
			}
			return err
		}
		if len(held) == w.hold {
			held[0].Release()
			held = append(held[:0], held[1:]...)
		}
		held = append(held, r)
	}
	return nil
}

// allocate requests a random buffer or group and touches its memory.
func (w *worker) allocate() (releaser, error) {
	size := 1 + w.rnd.Intn(w.maxSize)
	w.stats.bytes.Add(uint64(size))

	if w.rnd.Float64() < w.groupRatio {
		width := 1 + w.rnd.Intn(4096)
		g, err := memory.AllocateGroup[uint32](w.alloc, max(size/4, 1), width, memory.None)
		if err != nil {
			return nil, err
		}
		for i := 0; i < g.ChunkCount(); i++ {
			if c := g.Chunk(i); len(c) > 0 {
				c[0], c[len(c)-1] = 1, 1
			}
		}
		w.stats.groups.Inc()
		return g, nil
	}

	opts := memory.None
	if w.rnd.Intn(2) == 0 {
		opts = memory.Clean
	}
	b, err := memory.Allocate[byte](w.alloc, size, opts)
	if err != nil {
		return nil, err
	}
	v := b.View()
	v[0], v[len(v)-1] = 1, 1
	w.stats.allocations.Inc()
	return b, nil
}
