// SPDX-License-Identifier: AGPL-3.0-only

// Package peakmem measures the memory footprint of benchmarks.
package peakmem

import (
	"runtime"
	"testing"
	"time"

	"go.uber.org/atomic"
)

const minimumSamplingInterval = time.Millisecond

// Capture runs benchmark and reports the peak heap size ("heap-B"), the peak
// of offHeap ("offheap-B", skipped if offHeap is nil) and the number of GC
// cycles per operation ("gcs/op") observed while it ran.
//
// The heap is sampled about 10 times per GC cycle, but never more than once per
// millisecond. HeapAlloc does not cover the whole memory of a Go process.
func Capture(b *testing.B, offHeap func() uint64, benchmark func(b *testing.B)) {
	var (
		peakHeap    atomic.Uint64
		peakOffHeap atomic.Uint64
		stop        = make(chan struct{})
		done        = make(chan struct{})
		stats       runtime.MemStats
	)

	sample := func() {
		runtime.ReadMemStats(&stats)
		if stats.HeapAlloc > peakHeap.Load() {
			peakHeap.Store(stats.HeapAlloc)
		}
		if offHeap != nil {
			if v := offHeap(); v > peakOffHeap.Load() {
				peakOffHeap.Store(v)
			}
		}
	}

	runtime.GC()
	runtime.ReadMemStats(&stats)
	gcBefore := stats.NumGC

	go func() {
		defer close(done)

		ticker := time.NewTicker(minimumSamplingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sample()
				ticker.Reset(max(gcPeriod(&stats)/10, minimumSamplingInterval))
			case <-stop:
				// Sample once more in case the benchmark ended before the first tick.
				sample()
				return
			}
		}
	}()

	b.ResetTimer()
	benchmark(b)
	b.StopTimer()

	close(stop)
	<-done

	b.ReportMetric(float64(peakHeap.Load()), "heap-B")
	if offHeap != nil {
		b.ReportMetric(float64(peakOffHeap.Load()), "offheap-B")
	}
	if b.N > 0 {
		b.ReportMetric(float64(stats.NumGC-gcBefore)/float64(b.N), "gcs/op")
	}
}

// gcPeriod returns the average time between the GC cycles recorded in stats.
func gcPeriod(stats *runtime.MemStats) time.Duration {
	last := stats.NumGC
	if last < 2 {
		return 0
	}
	// PauseEnd is a circular buffer of the last 256 cycles. Cycles are numbered from 1.
	first := uint32(1)
	if last > 256 {
		first = last - 255
	}
	cycles := uint64(last - first)
	if cycles == 0 {
		return 0
	}
	elapsed := stats.PauseEnd[(last+255)%256] - stats.PauseEnd[(first+255)%256]
	return time.Duration(elapsed / cycles)
}
