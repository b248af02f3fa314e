// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/pixelmem/pkg/memory/accounting"
	"github.com/grafana/pixelmem/pkg/util/pool"
)

const (
	failureInvalidLength   = "invalid_length"
	failureTooLarge        = "too_large"
	failureLimitExceeded   = "limit_exceeded"
	failureUnsupportedType = "unsupported_type"
	failureBackend         = "backend"
)

type allocatorMetrics struct {
	allocations *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	leaked      *prometheus.CounterVec
	rejections  prometheus.Counter
}

func newAllocatorMetrics(reg prometheus.Registerer) *allocatorMetrics {
	m := &allocatorMetrics{
		allocations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmem_allocations_total",
			Help: "Total number of buffers handed out, by tier.",
		}, []string{"tier"}),
		fallbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmem_allocation_fallbacks_total",
			Help: "Total number of allocations that fell back to a more expensive tier, by the tier that could not serve them.",
		}, []string{"from"}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmem_allocation_failures_total",
			Help: "Total number of failed allocations, by reason.",
		}, []string{"reason"}),
		leaked: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmem_leaked_buffers_reclaimed_total",
			Help: "Total number of buffers that were never released and got reclaimed after becoming unreachable.",
		}, []string{"tier"}),
		rejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pixelmem_unmanaged_rejections_total",
			Help: "Total number of unmanaged allocations rejected by the allocation limits.",
		}),
	}

	// Initialise the series so they are exported before the first event.
	for _, k := range []Kind{KindShared, KindSlab, KindUnmanaged} {
		m.allocations.WithLabelValues(k.String())
	}
	m.fallbacks.WithLabelValues(KindSlab.String())
	for _, reason := range []string{failureInvalidLength, failureTooLarge, failureLimitExceeded, failureUnsupportedType, failureBackend} {
		m.failures.WithLabelValues(reason)
	}
	m.leaked.WithLabelValues(KindUnmanaged.String())

	return m
}

func registerPoolMetrics(reg prometheus.Registerer, slabs *pool.UniformSlabPool, acc *accounting.Accounting) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "pixelmem_slab_pool_blocks",
		Help:        "Number of blocks in the slab pool, by state.",
		ConstLabels: prometheus.Labels{"state": "issued"},
	}, func() float64 {
		return float64(slabs.Stats().Issued)
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "pixelmem_slab_pool_blocks",
		Help:        "Number of blocks in the slab pool, by state.",
		ConstLabels: prometheus.Labels{"state": "free"},
	}, func() float64 {
		return float64(slabs.Stats().Free)
	})
	promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
		Name: "pixelmem_slab_pool_trimmed_blocks_total",
		Help: "Total number of free slab pool blocks discarded by trimming or by releasing retained resources.",
	}, func() float64 {
		return float64(slabs.Stats().Trimmed)
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pixelmem_slab_pool_generation",
		Help: "Current generation of the slab pool. It is advanced every time retained resources are released.",
	}, func() float64 {
		return float64(slabs.Generation())
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pixelmem_unmanaged_reserved_bytes",
		Help: "Bytes of unmanaged memory currently reserved.",
	}, func() float64 {
		return float64(acc.ReservedBytes())
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pixelmem_unmanaged_peak_reserved_bytes",
		Help: "Highest number of unmanaged memory bytes reserved at the same time.",
	}, func() float64 {
		return float64(acc.PeakReservedBytes())
	})
}
