// SPDX-License-Identifier: AGPL-3.0-only

package accounting

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAccounting_ReserveAndRelease(t *testing.T) {
	rejections := prometheus.NewCounter(prometheus.CounterOpts{Name: "rejections_total"})
	a := New(100, 250, rejections)

	require.NoError(t, a.ReserveAllocation(100))
	require.NoError(t, a.ReserveAllocation(100))
	require.Equal(t, uint64(200), a.ReservedBytes())

	t.Run("single allocation limit", func(t *testing.T) {
		err := a.ReserveAllocation(101)
		require.ErrorIs(t, err, ErrAllocationLimitExceeded)
		kind, ok := KindOf(err)
		require.True(t, ok)
		require.Equal(t, SingleAllocationLimit, kind)

		var limitErr LimitError
		require.True(t, errors.As(err, &limitErr))
		require.Equal(t, uint64(200), a.ReservedBytes(), "rejection must not mutate the counter")
	})

	t.Run("cumulative limit", func(t *testing.T) {
		err := a.ReserveAllocation(51)
		require.ErrorIs(t, err, ErrAllocationLimitExceeded)
		kind, ok := KindOf(err)
		require.True(t, ok)
		require.Equal(t, CumulativeAllocationLimit, kind)
		require.Equal(t, uint64(200), a.ReservedBytes())

		require.NoError(t, a.ReserveAllocation(50))
		require.Equal(t, uint64(250), a.ReservedBytes())
	})

	a.ReleaseAccumulatedBytes(250)
	require.Zero(t, a.ReservedBytes())
	require.Equal(t, uint64(250), a.PeakReservedBytes())
	require.Equal(t, float64(2), testutil.ToFloat64(rejections))
}

func TestAccounting_ZeroLimitsDisableChecks(t *testing.T) {
	a := New(0, 0, nil)
	require.NoError(t, a.ReserveAllocation(1<<40))
	require.NoError(t, a.ReserveAllocation(1<<40))
	a.ReleaseAccumulatedBytes(1 << 41)
}

func TestAccounting_OverflowIsRejected(t *testing.T) {
	a := New(0, 0, nil)
	require.NoError(t, a.ReserveAllocation(^uint64(0)))
	require.ErrorIs(t, a.ReserveAllocation(1), ErrAllocationLimitExceeded)
}

func TestAccounting_ReleasingMoreThanReservedPanics(t *testing.T) {
	a := New(0, 0, nil)
	require.NoError(t, a.ReserveAllocation(10))
	require.Panics(t, func() { a.ReleaseAccumulatedBytes(11) })
	require.Equal(t, uint64(10), a.ReservedBytes())
}

func TestAccounting_ConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const (
		limit      = 10_000
		numWorkers = 32
		numOps     = 500
	)

	// Randomise the seed but log it in case we need to reproduce the test on failure.
	seed := time.Now().UnixNano()
	t.Log("random generator seed:", seed)

	a := New(limit/4, limit, nil)
	maxObserved := atomic.NewUint64(0)

	err := concurrency.ForEachJob(context.Background(), numWorkers, numWorkers, func(_ context.Context, idx int) error {
		rnd := rand.New(rand.NewSource(seed + int64(idx)))
		var held []uint64

		for i := 0; i < numOps; i++ {
			if len(held) > 0 && rnd.Intn(2) == 0 {
				n := held[len(held)-1]
				held = held[:len(held)-1]
				a.ReleaseAccumulatedBytes(n)
				continue
			}

			n := uint64(1 + rnd.Intn(limit/4))
			if err := a.ReserveAllocation(n); err != nil {
				if !errors.Is(err, ErrAllocationLimitExceeded) {
					return err
				}
				continue
			}
			held = append(held, n)

			for {
				current := a.ReservedBytes()
				prev := maxObserved.Load()
				if current <= prev || maxObserved.CompareAndSwap(prev, current) {
					break
				}
			}
		}

		for _, n := range held {
			a.ReleaseAccumulatedBytes(n)
		}
		return nil
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, maxObserved.Load(), uint64(limit))
	assert.LessOrEqual(t, a.PeakReservedBytes(), uint64(limit))
	assert.Zero(t, a.ReservedBytes())
}
