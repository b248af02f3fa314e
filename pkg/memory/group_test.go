// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"math/rand"
	"testing"
	"time"

	"github.com/alecthomas/units"
	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"

	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
	"github.com/grafana/pixelmem/pkg/util/pool"
)

func smallBlockConfig() Config {
	cfg := testConfig()
	cfg.SharedPoolThresholdBytes = 256
	cfg.UniformBlockSizeBytes = flagext.Bytes(4 * units.KiB)
	cfg.PoolCapacityBlocks = 1024
	cfg.UnmanagedBlockSizeBytes = flagext.Bytes(2 * units.KiB)
	return cfg
}

func requireGroupInvariants[T any](t *testing.T, g *Group[T], totalLength, alignment int) {
	t.Helper()

	sum := 0
	for i := 0; i < g.ChunkCount(); i++ {
		n := len(g.Chunk(i))
		if i < g.ChunkCount()-1 {
			require.Zero(t, n%alignment, "chunk %d has %d elements, not a multiple of %d", i, n, alignment)
			require.Equal(t, g.ChunkLength(), n)
		}
		sum += n
	}
	require.Equal(t, totalLength, sum)
	require.Equal(t, totalLength, g.Len())

	for y := 0; y < g.RowCount(); y++ {
		row := g.Row(y)
		require.Equal(t, min(alignment, totalLength-y*alignment), len(row))
	}
}

func TestPlanChunks(t *testing.T) {
	for _, tc := range []struct {
		alignment, blockElems, expected int
		ok                              bool
	}{
		{alignment: 1, blockElems: 100, expected: 100, ok: true},
		{alignment: 30, blockElems: 100, expected: 90, ok: true},
		{alignment: 100, blockElems: 100, expected: 100, ok: true},
		{alignment: 101, blockElems: 100, expected: 0, ok: false},
	} {
		chunkLength, ok := planChunks(tc.alignment, tc.blockElems)
		require.Equal(t, tc.ok, ok)
		require.Equal(t, tc.expected, chunkLength)
	}
}

func TestAllocateGroup_ChunkInvariants(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Log("random generator seed:", seed)
	r := rand.New(rand.NewSource(seed))

	a := newTestAllocator(t, smallBlockConfig(), nil)

	for i := 0; i < 500; i++ {
		totalLength := r.Intn(100_000)
		alignment := 1 + r.Intn(3000)

		g, err := AllocateGroup[uint16](a, totalLength, alignment, None)
		require.NoError(t, err, "total length: %d, alignment: %d", totalLength, alignment)
		requireGroupInvariants(t, g, totalLength, alignment)
		g.Release()
	}

	stats := a.Stats()
	require.Zero(t, stats.Slab.Rented)
	require.Zero(t, stats.UnmanagedReservedBytes)
}

func TestAllocateGroup_Contiguous(t *testing.T) {
	a := newTestAllocator(t, smallBlockConfig(), nil)

	// Dirty a block first so the Clean group has to zero it.
	dirty, err := Allocate[uint32](a, 1000, None)
	require.NoError(t, err)
	for i := range dirty.View() {
		dirty.View()[i] = 7
	}
	dirty.Release()

	g, err := AllocateGroup[uint32](a, 1000, 10, Clean)
	require.NoError(t, err)
	defer g.Release()

	require.True(t, g.IsContiguous())
	require.Equal(t, 1, g.ChunkCount())
	require.Equal(t, KindSlab, g.Kind(0))
	for _, v := range g.Chunk(0) {
		require.Zero(t, v)
	}
	requireGroupInvariants(t, g, 1000, 10)

	empty, err := AllocateGroup[uint32](a, 0, 10, Clean)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())
	require.Equal(t, 0, empty.RowCount())
	empty.Release()
}

func TestAllocateGroup_RentsFromPool(t *testing.T) {
	a := newTestAllocator(t, smallBlockConfig(), nil)

	// 10 rows of 1000 uint16 do not fit a 4 KiB block, two rows do.
	g, err := AllocateGroup[uint16](a, 10_000, 1000, Clean)
	require.NoError(t, err)

	require.Equal(t, 5, g.ChunkCount())
	require.Equal(t, 2000, g.ChunkLength())
	for i := 0; i < g.ChunkCount(); i++ {
		require.Equal(t, KindSlab, g.Kind(i))
	}
	requireGroupInvariants(t, g, 10_000, 1000)
	require.Equal(t, 5, a.Stats().Slab.Rented)

	g.Release()
	g.Release()
	require.Equal(t, 5, a.Stats().Slab.Free)
	require.Zero(t, a.Stats().Slab.Rented)

	requireUseAfterRelease(t, func() { g.Chunk(0) })
}

func TestAllocateGroup_FallsBackToUnmanaged(t *testing.T) {
	cfg := smallBlockConfig()
	cfg.PoolCapacityBlocks = 3
	a := newTestAllocator(t, cfg, nil)

	held, err := Allocate[byte](a, 4096, None)
	require.NoError(t, err)
	defer held.Release()

	// 3 blocks are needed but only 2 are left: nothing is rented from the pool.
	g, err := AllocateGroup[uint16](a, 6000, 1000, Clean)
	require.NoError(t, err)
	defer g.Release()

	// Unmanaged chunks hold a single 1000 element row, the most that fits 2 KiB.
	require.Equal(t, 6, g.ChunkCount())
	for i := 0; i < g.ChunkCount(); i++ {
		require.Equal(t, KindUnmanaged, g.Kind(i))
		for _, v := range g.Chunk(i) {
			require.Zero(t, v)
		}
	}
	requireGroupInvariants(t, g, 6000, 1000)

	stats := a.Stats()
	require.Equal(t, 1, stats.Slab.Rented)
	require.Equal(t, 1, stats.Slab.Issued)
	require.Equal(t, uint64(12_000), stats.UnmanagedReservedBytes)
}

func TestAllocateGroup_RowLargerThanBlock(t *testing.T) {
	a := newTestAllocator(t, smallBlockConfig(), nil)

	// A single row of 5000 bytes fits neither a slab block nor an unmanaged block.
	g, err := AllocateGroup[byte](a, 12_000, 5000, None)
	require.NoError(t, err)
	defer g.Release()

	require.Equal(t, 3, g.ChunkCount())
	require.Equal(t, 5000, g.ChunkLength())
	require.Equal(t, KindUnmanaged, g.Kind(0))
	requireGroupInvariants(t, g, 12_000, 5000)
}

func TestAllocateGroup_LimitExceededRollsBack(t *testing.T) {
	cfg := smallBlockConfig()
	cfg.PoolCapacityBlocks = 1
	cfg.SingleAllocationLimitBytes = flagext.Bytes(8 * units.KiB)
	cfg.CumulativeAllocationLimitBytes = flagext.Bytes(8 * units.KiB)
	a := newTestAllocator(t, cfg, nil)

	_, err := AllocateGroup[byte](a, 10_000, 100, None)
	require.ErrorIs(t, err, ErrAllocationLimitExceeded)

	stats := a.Stats()
	require.Zero(t, stats.UnmanagedReservedBytes)
	require.Zero(t, stats.Slab.Rented)
	require.Equal(t, uint64(8000), stats.UnmanagedPeakReservedBytes)
}

func TestAllocateGroup_InvalidArguments(t *testing.T) {
	a := newTestAllocator(t, smallBlockConfig(), nil)

	_, err := AllocateGroup[byte](a, -1, 1, None)
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = AllocateGroup[byte](a, 10, 0, None)
	require.ErrorIs(t, err, ErrInvalidLength)

	_, err = AllocateGroup[uint64](a, int(^uint(0)>>1), 1, None)
	require.ErrorIs(t, err, ErrAllocationTooLarge)

	_, err = AllocateGroup[[]byte](a, 10, 1, None)
	require.ErrorIs(t, err, ErrUnsupportedElementType)
}

func TestTryAllocateGroup_AllOrNothing(t *testing.T) {
	p, err := pool.NewUniformSlabPool(1024, 4, 0.5)
	require.NoError(t, err)

	// Leave one free block and one rented block: 3 of the 4 required blocks can be rented.
	rented, ok := p.Rent()
	require.True(t, ok)
	returned, ok := p.Rent()
	require.True(t, ok)
	require.True(t, p.Return(returned))

	before := p.Stats()
	_, ok = TryAllocateGroup[byte](p, 4*1024, 1024, None)
	require.False(t, ok)

	after := p.Stats()
	require.Equal(t, before.Free, after.Free)
	require.Equal(t, before.Issued, after.Issued)
	require.Equal(t, before.Rented, after.Rented)

	// Once the rented block is back, all 4 chunks can be rented.
	require.True(t, p.Return(rented))
	g, ok := TryAllocateGroup[byte](p, 4*1024, 1024, None)
	require.True(t, ok)
	require.Equal(t, 4, g.ChunkCount())
	require.Zero(t, p.Stats().Free)

	g.Release()
	require.Equal(t, 4, p.Stats().Free)
}

func TestTryAllocateGroup_InvalidArguments(t *testing.T) {
	p, err := pool.NewUniformSlabPool(1024, 4, 0.5)
	require.NoError(t, err)

	_, ok := TryAllocateGroup[byte](p, 10, 2048, None)
	require.False(t, ok)
	_, ok = TryAllocateGroup[byte](p, -1, 1, None)
	require.False(t, ok)
	_, ok = TryAllocateGroup[*byte](p, 10, 1, None)
	require.False(t, ok)

	require.Zero(t, p.Stats().Issued)
}

func TestGroup_Access(t *testing.T) {
	a := newTestAllocator(t, smallBlockConfig(), nil)

	g, err := AllocateGroup[uint32](a, 2500, 300, None)
	require.NoError(t, err)
	defer g.Release()
	require.Greater(t, g.ChunkCount(), 1)

	src := make([]uint32, 2500)
	for i := range src {
		src[i] = uint32(i)
	}
	require.Equal(t, 2500, g.CopyFrom(src))

	for _, p := range []int{0, 1, 299, 300, 899, 900, 2499} {
		c, off := g.Locate(p)
		require.Equal(t, uint32(p), g.Chunk(c)[off])
	}
	for y := 0; y < g.RowCount(); y++ {
		require.Equal(t, uint32(y*300), g.Row(y)[0])
	}
	require.Len(t, g.Row(g.RowCount()-1), 100)

	dst := make([]uint32, 3000)
	require.Equal(t, 2500, g.CopyTo(dst))
	require.Equal(t, src, dst[:2500])

	short := make([]uint32, 10)
	require.Equal(t, 10, g.CopyTo(short))

	g.Fill(9)
	require.Equal(t, uint32(9), g.Row(3)[5])
	g.Clear()
	require.Zero(t, g.Row(3)[5])

	require.Panics(t, func() { g.Locate(2500) })
	require.Panics(t, func() { g.Row(-1) })
	require.Panics(t, func() { g.Chunk(g.ChunkCount()) })
}

func TestNewContiguousGroup(t *testing.T) {
	cfg := testConfig()
	cfg.UnmanagedBackend = unmanaged.BackendMmap
	a := newTestAllocator(t, cfg, nil)

	buf, err := Allocate[uint8](a, 600, None)
	require.NoError(t, err)
	buf.View()[0] = 1

	g := NewContiguousGroup(buf, 200, Clean)
	require.Equal(t, 3, g.RowCount())
	require.Zero(t, g.Row(0)[0])

	g.Release()
	require.True(t, buf.Released())
}
