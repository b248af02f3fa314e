// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/thanos-io/thanos/blob/main/pkg/pool/pool_test.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Thanos Authors.

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewSharedBytes_InvalidArguments(t *testing.T) {
	_, err := NewSharedBytes(0, 64)
	require.Error(t, err)
	_, err = NewSharedBytes(12, 64)
	require.Error(t, err)
	_, err = NewSharedBytes(64, 32)
	require.Error(t, err)
	_, err = NewSharedBytes(16, 100)
	require.Error(t, err)
}

func TestSharedBytes_GetRoundsUpToBucket(t *testing.T) {
	p := MustNewSharedBytes(16, 1024)

	for _, tc := range []struct {
		size        int
		expectedCap int
	}{
		{size: 0, expectedCap: 16},
		{size: 1, expectedCap: 16},
		{size: 16, expectedCap: 16},
		{size: 17, expectedCap: 32},
		{size: 400, expectedCap: 512},
		{size: 1024, expectedCap: 1024},
	} {
		b, ok := p.Get(tc.size)
		require.True(t, ok)
		assert.Len(t, b, tc.size)
		assert.Equal(t, tc.expectedCap, cap(b), "size %d", tc.size)
		p.Put(b)
	}

	_, ok := p.Get(1025)
	require.False(t, ok)
	_, ok = p.Get(-1)
	require.False(t, ok)

	stats := p.Stats()
	require.Zero(t, stats.RentedBytes)
	require.Zero(t, stats.RentedBuffers)
	require.Equal(t, uint64(6), stats.Allocations+stats.Reuses)
}

func TestSharedBytes_Stats(t *testing.T) {
	p := MustNewSharedBytes(16, 1024)

	a, _ := p.Get(100)
	b, _ := p.Get(10)
	stats := p.Stats()
	require.Equal(t, int64(128+16), stats.RentedBytes)
	require.Equal(t, int64(2), stats.RentedBuffers)

	p.Put(a)
	p.Put(b)
	p.Put(nil)
	stats = p.Stats()
	require.Zero(t, stats.RentedBytes)
	require.Zero(t, stats.RentedBuffers)
}

func TestSharedBytes_PutForeignSliceIsDropped(t *testing.T) {
	p := MustNewSharedBytes(16, 64)
	b, _ := p.Get(10)
	p.Put(b)

	// Capacity is not a bucket size: accounted for but never pooled.
	p.Put(make([]byte, 0, 48))
	got, ok := p.Get(40)
	require.True(t, ok)
	require.Equal(t, 64, cap(got))
}

func TestSharedBytes_Detach(t *testing.T) {
	p := MustNewSharedBytes(16, 64)
	b, _ := p.Get(20)
	require.Equal(t, int64(32), p.Stats().RentedBytes)

	p.Detach(b)
	p.Detach(nil)
	require.Zero(t, p.Stats().RentedBytes)
	require.Zero(t, p.Stats().RentedBuffers)
}
