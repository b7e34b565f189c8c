package vaddr

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const (
	testBase uintptr = 0x10_0000_0000
	testSize int     = 0x10_0000
)

func testPool(t *testing.T) *Pool {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := NewPool(logger, testBase, testSize)
	require.NoError(t, err)
	return pool
}

func TestPoolAllocateAny(t *testing.T) {
	pool := testPool(t)

	addr, err := pool.AllocateAny(0x1000, 0)
	require.NoError(t, err)
	require.True(t, pool.Contains(addr, 0x1000))
	require.Equal(t, 0x1000, pool.UsedSize())
	require.Equal(t, testSize-0x1000, pool.FreeSize())
	require.NoError(t, pool.Validate())
}

func TestPoolAllocateAnyAlignment(t *testing.T) {
	pool := testPool(t)

	// Leave the pool's head unaligned for the next request
	_, err := pool.AllocateAny(0x10, 0)
	require.NoError(t, err)

	addr, err := pool.AllocateAny(0x1000, 0x10000)
	require.NoError(t, err)
	require.Zero(t, addr&0xffff)
	require.NoError(t, pool.Validate())

	_, err = pool.AllocateAny(0x1000, 0x300)
	require.Error(t, err)
}

func TestPoolAllocateAnyExhaustion(t *testing.T) {
	pool := testPool(t)

	_, err := pool.AllocateAny(testSize, 0)
	require.NoError(t, err)

	_, err = pool.AllocateAny(1, 0)
	require.ErrorIs(t, err, ErrOutOfAddressSpace)
	require.NoError(t, pool.Validate())
}

func TestPoolAllocateExact(t *testing.T) {
	pool := testPool(t)

	target := testBase + 0x4000
	require.NoError(t, pool.AllocateExact(target, 0x1000))
	require.Equal(t, 0x1000, pool.UsedSize())

	// The carve leaves a free fragment on each side
	require.Equal(t, 2, pool.FreeRangeCount())
	require.NoError(t, pool.Validate())
}

func TestPoolAllocateExactOverlapFails(t *testing.T) {
	pool := testPool(t)

	target := testBase + 0x4000
	require.NoError(t, pool.AllocateExact(target, 0x2000))

	usedBefore := pool.UsedSize()
	freeRangesBefore := pool.FreeRangeCount()

	for _, overlap := range []struct {
		address uintptr
		size    int
	}{
		{target, 0x2000},
		{target, 1},
		{target - 0x100, 0x200},
		{target + 0x1fff, 0x10},
	} {
		err := pool.AllocateExact(overlap.address, overlap.size)
		require.ErrorIs(t, err, ErrRangeUnavailable)
	}

	require.Equal(t, usedBefore, pool.UsedSize())
	require.Equal(t, freeRangesBefore, pool.FreeRangeCount())
	require.NoError(t, pool.Validate())
}

func TestPoolAllocateExactOutsidePool(t *testing.T) {
	pool := testPool(t)

	require.ErrorIs(t, pool.AllocateExact(testBase-0x1000, 0x100), ErrRangeUnavailable)
	require.ErrorIs(t, pool.AllocateExact(testBase+uintptr(testSize)-0x10, 0x100), ErrRangeUnavailable)
}

func TestPoolCoalescing(t *testing.T) {
	orders := map[string][2]int{
		"FirstThenSecond": {0, 1},
		"SecondThenFirst": {1, 0},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			pool := testPool(t)

			first, err := pool.AllocateAny(0x1000, 0)
			require.NoError(t, err)
			second, err := pool.AllocateAny(0x1000, 0)
			require.NoError(t, err)
			require.Equal(t, first+0x1000, second)

			addrs := [2]uintptr{first, second}
			require.NoError(t, pool.Free(addrs[order[0]]))
			require.NoError(t, pool.Free(addrs[order[1]]))

			// Adjacent frees merge back into the single full-pool range
			require.Equal(t, 1, pool.FreeRangeCount())
			require.Zero(t, pool.UsedSize())
			require.NoError(t, pool.Validate())
		})
	}
}

func TestPoolReallocateAfterFree(t *testing.T) {
	pool := testPool(t)

	addr, err := pool.AllocateAny(0x8000, 0)
	require.NoError(t, err)
	require.NoError(t, pool.Free(addr))

	again, err := pool.AllocateAny(0x8000, 0)
	require.NoError(t, err)
	require.True(t, pool.Contains(again, 0x8000))
	require.NoError(t, pool.Validate())
}

func TestPoolFreeUnknownAddress(t *testing.T) {
	pool := testPool(t)

	addr, err := pool.AllocateAny(0x1000, 0)
	require.NoError(t, err)

	require.ErrorIs(t, pool.Free(testBase+0x5000), ErrNotAllocated)
	require.Equal(t, 0x1000, pool.UsedSize())

	require.NoError(t, pool.Free(addr))
	require.ErrorIs(t, pool.Free(addr), ErrNotAllocated)
	require.NoError(t, pool.Validate())
}

func TestPoolAllocateAnyRejectsBadArguments(t *testing.T) {
	pool := testPool(t)

	_, err := pool.AllocateAny(0, 0)
	require.Error(t, err)

	_, err = pool.AllocateAny(0x1000, 3)
	require.Error(t, err)
}
