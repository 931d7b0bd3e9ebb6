package sort

import (
	"context"
	"testing"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/stretchr/testify/require"
)

func readSlot(t *testing.T, bufs *SortBuffers, buf gpu.Buffer, start, end uint32) []uint32 {
	out, err := gpu.ReadWords(context.Background(), bufs.p.Device(), buf,
		(uint64)(start)*data.WordSize, (int)(end-start))
	require.Nilf(t, err, "Failed to read %v", buf.Label())
	return out
}

func requirePadding(t *testing.T, bufs *SortBuffers) {
	for slot := 0; slot < 2; slot++ {
		keys := readSlot(t, bufs, bufs.keys[slot], bufs.Len(), bufs.Cap())
		for i, k := range keys {
			require.Equalf(t, (uint32)(SentinelKey), k, "Slot %v key padding wrong at %v", slot, (int)(bufs.Len())+i)
		}
		values := readSlot(t, bufs, bufs.values[slot], bufs.Len(), bufs.Cap())
		require.Equalf(t, make([]uint32, len(values)), values, "Slot %v value padding not zero", slot)
	}
}

func TestSortBuffersLayout(t *testing.T) {
	sorter := NewTestSorter(t, 32)

	bufs, err := sorter.CreateSortBuffers(1000)
	require.Nil(t, err)
	defer bufs.Release()

	require.Equal(t, uint32(1000), bufs.Len())
	require.Equal(t, uint32(3840), bufs.Cap())
	require.Equal(t, uint64(4000), bufs.KeysValidSize())
	require.Equal(t, uint64(3840*4), bufs.Keys().Size())
	require.Equal(t, uint64(3840*4), bufs.Values().Size())
	require.Equal(t, uint64(Radix*4), bufs.histogram.Size(), "One histogram row per tile")
	require.Equal(t, uint64(24), bufs.CountLocation())
	require.True(t, bufs.DispatchArgs().Usage().Has(gpu.BufferUsageIndirect|gpu.BufferUsageStorage))

	requirePadding(t, bufs)

	args := readSlot(t, bufs, bufs.DispatchArgs(), 0, argsWords)
	require.Equal(t, uint32(1000), args[argsLimit], "Usable length not recorded")

	require.True(t, bufs.passParams.Usage().Has(gpu.BufferUsageUniform|gpu.BufferUsageCopySrc),
		"Pass params must be bindable as a uniform and readable")
	params := readSlot(t, bufs, bufs.passParams, 0, NumPasses*passParamsStride/data.WordSize)
	for pass := 0; pass < NumPasses; pass++ {
		require.Equalf(t, (uint32)(pass*RadixLog2), params[pass*passParamsStride/data.WordSize],
			"Wrong shift for pass %v", pass)
	}
}

func TestSortBuffersReset(t *testing.T) {
	sorter := NewTestSorter(t, 32)

	bufs, err := sorter.CreateSortBuffers(3000)
	require.Nil(t, err)
	defer bufs.Release()

	// Dirty the region that becomes padding
	in := RandomInputs(3000)
	require.Nil(t, gpu.WriteWords(sorter.Pipelines().Device().Queue(), bufs.Keys(), 0, in))

	t.Run("Shrink", func(t *testing.T) {
		keys := bufs.keys
		require.Nil(t, bufs.Reset(500))
		require.Equal(t, uint32(500), bufs.Len())
		require.Equal(t, uint32(3840), bufs.Cap())
		require.Equal(t, keys, bufs.keys, "Shrinking reallocated")
		requirePadding(t, bufs)
	})

	t.Run("GrowInPlace", func(t *testing.T) {
		require.Nil(t, bufs.Reset(3840))
		require.Equal(t, uint32(3840), bufs.Cap())
	})

	t.Run("Grow", func(t *testing.T) {
		require.Nil(t, bufs.Reset(5000))
		require.Equal(t, uint32(5000), bufs.Len())
		require.Equal(t, uint32(7680), bufs.Cap())
		requirePadding(t, bufs)

		sortFull(t, sorter, bufs)
	})

	t.Run("Zero", func(t *testing.T) {
		require.ErrorIs(t, bufs.Reset(0), ErrInvalidCount)
		require.Equal(t, uint32(5000), bufs.Len(), "Failed reset changed the set")
	})
}

// Sort random data filling the whole usable length of bufs
func sortFull(t *testing.T, sorter *Sorter, bufs *SortBuffers) {
	n := (int)(bufs.Len())
	keys := RandomInputsSeed(n, 7)
	values := IndexValues(n)

	RunSort(t, sorter, bufs, keys, values, HostCount(bufs.Len()))
	gotKeys, gotValues := ReadPairs(t, bufs, n)
	require.Nil(t, CheckStable(keys, values, gotKeys, gotValues))
}

func TestSortBuffersSlots(t *testing.T) {
	sorter := NewTestSorter(t, 8)

	bufs, err := sorter.CreateSortBuffers(100)
	require.Nil(t, err)
	defer bufs.Release()

	first := bufs.Keys()
	sortFull(t, sorter, bufs)
	require.Same(t, first, bufs.Keys(), "Four passes must end in the starting slot")

	// Sorts continue from the current slot
	bufs.flip()
	sortFull(t, sorter, bufs)
	require.Same(t, bufs.keys[1], bufs.Keys())
}
