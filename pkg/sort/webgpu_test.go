//go:build webgpu

package sort

import (
	"context"
	"testing"

	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/stretchr/testify/require"
)

func newWebGPUSorter(t *testing.T) *Sorter {
	dev, err := gpu.NewWebGPUDevice("sort test", nil)
	if err != nil {
		t.Skipf("No WebGPU adapter: %v", err)
	}
	t.Cleanup(dev.Release)

	sorter, err := New(context.Background(), dev)
	require.Nilf(t, err, "Failed to build the sorter: %v", err)
	t.Cleanup(sorter.Pipelines().Release)
	return sorter
}

func TestWebGPUSort(t *testing.T) {
	sorter := newWebGPUSorter(t)
	tile := (int)(sorter.Pipelines().Capability().TileSize)

	for _, n := range []int{1, 255, 256, 257, tile, tile + 1, 100_000, 1_000_000} {
		SortTest(t, sorter, n, (int64)(n))
	}
}

func TestWebGPUSortIndirect(t *testing.T) {
	sorter := newWebGPUSorter(t)
	dev := sorter.Pipelines().Device()

	n := 50_000
	bufs, err := sorter.CreateSortBuffers((uint32)(n))
	require.Nil(t, err)
	defer bufs.Release()

	count := countBuffer(t, dev, (uint32)(n-1000))
	defer count.Release()

	keys := RandomInputs(n)
	values := IndexValues(n)
	RunSort(t, sorter, bufs, keys, values, DeviceCount(count, 0))

	gotKeys, gotValues := ReadPairs(t, bufs, n)
	require.Nil(t, CheckStable(keys[:n-1000], values[:n-1000], gotKeys[:n-1000], gotValues[:n-1000]))
	require.Equal(t, keys[n-1000:], gotKeys[n-1000:], "Keys past the count moved")
}
