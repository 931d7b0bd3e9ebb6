package sort

import (
	"context"
	"testing"

	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/KeKsBoTer/wgpu-sort/pkg/probe"
	"github.com/stretchr/testify/require"
)

// Sorter on a fresh software device with the given lane width
func NewTestSorter(t testing.TB, lanes uint32) *Sorter {
	dev := gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: lanes})
	c, err := probe.NewCapability(lanes)
	require.Nilf(t, err, "Bad lane width %v", lanes)

	p, err := NewPipelines(dev, c)
	require.Nil(t, err, "Failed to build pipelines")
	return NewSorter(p)
}

// Upload keys and values to bufs, record a sort of count with one encoder and
// submit it
func RunSort(t testing.TB, sorter *Sorter, bufs *SortBuffers, keys, values []uint32, count Count) {
	dev := sorter.Pipelines().Device()
	queue := dev.Queue()

	require.Nil(t, gpu.WriteWords(queue, bufs.Keys(), 0, keys), "Failed to upload keys")
	require.Nil(t, gpu.WriteWords(queue, bufs.Values(), 0, values), "Failed to upload values")

	enc, err := dev.CreateCommandEncoder("test sort")
	require.Nil(t, err)
	require.Nilf(t, sorter.Sort(enc, queue, bufs, count), "Failed to record sort of %v", count)

	cmds, err := enc.Finish()
	require.Nil(t, err, "Failed to finish encoder")
	require.Nil(t, queue.Submit(cmds), "Submission failed")
}

// Read the first n keys and values of bufs
func ReadPairs(t testing.TB, bufs *SortBuffers, n int) ([]uint32, []uint32) {
	dev := bufs.p.Device()

	keys, err := gpu.ReadWords(context.Background(), dev, bufs.Keys(), 0, n)
	require.Nil(t, err, "Failed to read keys")
	values, err := gpu.ReadWords(context.Background(), dev, bufs.Values(), 0, n)
	require.Nil(t, err, "Failed to read values")
	return keys, values
}

// Sort n random pairs with a host count and check the result is the stable
// ordering of the input
func SortTest(t *testing.T, sorter *Sorter, n int, seed int64) {
	keys := RandomInputsSeed(n, seed)
	values := IndexValues(n)

	bufs, err := sorter.CreateSortBuffers((uint32)(n))
	require.Nilf(t, err, "Failed to allocate buffers for %v elements", n)
	defer bufs.Release()

	RunSort(t, sorter, bufs, keys, values, HostCount((uint32)(n)))

	gotKeys, gotValues := ReadPairs(t, bufs, n)
	if err = CheckStable(keys, values, gotKeys, gotValues); err != nil {
		t.Fatalf("Sorted wrong (n=%v, seed=%v): %v", n, seed, err)
	}
}
