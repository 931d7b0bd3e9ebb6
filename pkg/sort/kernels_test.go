package sort

import (
	"testing"

	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/gogpu/naga"
	"github.com/stretchr/testify/require"
)

func TestTileGrid(t *testing.T) {
	require.Equal(t, uint32(0), tileCount(0, 3840))
	require.Equal(t, uint32(1), tileCount(1, 3840))
	require.Equal(t, uint32(1), tileCount(3840, 3840))
	require.Equal(t, uint32(2), tileCount(3841, 3840))
	require.Equal(t, uint32(1<<23), tileCount(1<<31, 256))

	require.Equal(t, [3]uint32{0, 0, 1}, tileGrid(0))
	require.Equal(t, [3]uint32{7, 1, 1}, tileGrid(7))
	require.Equal(t, [3]uint32{gpu.MaxWorkgroupsPerDimension, 1, 1}, tileGrid(gpu.MaxWorkgroupsPerDimension))

	grid := tileGrid(1 << 23)
	require.Equal(t, uint32(gpu.MaxWorkgroupsPerDimension), grid[0])
	require.GreaterOrEqual(t, grid[0]*grid[1], uint32(1<<23), "Grid does not cover every tile")
	require.LessOrEqual(t, grid[1], uint32(gpu.MaxWorkgroupsPerDimension))
}

func TestPipelineSource(t *testing.T) {
	sorter := NewTestSorter(t, 16)

	src, ok := sorter.Pipelines().scatter.(interface{ Source() string })
	require.True(t, ok, "Software pipelines expose their source")
	require.Contains(t, src.Source(), "const TILE: u32 = 2048u;")
	require.Contains(t, src.Source(), "const WORKGROUP_SIZE: u32 = 256u;")
	require.Contains(t, src.Source(), "fn scatter_main(")

	args, ok := sorter.Pipelines().dispatchArgs.(interface{ Source() string })
	require.True(t, ok)
	require.Contains(t, args.Source(), "const WORKGROUP_SIZE: u32 = 1u;")
	require.NotContains(t, src.Source(), "LANES", "Sort kernels take the lane width through TILE")
}

// Every composed kernel is valid WGSL, whatever tile size the lane width gives
func TestKernelSourcesParse(t *testing.T) {
	for _, lanes := range []uint32{1, 8, 32, 128} {
		p := NewTestSorter(t, lanes).Pipelines()
		for _, pipeline := range []gpu.Pipeline{p.histogram, p.scan, p.scatter, p.dispatchArgs} {
			src, ok := pipeline.(interface{ Source() string })
			require.True(t, ok)

			_, err := naga.Parse(src.Source())
			require.Nilf(t, err, "%v (lanes %v) does not parse: %v", pipeline.Label(), lanes, err)
		}
	}
}

func TestPipelinesInvalidCapability(t *testing.T) {
	sorter := NewTestSorter(t, 32)
	c := sorter.Pipelines().Capability()
	c.TileSize = 1000

	_, err := NewPipelines(sorter.Pipelines().Device(), c)
	require.NotNil(t, err)
}
