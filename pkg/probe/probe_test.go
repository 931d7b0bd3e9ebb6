package probe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/gogpu/naga"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Device whose buffer creation waits for gate to close
type gatedDevice struct {
	gpu.Device
	gate    chan struct{}
	buffers atomic.Int32
}

func (self *gatedDevice) CreateBuffer(desc *gpu.BufferDescriptor) (gpu.Buffer, error) {
	<-self.gate
	self.buffers.Add(1)
	return self.Device.CreateBuffer(desc)
}

func TestDiscover(t *testing.T) {
	for _, tc := range []struct {
		name     string
		hwLanes  uint32
		expected uint32
	}{
		{"Lanes32", 32, 32},
		{"Lanes64", 64, 64},
		{"Lanes128", 128, 128},
		{"Lanes8", 8, 8},
		{"Lanes4", 4, FallbackLaneWidth},
		{"Lanes1", 1, FallbackLaneWidth},
		{"Lanes256", 256, 128},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: tc.hwLanes})
			prober, err := NewProber()
			require.Nil(t, err)

			c, err := prober.Discover(context.Background(), dev)
			require.Nilf(t, err, "Probe failed: %v", err)
			require.Equal(t, tc.expected, c.LaneWidth, "Wrong lane width")
			require.Nil(t, c.Validate())
		})
	}
}

func TestDiscoverMemoized(t *testing.T) {
	dev := gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: 16})
	prober, err := NewProber()
	require.Nil(t, err)

	first, err := prober.Discover(context.Background(), dev)
	require.Nil(t, err)

	// A released device cannot run the probe, only the cache can answer
	dev.Release()
	second, err := prober.Discover(context.Background(), dev)
	require.Nil(t, err, "Cached capability not reused")
	require.Equal(t, first, second)

	prober.Forget(dev)
	_, err = prober.Discover(context.Background(), dev)
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestDiscoverIndependentDevices(t *testing.T) {
	blocked := &gatedDevice{
		Device: gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: 32}),
		gate:   make(chan struct{}),
	}
	free := gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: 16})
	prober, err := NewProber()
	require.Nil(t, err)

	var g errgroup.Group
	results := make([]Capability, 4)
	for i := range results {
		g.Go(func() error {
			c, err := prober.Discover(context.Background(), blocked)
			results[i] = c
			return err
		})
	}

	// Discovery on another device must not wait for the blocked probe
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := prober.Discover(ctx, free)
	require.Nilf(t, err, "Probe of an unrelated device blocked: %v", err)
	require.Equal(t, uint32(16), c.LaneWidth)

	close(blocked.gate)
	require.Nil(t, g.Wait())
	for _, c := range results {
		require.Equal(t, uint32(32), c.LaneWidth)
	}

	// One output buffer plus a staging buffer for each of 128, 64 and 32
	probes := blocked.buffers.Load()
	require.Equal(t, int32(4), probes, "Concurrent callers probed the same device more than once")

	_, err = prober.Discover(context.Background(), blocked)
	require.Nil(t, err)
	require.Equal(t, probes, blocked.buffers.Load(), "Cached capability not reused")
}

func TestDiscoverCandidates(t *testing.T) {
	dev := gpu.NewSoftDevice(gpu.SoftOptions{LaneWidth: 64})

	prober, err := NewProber(WithCandidates(16, 8), WithWorkgroups(1))
	require.Nil(t, err)
	c, err := prober.Discover(context.Background(), dev)
	require.Nil(t, err)
	require.Equal(t, uint32(16), c.LaneWidth, "Probe ignored the candidate list")

	_, err = NewProber(WithCandidates(48))
	require.ErrorIs(t, err, ErrInvalidCapability)
	_, err = NewProber(WithCandidates(256))
	require.ErrorIs(t, err, ErrInvalidCapability)
	_, err = NewProber(WithCandidates(32, 32))
	require.ErrorIs(t, err, ErrInvalidCapability)
	_, err = NewProber(WithCandidates())
	require.ErrorIs(t, err, ErrInvalidCapability)
}

func TestCapability(t *testing.T) {
	c, err := NewCapability(32)
	require.Nil(t, err)
	require.Equal(t, uint32(3840), c.TileSize)

	c, err = NewCapability(1)
	require.Nil(t, err)
	require.Equal(t, uint32(256), c.TileSize)

	c, err = NewCapability(16)
	require.Nil(t, err)
	require.Equal(t, uint32(2048), c.TileSize)
	require.Zero(t, c.TileSize%SortWorkgroupSize)

	_, err = NewCapability(0)
	require.ErrorIs(t, err, ErrInvalidCapability)

	bad := Capability{LaneWidth: 32, TileSize: 1000}
	require.ErrorIs(t, bad.Validate(), ErrInvalidCapability)
}

func TestProbeKernelParses(t *testing.T) {
	for _, candidate := range DefaultCandidates {
		src := gpu.ComposeWGSL(probeKernel.WGSL, map[string]uint32{
			gpu.WorkgroupSizeConst: ProbeWorkgroupSize,
			"LANES":                candidate,
		})
		_, err := naga.Parse(src)
		require.Nilf(t, err, "Probe kernel for %v lanes does not parse: %v", candidate, err)
	}
}

func TestMatchesCandidate(t *testing.T) {
	seen := make([]uint32, 2*ProbeWorkgroupSize)
	for i := range seen {
		seen[i] = (uint32)(i%ProbeWorkgroupSize) % 16
	}
	require.True(t, matchesCandidate(seen, 16))
	require.False(t, matchesCandidate(seen, 8))
	require.False(t, matchesCandidate(seen, 32))
}
