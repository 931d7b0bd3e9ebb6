package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// Adds the uniform word to every element of its workgroup's slice of the
// storage buffer
var addKernel = Kernel{
	Name:      "add",
	Entry:     "main",
	WGSL:      "@compute @workgroup_size(WORKGROUP_SIZE) fn main() {}\n",
	Constants: []string{"STRIDE"},
	Host: func(wg *Workgroup) {
		vals := wg.Storage(0, 0)
		delta := wg.Uniform(0, 1)[0]
		stride := wg.Const("STRIDE")
		base := wg.Index() * stride
		for i := base; i < base+stride; i++ {
			vals[i] += delta
		}
	},
}

type addFixture struct {
	dev      *SoftDevice
	layout   BindGroupLayout
	pipeline Pipeline
	vals     Buffer
	delta    Buffer
	group    BindGroup
}

func newAddFixture(t *testing.T, nword int, stride uint32) *addFixture {
	var err error
	f := &addFixture{dev: NewSoftDevice(SoftOptions{ComputeUnits: 3})}

	f.layout, err = f.dev.CreateBindGroupLayout("add", []LayoutEntry{
		{Binding: 0, Type: BindingStorage},
		{Binding: 1, Type: BindingUniform},
	})
	require.Nil(t, err)

	f.pipeline, err = f.dev.CreatePipeline(&PipelineDescriptor{
		Label:     "add",
		Kernel:    addKernel,
		Layouts:   []BindGroupLayout{f.layout},
		Constants: map[string]uint32{WorkgroupSizeConst: 64, "STRIDE": stride},
	})
	require.Nilf(t, err, "Failed to create pipeline: %v", err)

	f.vals, err = f.dev.CreateBuffer(&BufferDescriptor{
		Label: "vals",
		Size:  (uint64)(nword * 4),
		Usage: BufferUsageStorage | BufferUsageCopySrc | BufferUsageCopyDst,
	})
	require.Nil(t, err)

	f.delta, err = CreateBufferInit(f.dev, &BufferDescriptor{Label: "delta", Usage: BufferUsageUniform},
		[]byte{5, 0, 0, 0})
	require.Nil(t, err)

	f.group, err = f.dev.CreateBindGroup("add", f.layout, []BindGroupEntry{
		{Binding: 0, Buffer: f.vals},
		{Binding: 1, Buffer: f.delta},
	})
	require.Nil(t, err)
	return f
}

func TestSoftDispatch(t *testing.T) {
	f := newAddFixture(t, 64, 8)
	ctx := context.Background()

	err := WriteWords(f.dev.Queue(), f.vals, 0, make([]uint32, 64))
	require.Nil(t, err)

	enc, err := f.dev.CreateCommandEncoder("dispatch")
	require.Nil(t, err)
	pass := enc.BeginComputePass("add")
	pass.SetPipeline(f.pipeline)
	pass.SetBindGroup(0, f.group)
	// 6 workgroups of 8 words each, the last 16 words stay untouched
	pass.DispatchWorkgroups(3, 2, 1)
	require.Nil(t, pass.End())

	cmds, err := enc.Finish()
	require.Nil(t, err)
	require.Nil(t, f.dev.Queue().Submit(cmds))

	got, err := ReadWords(ctx, f.dev, f.vals, 0, 64)
	require.Nilf(t, err, "Readback failed: %v", err)
	for i, v := range got {
		if i < 48 {
			require.Equalf(t, uint32(5), v, "word %v not updated", i)
		} else {
			require.Equalf(t, uint32(0), v, "word %v written out of range", i)
		}
	}

	require.Contains(t, f.pipeline.(*softPipeline).Source(), "const STRIDE: u32 = 8u;")
}

func TestSoftIndirectDispatch(t *testing.T) {
	f := newAddFixture(t, 64, 8)
	ctx := context.Background()

	args, err := f.dev.CreateBuffer(&BufferDescriptor{
		Label: "args",
		Size:  12,
		Usage: BufferUsageIndirect | BufferUsageCopyDst,
	})
	require.Nil(t, err)
	require.Nil(t, WriteWords(f.dev.Queue(), args, 0, []uint32{1, 1, 1}))

	enc, err := f.dev.CreateCommandEncoder("indirect")
	require.Nil(t, err)
	pass := enc.BeginComputePass("add")
	pass.SetPipeline(f.pipeline)
	pass.SetBindGroup(0, f.group)
	pass.DispatchWorkgroupsIndirect(args, 0)
	require.Nil(t, pass.End())
	cmds, err := enc.Finish()
	require.Nil(t, err)

	// The counts are read at execution time
	require.Nil(t, WriteWords(f.dev.Queue(), args, 0, []uint32{4, 1, 1}))
	require.Nil(t, f.dev.Queue().Submit(cmds))

	got, err := ReadWords(ctx, f.dev, f.vals, 0, 64)
	require.Nil(t, err)
	for i, v := range got {
		if i < 32 {
			require.Equalf(t, uint32(5), v, "word %v not updated", i)
		} else {
			require.Equalf(t, uint32(0), v, "word %v written out of range", i)
		}
	}

	t.Run("Resubmit", func(t *testing.T) {
		require.NotNil(t, f.dev.Queue().Submit(cmds))
	})
}

func TestSoftKernelFault(t *testing.T) {
	// 8 words per workgroup over a 16 word buffer, the third workgroup
	// indexes past the end
	f := newAddFixture(t, 16, 8)

	enc, err := f.dev.CreateCommandEncoder("fault")
	require.Nil(t, err)
	pass := enc.BeginComputePass("add")
	pass.SetPipeline(f.pipeline)
	pass.SetBindGroup(0, f.group)
	pass.DispatchWorkgroups(3, 1, 1)
	require.Nil(t, pass.End())
	cmds, err := enc.Finish()
	require.Nil(t, err)

	err = f.dev.Queue().Submit(cmds)
	require.ErrorIs(t, err, ErrKernelFault)
}

func TestSoftValidation(t *testing.T) {
	f := newAddFixture(t, 16, 8)

	t.Run("Unaligned Buffer", func(t *testing.T) {
		_, err := f.dev.CreateBuffer(&BufferDescriptor{Label: "odd", Size: 6, Usage: BufferUsageStorage})
		require.ErrorIs(t, err, ErrInvalidSize)
	})

	t.Run("Missing Constant", func(t *testing.T) {
		_, err := f.dev.CreatePipeline(&PipelineDescriptor{
			Label:     "add",
			Kernel:    addKernel,
			Layouts:   []BindGroupLayout{f.layout},
			Constants: map[string]uint32{WorkgroupSizeConst: 64},
		})
		require.ErrorIs(t, err, ErrCompile)
	})

	t.Run("Workgroup Too Large", func(t *testing.T) {
		_, err := f.dev.CreatePipeline(&PipelineDescriptor{
			Label:     "add",
			Kernel:    addKernel,
			Layouts:   []BindGroupLayout{f.layout},
			Constants: map[string]uint32{WorkgroupSizeConst: 1024, "STRIDE": 1},
		})
		require.ErrorIs(t, err, ErrCompile)
	})

	t.Run("Uniform Usage", func(t *testing.T) {
		_, err := f.dev.CreateBindGroup("bad", f.layout, []BindGroupEntry{
			{Binding: 0, Buffer: f.vals},
			{Binding: 1, Buffer: f.vals},
		})
		require.ErrorIs(t, err, ErrInvalidUsage)
	})

	t.Run("Layout Mismatch", func(t *testing.T) {
		other, err := f.dev.CreateBindGroupLayout("other", []LayoutEntry{
			{Binding: 0, Type: BindingStorage},
			{Binding: 1, Type: BindingUniform},
		})
		require.Nil(t, err)
		group, err := f.dev.CreateBindGroup("other", other, []BindGroupEntry{
			{Binding: 0, Buffer: f.vals},
			{Binding: 1, Buffer: f.delta},
		})
		require.Nil(t, err)

		enc, err := f.dev.CreateCommandEncoder("mismatch")
		require.Nil(t, err)
		pass := enc.BeginComputePass("add")
		pass.SetPipeline(f.pipeline)
		pass.SetBindGroup(0, group)
		pass.DispatchWorkgroups(1, 1, 1)
		require.ErrorIs(t, pass.End(), ErrBindGroup)

		_, err = enc.Finish()
		require.ErrorIs(t, err, ErrBindGroup)
	})

	t.Run("Copy Usage", func(t *testing.T) {
		enc, err := f.dev.CreateCommandEncoder("copy")
		require.Nil(t, err)
		err = enc.CopyBufferToBuffer(f.delta, 0, f.vals, 0, 4)
		require.ErrorIs(t, err, ErrInvalidUsage)
	})

	t.Run("Mapped Buffer Submit", func(t *testing.T) {
		staging, err := f.dev.CreateBuffer(&BufferDescriptor{
			Label: "staging", Size: 16, Usage: BufferUsageMapRead | BufferUsageCopyDst})
		require.Nil(t, err)

		enc, err := f.dev.CreateCommandEncoder("copy")
		require.Nil(t, err)
		require.Nil(t, enc.CopyBufferToBuffer(f.vals, 0, staging, 0, 16))
		cmds, err := enc.Finish()
		require.Nil(t, err)

		require.Nil(t, staging.MapAsync(MapModeRead, 0, 16, func(MapStatus) {}))
		require.ErrorIs(t, f.dev.Queue().Submit(cmds), ErrAlreadyMapped)

		_, err = staging.MappedRange(0, 16)
		require.ErrorIs(t, err, ErrNotMapped, "range available before poll")
		require.Nil(t, f.dev.Poll(true))
		_, err = staging.MappedRange(0, 16)
		require.Nil(t, err)
		staging.Unmap()
		require.Nil(t, f.dev.Queue().Submit(cmds))
	})
}

func TestSoftSharedMemory(t *testing.T) {
	wg := &Workgroup{laneWidth: 4, scratch: new([]uint32)}

	a := wg.Shared(16)
	b := wg.Shared(16)
	a[0] = 1
	require.Equal(t, uint32(0), b[0], "shared regions overlap")

	require.True(t, wg.Lockstep(4, 7))
	require.False(t, wg.Lockstep(3, 4))
	require.Panics(t, func() { wg.Shared(MaxSharedWords) })
}

func TestOpen(t *testing.T) {
	dev, err := Open(BackendSoft, SoftOptions{})
	require.Nil(t, err)
	require.Equal(t, "soft", dev.Info().Backend)
	require.Equal(t, uint32(0), dev.Info().LaneWidth, "lane width must be probed")

	_, err = Open("vulkan", SoftOptions{})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}
