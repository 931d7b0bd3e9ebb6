// Package gpu is the compute-device contract the sorter records its work
// against. It follows the WebGPU object model (buffers, bind groups, compute
// pipelines, command encoders, a queue) so that a WebGPU adapter can satisfy
// it directly. SoftDevice implements it on the CPU for development and tests.
package gpu

// Usage flags of a buffer, mirroring WebGPU's GPUBufferUsage
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageMapWrite
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndirect
)

func (self BufferUsage) Has(flags BufferUsage) bool {
	return self&flags == flags
}

type MapMode uint32

const (
	MapModeRead MapMode = iota + 1
	MapModeWrite
)

type MapStatus int

const (
	MapStatusSuccess MapStatus = iota
	MapStatusError
	MapStatusAborted
)

// Binding offsets of storage and uniform buffers must be multiples of this
const MinBindingOffsetAlignment = 256

type BufferDescriptor struct {
	Label string
	Size  uint64 // bytes, multiple of 4
	Usage BufferUsage
}

type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage

	// Request a host mapping of [offset, offset+size). callback fires from a
	// later Device.Poll once the device no longer uses the buffer.
	MapAsync(mode MapMode, offset, size uint64, callback func(MapStatus)) error

	// Bytes of a mapped range. Only valid between a successful MapAsync
	// callback and Unmap.
	MappedRange(offset, size uint64) ([]byte, error)
	Unmap()
	Release()
}

type BindingType int

const (
	BindingStorage BindingType = iota
	BindingReadOnlyStorage
	BindingUniform
)

func (self BindingType) String() string {
	switch self {
	case BindingStorage:
		return "storage"
	case BindingReadOnlyStorage:
		return "read-only-storage"
	case BindingUniform:
		return "uniform"
	}
	return "unknown"
}

type LayoutEntry struct {
	Binding uint32
	Type    BindingType
}

type BindGroupLayout interface {
	Entries() []LayoutEntry
	Release()
}

type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
	Offset  uint64
	Size    uint64 // zero binds the rest of the buffer
}

type BindGroup interface {
	Layout() BindGroupLayout
	Release()
}

// A host implementation of a kernel, invoked once per workgroup by devices
// that cannot run WGSL.
type HostKernel func(wg *Workgroup)

// A compute kernel in source form. WGSL is handed to devices that compile
// shaders; Host is run by the software device.
type Kernel struct {
	Name  string
	Entry string
	WGSL  string

	// Names of the constants the source expects. Every one of them must be
	// given a value in PipelineDescriptor.Constants.
	Constants []string

	Host HostKernel
}

// Constant every kernel declares its workgroup size with
const WorkgroupSizeConst = "WORKGROUP_SIZE"

type PipelineDescriptor struct {
	Label     string
	Kernel    Kernel
	Layouts   []BindGroupLayout // indexed by bind group number
	Constants map[string]uint32
}

type Pipeline interface {
	Label() string
	Release()
}

type CommandBuffer interface {
	Release()
}

type ComputePass interface {
	SetPipeline(p Pipeline)
	SetBindGroup(index uint32, group BindGroup)
	DispatchWorkgroups(x, y, z uint32)

	// Dispatch with the workgroup counts stored as three u32 at offset of
	// buf. The counts are read when the command executes, not when it is
	// recorded.
	DispatchWorkgroupsIndirect(buf Buffer, offset uint64)

	// Finish recording the pass. Recording errors of the pass are reported
	// here.
	End() error
}

type CommandEncoder interface {
	BeginComputePass(label string) ComputePass
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error
	Finish() (CommandBuffer, error)
}

type Queue interface {
	// Schedule a write of data at offset of buf. The write lands before any
	// command buffer submitted after this call.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error
	Submit(cmds ...CommandBuffer) error
}

type Device interface {
	Info() DeviceInfo
	Queue() Queue
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)
	CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error)
	CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error)
	CreatePipeline(desc *PipelineDescriptor) (Pipeline, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Process completed work and fire pending map callbacks. With wait set,
	// blocks until all submitted work is done.
	Poll(wait bool) error
	Release()
}
