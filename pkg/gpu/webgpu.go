//go:build webgpu

package gpu

import (
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WebGPUDevice runs kernels on the first high-performance adapter wgpu-native
// offers. Pipelines are compiled from the kernel WGSL with the pipeline
// constants prepended; host implementations are never used.
type WebGPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *webgpuQueue
	info     DeviceInfo
	log      *logrus.Logger

	mu       sync.Mutex
	released bool
}

func openWebGPU(opts SoftOptions) (Device, error) {
	return NewWebGPUDevice(opts.Name, opts.Logger)
}

func NewWebGPUDevice(name string, log *logrus.Logger) (*WebGPUDevice, error) {
	if name == "" {
		name = "WebGPU"
	}
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrapf(ErrBackendUnavailable, "no adapter: %v", err)
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(ErrBackendUnavailable, "no device: %v", err)
	}

	dev := &WebGPUDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		log:      log,
		info: DeviceInfo{
			Name:         name,
			Backend:      BackendWebGPU,
			HostFeatures: hostFeatures(),
		},
	}
	dev.queue = &webgpuQueue{dev: dev, queue: device.GetQueue()}
	log.Debugf("webgpu: opened %v", name)
	return dev, nil
}

func (self *WebGPUDevice) Info() DeviceInfo {
	return self.info
}

func (self *WebGPUDevice) Queue() Queue {
	return self.queue
}

func (self *WebGPUDevice) Release() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.released {
		return
	}
	self.released = true
	self.queue.queue.Release()
	self.device.Release()
	self.adapter.Release()
	self.instance.Release()
}

func (self *WebGPUDevice) checkAlive() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.released {
		return errors.Wrap(ErrReleased, "device")
	}
	return nil
}

var webgpuUsages = []struct {
	usage BufferUsage
	wgpu  wgpu.BufferUsage
}{
	{BufferUsageMapRead, wgpu.BufferUsageMapRead},
	{BufferUsageMapWrite, wgpu.BufferUsageMapWrite},
	{BufferUsageCopySrc, wgpu.BufferUsageCopySrc},
	{BufferUsageCopyDst, wgpu.BufferUsageCopyDst},
	{BufferUsageUniform, wgpu.BufferUsageUniform},
	{BufferUsageStorage, wgpu.BufferUsageStorage},
	{BufferUsageIndirect, wgpu.BufferUsageIndirect},
}

func webgpuUsage(usage BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	for _, u := range webgpuUsages {
		if usage.Has(u.usage) {
			out |= u.wgpu
		}
	}
	return out
}

func webgpuBindingType(typ BindingType) wgpu.BufferBindingType {
	switch typ {
	case BindingReadOnlyStorage:
		return wgpu.BufferBindingTypeReadOnlyStorage
	case BindingUniform:
		return wgpu.BufferBindingTypeUniform
	}
	return wgpu.BufferBindingTypeStorage
}

func (self *WebGPUDevice) CreateBuffer(desc *BufferDescriptor) (Buffer, error) {
	if err := self.checkAlive(); err != nil {
		return nil, err
	}
	if desc.Size%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "buffer %q size %v", desc.Label, desc.Size)
	}

	buf, err := self.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: webgpuUsage(desc.Usage),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to create buffer %q", desc.Label)
	}
	return &webgpuBuffer{dev: self, buf: buf, label: desc.Label, size: desc.Size, usage: desc.Usage}, nil
}

func (self *WebGPUDevice) CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error) {
	wentries := make([]wgpu.BindGroupLayoutEntry, len(entries))
	for i, e := range entries {
		wentries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: webgpuBindingType(e.Type)},
		}
	}

	layout, err := self.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: wentries,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrBindGroup, "layout %q: %v", label, err)
	}
	return &webgpuLayout{dev: self, layout: layout, entries: append([]LayoutEntry{}, entries...)}, nil
}

func (self *WebGPUDevice) CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error) {
	l, ok := layout.(*webgpuLayout)
	if !ok || l.dev != self {
		return nil, errors.Wrapf(ErrBindGroup, "bind group %q: layout belongs to another device", label)
	}

	wentries := make([]wgpu.BindGroupEntry, len(entries))
	for i, e := range entries {
		buf, ok := e.Buffer.(*webgpuBuffer)
		if !ok || buf.dev != self {
			return nil, errors.Wrapf(ErrBindGroup, "bind group %q: binding %v buffer belongs to another device", label, e.Binding)
		}
		size := e.Size
		if size == 0 {
			size = buf.size - e.Offset
		}
		if e.Offset%MinBindingOffsetAlignment != 0 || e.Offset+size > buf.size {
			return nil, errors.Wrapf(ErrInvalidSize, "bind group %q: binding %v range [%v, +%v) of %v",
				label, e.Binding, e.Offset, size, buf.size)
		}
		wentries[i] = wgpu.BindGroupEntry{
			Binding: e.Binding,
			Buffer:  buf.buf,
			Offset:  e.Offset,
			Size:    size,
		}
	}

	group, err := self.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  l.layout,
		Entries: wentries,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrBindGroup, "bind group %q: %v", label, err)
	}
	return &webgpuBindGroup{layout: l, group: group}, nil
}

func (self *WebGPUDevice) CreatePipeline(desc *PipelineDescriptor) (Pipeline, error) {
	if err := self.checkAlive(); err != nil {
		return nil, err
	}

	k := desc.Kernel
	if missing := missingConstants(append([]string{WorkgroupSizeConst}, k.Constants...), desc.Constants); len(missing) != 0 {
		return nil, errors.Wrapf(ErrCompile, "%v: unresolved constants %v", desc.Label, missing)
	}

	layouts := make([]*wgpu.BindGroupLayout, len(desc.Layouts))
	for i, layout := range desc.Layouts {
		l, ok := layout.(*webgpuLayout)
		if !ok || l.dev != self {
			return nil, errors.Wrapf(ErrCompile, "%v: layout %v belongs to another device", desc.Label, i)
		}
		layouts[i] = l.layout
	}

	source := ComposeWGSL(k.WGSL, desc.Constants)
	module, err := self.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, errors.Wrapf(ErrCompile, "%v: %v", desc.Label, err)
	}
	defer module.Release()

	pipelineLayout, err := self.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrCompile, "%v: pipeline layout: %v", desc.Label, err)
	}
	defer pipelineLayout.Release()

	pipeline, err := self.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.Entry,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(ErrCompile, "%v: %v", desc.Label, err)
	}

	self.log.Debugf("webgpu: compiled %v (%v)", desc.Label, k.Name)
	return &webgpuPipeline{dev: self, label: desc.Label, source: source, pipeline: pipeline}, nil
}

func (self *WebGPUDevice) CreateCommandEncoder(label string) (CommandEncoder, error) {
	if err := self.checkAlive(); err != nil {
		return nil, err
	}
	enc, err := self.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, errors.Wrapf(ErrRecording, "encoder %q: %v", label, err)
	}
	return &webgpuEncoder{dev: self, label: label, enc: enc}, nil
}

// Map callbacks only fire from here
func (self *WebGPUDevice) Poll(wait bool) error {
	if err := self.checkAlive(); err != nil {
		return err
	}
	self.device.Poll(wait, nil)
	return nil
}

type webgpuBuffer struct {
	dev   *WebGPUDevice
	buf   *wgpu.Buffer
	label string
	size  uint64
	usage BufferUsage
}

func (self *webgpuBuffer) Label() string      { return self.label }
func (self *webgpuBuffer) Size() uint64       { return self.size }
func (self *webgpuBuffer) Usage() BufferUsage { return self.usage }

func (self *webgpuBuffer) MapAsync(mode MapMode, offset, size uint64, callback func(MapStatus)) error {
	if mode != MapModeRead || !self.usage.Has(BufferUsageMapRead) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q cannot be mapped for reading", self.label)
	}
	if offset+size > self.size {
		return errors.Wrapf(ErrInvalidSize, "map of [%v, +%v) in buffer %q of %v bytes", offset, size, self.label, self.size)
	}

	err := self.buf.MapAsync(wgpu.MapModeRead, offset, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			self.dev.log.Warnf("webgpu: mapping %q failed: %v", self.label, status)
			callback(MapStatusError)
			return
		}
		callback(MapStatusSuccess)
	})
	if err != nil {
		return errors.Wrapf(err, "Failed to map buffer %q", self.label)
	}
	return nil
}

func (self *webgpuBuffer) MappedRange(offset, size uint64) ([]byte, error) {
	raw := self.buf.GetMappedRange(uint(offset), uint(size))
	if raw == nil {
		return nil, errors.Wrapf(ErrNotMapped, "buffer %q", self.label)
	}
	return raw, nil
}

func (self *webgpuBuffer) Unmap() {
	self.buf.Unmap()
}

func (self *webgpuBuffer) Release() {
	self.buf.Release()
}

type webgpuLayout struct {
	dev     *WebGPUDevice
	layout  *wgpu.BindGroupLayout
	entries []LayoutEntry
}

func (self *webgpuLayout) Entries() []LayoutEntry {
	return append([]LayoutEntry{}, self.entries...)
}

func (self *webgpuLayout) Release() {
	self.layout.Release()
}

type webgpuBindGroup struct {
	layout *webgpuLayout
	group  *wgpu.BindGroup
}

func (self *webgpuBindGroup) Layout() BindGroupLayout {
	return self.layout
}

func (self *webgpuBindGroup) Release() {
	self.group.Release()
}

type webgpuPipeline struct {
	dev      *WebGPUDevice
	label    string
	source   string
	pipeline *wgpu.ComputePipeline
}

func (self *webgpuPipeline) Label() string {
	return self.label
}

// WGSL text the pipeline was compiled from
func (self *webgpuPipeline) Source() string {
	return self.source
}

func (self *webgpuPipeline) Release() {
	self.pipeline.Release()
}

type webgpuCommandBuffer struct {
	cmds *wgpu.CommandBuffer
}

func (self *webgpuCommandBuffer) Release() {
	self.cmds.Release()
}

type webgpuEncoder struct {
	dev    *WebGPUDevice
	label  string
	enc    *wgpu.CommandEncoder
	active *webgpuPass
	err    error
}

func (self *webgpuEncoder) fail(err error) {
	if self.err == nil {
		self.err = err
	}
}

func (self *webgpuEncoder) BeginComputePass(label string) ComputePass {
	pass := &webgpuPass{enc: self, label: label}
	if self.active != nil {
		pass.fail(errors.Wrapf(ErrRecording, "pass %q begun while %q is open", label, self.active.label))
		return pass
	}
	pass.pass = self.enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})
	self.active = pass
	return pass
}

func (self *webgpuEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	s, ok := src.(*webgpuBuffer)
	if !ok || s.dev != self.dev {
		return self.failf(errors.Wrap(ErrInvalidUsage, "copy source belongs to another device"))
	}
	d, ok := dst.(*webgpuBuffer)
	if !ok || d.dev != self.dev {
		return self.failf(errors.Wrap(ErrInvalidUsage, "copy destination belongs to another device"))
	}
	if s == d {
		return self.failf(errors.Wrapf(ErrInvalidUsage, "copy within buffer %q", s.label))
	}
	if !s.usage.Has(BufferUsageCopySrc) || !d.usage.Has(BufferUsageCopyDst) {
		return self.failf(errors.Wrapf(ErrInvalidUsage, "copy from %q to %q", s.label, d.label))
	}
	if srcOffset+size > s.size || dstOffset+size > d.size {
		return self.failf(errors.Wrapf(ErrInvalidSize, "copy of %v bytes from %q+%v to %q+%v",
			size, s.label, srcOffset, d.label, dstOffset))
	}

	self.enc.CopyBufferToBuffer(s.buf, srcOffset, d.buf, dstOffset, size)
	return nil
}

func (self *webgpuEncoder) failf(err error) error {
	self.fail(err)
	return err
}

func (self *webgpuEncoder) Finish() (CommandBuffer, error) {
	if self.active != nil {
		self.fail(errors.Wrapf(ErrRecording, "pass %q not ended", self.active.label))
	}
	if self.err != nil {
		self.enc.Release()
		return nil, errors.Wrapf(self.err, "encoder %q", self.label)
	}

	cmds, err := self.enc.Finish(nil)
	self.enc.Release()
	if err != nil {
		return nil, errors.Wrapf(ErrRecording, "encoder %q: %v", self.label, err)
	}
	return &webgpuCommandBuffer{cmds: cmds}, nil
}

type webgpuPass struct {
	enc   *webgpuEncoder
	label string
	pass  *wgpu.ComputePassEncoder
	err   error
}

func (self *webgpuPass) fail(err error) {
	if self.err == nil {
		self.err = errors.Wrapf(err, "pass %q", self.label)
	}
}

func (self *webgpuPass) SetPipeline(p Pipeline) {
	wp, ok := p.(*webgpuPipeline)
	if !ok || wp.dev != self.enc.dev {
		self.fail(errors.Wrap(ErrRecording, "pipeline belongs to another device"))
		return
	}
	if self.pass != nil {
		self.pass.SetPipeline(wp.pipeline)
	}
}

func (self *webgpuPass) SetBindGroup(index uint32, group BindGroup) {
	g, ok := group.(*webgpuBindGroup)
	if !ok || g.layout.dev != self.enc.dev {
		self.fail(errors.Wrapf(ErrBindGroup, "group %v belongs to another device", index))
		return
	}
	if self.pass != nil {
		self.pass.SetBindGroup(index, g.group, nil)
	}
}

func (self *webgpuPass) DispatchWorkgroups(x, y, z uint32) {
	if x > MaxWorkgroupsPerDimension || y > MaxWorkgroupsPerDimension || z > MaxWorkgroupsPerDimension {
		self.fail(errors.Wrapf(ErrRecording, "dispatch of %v x %v x %v workgroups", x, y, z))
		return
	}
	if self.pass != nil {
		self.pass.DispatchWorkgroups(x, y, z)
	}
}

func (self *webgpuPass) DispatchWorkgroupsIndirect(buf Buffer, offset uint64) {
	b, ok := buf.(*webgpuBuffer)
	if !ok || b.dev != self.enc.dev {
		self.fail(errors.Wrap(ErrRecording, "indirect buffer belongs to another device"))
		return
	}
	if !b.usage.Has(BufferUsageIndirect) || offset%4 != 0 || offset+12 > b.size {
		self.fail(errors.Wrapf(ErrInvalidUsage, "indirect dispatch from %q+%v", b.label, offset))
		return
	}
	if self.pass != nil {
		self.pass.DispatchWorkgroupsIndirect(b.buf, offset)
	}
}

func (self *webgpuPass) End() error {
	if self.pass != nil {
		self.pass.End()
		self.pass.Release()
		self.pass = nil
	}
	if self.enc.active == self {
		self.enc.active = nil
	}
	if self.err != nil {
		self.enc.fail(self.err)
	}
	return self.err
}

type webgpuQueue struct {
	dev   *WebGPUDevice
	queue *wgpu.Queue
}

func (self *webgpuQueue) WriteBuffer(buf Buffer, offset uint64, p []byte) error {
	b, ok := buf.(*webgpuBuffer)
	if !ok || b.dev != self.dev {
		return errors.Wrap(ErrInvalidUsage, "write to a buffer of another device")
	}
	if !b.usage.Has(BufferUsageCopyDst) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q is not a copy destination", b.label)
	}
	size := (uint64)(len(p))
	if offset%4 != 0 || size%4 != 0 || offset+size > b.size {
		return errors.Wrapf(ErrInvalidSize, "write of [%v, +%v) to buffer %q of %v bytes", offset, size, b.label, b.size)
	}

	self.queue.WriteBuffer(b.buf, offset, p)
	return nil
}

func (self *webgpuQueue) Submit(cmds ...CommandBuffer) error {
	if err := self.dev.checkAlive(); err != nil {
		return err
	}

	wcmds := make([]*wgpu.CommandBuffer, len(cmds))
	for i, c := range cmds {
		cb, ok := c.(*webgpuCommandBuffer)
		if !ok {
			return errors.Wrapf(ErrRecording, "command buffer %v belongs to another device", i)
		}
		wcmds[i] = cb.cmds
	}

	self.queue.Submit(wcmds...)
	self.dev.log.Debugf("webgpu: submitted %v command buffers", len(cmds))
	return nil
}
