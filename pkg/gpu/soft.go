package gpu

import (
	"io"
	"runtime"
	"sync"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Largest workgroup a pipeline may declare (WebGPU default limit)
const MaxWorkgroupSize = 256

// Largest workgroup count per dimension of a dispatch
const MaxWorkgroupsPerDimension = 65535

type SoftOptions struct {
	Name string

	// Number of invocations that execute in lockstep. Not reported through
	// DeviceInfo, the same as real adapters. Defaults to 32.
	LaneWidth uint32

	// Workgroups executing concurrently. Defaults to runtime.NumCPU().
	ComputeUnits int

	Logger *logrus.Logger
}

// SoftDevice is a CPU-backed compute device for development and tests. It
// executes the host implementation of every kernel, one goroutine per
// workgroup, bounded by the number of compute units.
type SoftDevice struct {
	mu       sync.Mutex
	info     DeviceInfo
	lanes    uint32
	units    *computeUnits
	queue    *softQueue
	log      *logrus.Logger
	pending  []pendingMap
	released bool
}

type pendingMap struct {
	buf      *softBuffer
	callback func(MapStatus)
}

func NewSoftDevice(opts SoftOptions) *SoftDevice {
	if opts.Name == "" {
		opts.Name = "SoftGPU"
	}
	if opts.LaneWidth == 0 {
		opts.LaneWidth = 32
	}
	if opts.ComputeUnits <= 0 {
		opts.ComputeUnits = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}

	dev := &SoftDevice{
		info:  hostDeviceInfo(opts.Name, opts.ComputeUnits),
		lanes: opts.LaneWidth,
		units: newComputeUnits(opts.ComputeUnits),
		log:   opts.Logger,
	}
	dev.queue = &softQueue{dev: dev}
	return dev
}

func (self *SoftDevice) Info() DeviceInfo {
	return self.info
}

func (self *SoftDevice) Queue() Queue {
	return self.queue
}

func (self *SoftDevice) Release() {
	self.mu.Lock()
	self.released = true
	self.mu.Unlock()
}

func (self *SoftDevice) checkAlive() error {
	if self.released {
		return errors.Wrap(ErrReleased, "device")
	}
	return nil
}

func (self *SoftDevice) CreateBuffer(desc *BufferDescriptor) (Buffer, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.checkAlive(); err != nil {
		return nil, err
	}

	if desc.Size%data.WordSize != 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "buffer %q size %v", desc.Label, desc.Size)
	}
	if desc.Usage.Has(BufferUsageMapRead) && desc.Usage&^(BufferUsageMapRead|BufferUsageCopyDst) != 0 {
		return nil, errors.Wrapf(ErrInvalidUsage, "buffer %q: map-read may only combine with copy-dst", desc.Label)
	}

	return &softBuffer{
		dev:   self,
		label: desc.Label,
		usage: desc.Usage,
		size:  desc.Size,
		mem:   data.NewMemWordArray((int)(desc.Size / data.WordSize)),
	}, nil
}

func (self *SoftDevice) CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error) {
	seen := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		if seen[e.Binding] {
			return nil, errors.Wrapf(ErrBindGroup, "layout %q declares binding %v twice", label, e.Binding)
		}
		seen[e.Binding] = true
	}
	return &softLayout{dev: self, label: label, entries: append([]LayoutEntry{}, entries...)}, nil
}

func (self *SoftDevice) CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	l, ok := layout.(*softLayout)
	if !ok || l.dev != self {
		return nil, errors.Wrapf(ErrBindGroup, "bind group %q: layout belongs to another device", label)
	}
	if len(entries) != len(l.entries) {
		return nil, errors.Wrapf(ErrBindGroup, "bind group %q has %v entries, layout %q wants %v",
			label, len(entries), l.label, len(l.entries))
	}

	bound := make(map[uint32]softBinding, len(entries))
	for _, e := range entries {
		typ, ok := l.typeOf(e.Binding)
		if !ok {
			return nil, errors.Wrapf(ErrBindGroup, "bind group %q: binding %v not in layout", label, e.Binding)
		}

		buf, ok := e.Buffer.(*softBuffer)
		if !ok || buf.dev != self {
			return nil, errors.Wrapf(ErrBindGroup, "bind group %q: binding %v buffer belongs to another device", label, e.Binding)
		}
		if buf.released {
			return nil, errors.Wrapf(ErrReleased, "bind group %q: buffer %q", label, buf.label)
		}

		want := BufferUsageStorage
		if typ == BindingUniform {
			want = BufferUsageUniform
		}
		if !buf.usage.Has(want) {
			return nil, errors.Wrapf(ErrInvalidUsage, "bind group %q: buffer %q bound as %v", label, buf.label, typ)
		}

		size := e.Size
		if size == 0 {
			size = buf.size - e.Offset
		}
		if e.Offset%MinBindingOffsetAlignment != 0 || size%data.WordSize != 0 || e.Offset+size > buf.size {
			return nil, errors.Wrapf(ErrInvalidSize, "bind group %q: binding %v range [%v, +%v) of %v",
				label, e.Binding, e.Offset, size, buf.size)
		}

		bound[e.Binding] = softBinding{typ: typ, buf: buf, offset: e.Offset, size: size}
	}

	return &softBindGroup{label: label, layout: l, entries: bound}, nil
}

func (self *SoftDevice) CreatePipeline(desc *PipelineDescriptor) (Pipeline, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.checkAlive(); err != nil {
		return nil, err
	}

	k := desc.Kernel
	if k.Host == nil {
		return nil, errors.Wrapf(ErrCompile, "%v: no host implementation of %q", desc.Label, k.Name)
	}
	if missing := missingConstants(append([]string{WorkgroupSizeConst}, k.Constants...), desc.Constants); len(missing) != 0 {
		return nil, errors.Wrapf(ErrCompile, "%v: unresolved constants %v", desc.Label, missing)
	}

	wgSize := desc.Constants[WorkgroupSizeConst]
	if wgSize == 0 || wgSize > MaxWorkgroupSize {
		return nil, errors.Wrapf(ErrCompile, "%v: workgroup size %v outside [1, %v]", desc.Label, wgSize, MaxWorkgroupSize)
	}

	layouts := make([]*softLayout, len(desc.Layouts))
	for i, layout := range desc.Layouts {
		l, ok := layout.(*softLayout)
		if !ok || l.dev != self {
			return nil, errors.Wrapf(ErrCompile, "%v: layout %v belongs to another device", desc.Label, i)
		}
		layouts[i] = l
	}

	consts := make(map[string]uint32, len(desc.Constants))
	for name, v := range desc.Constants {
		consts[name] = v
	}

	self.log.Debugf("soft: compiled %v (%v, workgroup size %v)", desc.Label, k.Name, wgSize)
	return &softPipeline{
		label:   desc.Label,
		kernel:  k,
		source:  ComposeWGSL(k.WGSL, consts),
		wgSize:  wgSize,
		consts:  consts,
		layouts: layouts,
	}, nil
}

func (self *SoftDevice) CreateCommandEncoder(label string) (CommandEncoder, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.checkAlive(); err != nil {
		return nil, err
	}
	return &softEncoder{dev: self, label: label}, nil
}

// Work executes inside Submit, so polling only has to deliver map callbacks
func (self *SoftDevice) Poll(wait bool) error {
	self.mu.Lock()
	if err := self.checkAlive(); err != nil {
		self.mu.Unlock()
		return err
	}

	pending := self.pending
	self.pending = nil
	statuses := make([]MapStatus, len(pending))
	for i, p := range pending {
		if p.buf.released || p.buf.mapState != mapPending {
			statuses[i] = MapStatusAborted
			continue
		}
		p.buf.mapState = mapMapped
		statuses[i] = MapStatusSuccess
	}
	self.mu.Unlock()

	// callbacks may call back into the device
	for i, p := range pending {
		p.callback(statuses[i])
	}
	return nil
}

type mapState int

const (
	mapUnmapped mapState = iota
	mapPending
	mapMapped
)

type softBuffer struct {
	dev   *SoftDevice
	label string
	usage BufferUsage
	size  uint64
	mem   *data.MemWordArray

	mapState mapState
	mapOff   uint64
	mapSize  uint64
	released bool
}

func (self *softBuffer) Label() string      { return self.label }
func (self *softBuffer) Size() uint64       { return self.size }
func (self *softBuffer) Usage() BufferUsage { return self.usage }

// Words in [offset, offset+size) bytes
func (self *softBuffer) words(offset, size uint64) []uint32 {
	return self.mem.Words()[offset/data.WordSize : (offset+size)/data.WordSize]
}

func (self *softBuffer) MapAsync(mode MapMode, offset, size uint64, callback func(MapStatus)) error {
	self.dev.mu.Lock()
	defer self.dev.mu.Unlock()

	if self.released {
		return errors.Wrapf(ErrReleased, "buffer %q", self.label)
	}
	if mode != MapModeRead || !self.usage.Has(BufferUsageMapRead) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q cannot be mapped for reading", self.label)
	}
	if self.mapState != mapUnmapped {
		return errors.Wrapf(ErrAlreadyMapped, "buffer %q", self.label)
	}
	if offset%data.WordSize != 0 || size%data.WordSize != 0 || offset+size > self.size {
		return errors.Wrapf(ErrInvalidSize, "map of [%v, +%v) in buffer %q of %v bytes", offset, size, self.label, self.size)
	}

	self.mapState = mapPending
	self.mapOff = offset
	self.mapSize = size
	self.dev.pending = append(self.dev.pending, pendingMap{buf: self, callback: callback})
	return nil
}

func (self *softBuffer) MappedRange(offset, size uint64) ([]byte, error) {
	self.dev.mu.Lock()
	defer self.dev.mu.Unlock()

	if self.mapState != mapMapped {
		return nil, errors.Wrapf(ErrNotMapped, "buffer %q", self.label)
	}
	if size == 0 {
		size = self.mapOff + self.mapSize - offset
	}
	if offset < self.mapOff || offset+size > self.mapOff+self.mapSize {
		return nil, errors.Wrapf(ErrInvalidSize, "range [%v, +%v) outside mapping [%v, +%v)",
			offset, size, self.mapOff, self.mapSize)
	}

	reader, err := self.mem.GetRangeReader((int)(offset/data.WordSize), (int)((offset+size)/data.WordSize))
	if err != nil {
		return nil, errors.Wrapf(err, "buffer %q", self.label)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func (self *softBuffer) Unmap() {
	self.dev.mu.Lock()
	self.mapState = mapUnmapped
	self.dev.mu.Unlock()
}

func (self *softBuffer) Release() {
	self.dev.mu.Lock()
	self.released = true
	self.dev.mu.Unlock()
}

type softLayout struct {
	dev     *SoftDevice
	label   string
	entries []LayoutEntry
}

func (self *softLayout) Entries() []LayoutEntry {
	return append([]LayoutEntry{}, self.entries...)
}

func (self *softLayout) typeOf(binding uint32) (BindingType, bool) {
	for _, e := range self.entries {
		if e.Binding == binding {
			return e.Type, true
		}
	}
	return 0, false
}

func (self *softLayout) Release() {}

type softBinding struct {
	typ    BindingType
	buf    *softBuffer
	offset uint64
	size   uint64
}

type softBindGroup struct {
	label   string
	layout  *softLayout
	entries map[uint32]softBinding
}

func (self *softBindGroup) Layout() BindGroupLayout {
	return self.layout
}

func (self *softBindGroup) Release() {}

type softPipeline struct {
	label   string
	kernel  Kernel
	source  string
	wgSize  uint32
	consts  map[string]uint32
	layouts []*softLayout
}

func (self *softPipeline) Label() string {
	return self.label
}

// WGSL text with the pipeline constants applied
func (self *softPipeline) Source() string {
	return self.source
}

func (self *softPipeline) Release() {}

type softQueue struct {
	dev *SoftDevice
}

func (self *softQueue) WriteBuffer(buf Buffer, offset uint64, p []byte) error {
	self.dev.mu.Lock()
	defer self.dev.mu.Unlock()

	b, ok := buf.(*softBuffer)
	if !ok || b.dev != self.dev {
		return errors.Wrap(ErrInvalidUsage, "write to a buffer of another device")
	}
	if b.released {
		return errors.Wrapf(ErrReleased, "buffer %q", b.label)
	}
	if !b.usage.Has(BufferUsageCopyDst) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q is not a copy destination", b.label)
	}
	if b.mapState != mapUnmapped {
		return errors.Wrapf(ErrAlreadyMapped, "buffer %q", b.label)
	}
	size := (uint64)(len(p))
	if offset%data.WordSize != 0 || size%data.WordSize != 0 || offset+size > b.size {
		return errors.Wrapf(ErrInvalidSize, "write of [%v, +%v) to buffer %q of %v bytes", offset, size, b.label, b.size)
	}

	writer, err := b.mem.GetWriter((int)(offset / data.WordSize))
	if err != nil {
		return errors.Wrapf(err, "buffer %q", b.label)
	}
	if _, err = writer.Write(p); err != nil {
		writer.Close()
		return errors.Wrapf(err, "buffer %q", b.label)
	}
	return writer.Close()
}

func (self *softQueue) Submit(cmds ...CommandBuffer) error {
	self.dev.mu.Lock()
	defer self.dev.mu.Unlock()
	if err := self.dev.checkAlive(); err != nil {
		return err
	}

	for i, c := range cmds {
		cb, ok := c.(*softCommandBuffer)
		if !ok || cb.dev != self.dev {
			return errors.Wrapf(ErrRecording, "command buffer %v belongs to another device", i)
		}
		if cb.submitted {
			return errors.Wrapf(ErrRecording, "command buffer %q submitted twice", cb.label)
		}
		for _, b := range cb.used {
			if b.released {
				return errors.Wrapf(ErrReleased, "command buffer %q uses buffer %q", cb.label, b.label)
			}
			if b.mapState != mapUnmapped {
				return errors.Wrapf(ErrAlreadyMapped, "command buffer %q uses buffer %q", cb.label, b.label)
			}
		}
	}

	for _, c := range cmds {
		cb := c.(*softCommandBuffer)
		cb.submitted = true
		for j, cmd := range cb.cmds {
			if err := cmd(); err != nil {
				return errors.Wrapf(err, "command %v of %q", j, cb.label)
			}
		}
	}

	self.dev.log.Debugf("soft: executed %v command buffers", len(cmds))
	return nil
}
