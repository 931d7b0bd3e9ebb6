package sort

import (
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/KeKsBoTer/wgpu-sort/pkg/probe"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type options struct {
	log    *logrus.Logger
	prober *probe.Prober
}

type Option func(*options)

func WithLogger(log *logrus.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Prober used by New. Share one between sorters to probe every device once.
func WithProber(p *probe.Prober) Option {
	return func(o *options) {
		o.prober = p
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logrus.New()
		o.log.SetLevel(logrus.WarnLevel)
	}
	return o
}

// Compiled kernels and bind group layouts for one device and capability.
// Immutable once built and safe to share between goroutines.
type Pipelines struct {
	dev gpu.Device
	cap probe.Capability
	log *logrus.Logger

	dataLayout gpu.BindGroupLayout
	passLayout gpu.BindGroupLayout
	argsLayout gpu.BindGroupLayout

	histogram    gpu.Pipeline
	scan         gpu.Pipeline
	scatter      gpu.Pipeline
	dispatchArgs gpu.Pipeline
}

func NewPipelines(dev gpu.Device, c probe.Capability, opts ...Option) (*Pipelines, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	self := &Pipelines{dev: dev, cap: c, log: o.log}
	err := self.build()
	if err != nil {
		self.Release()
		return nil, err
	}

	self.log.Infof("sort: pipelines for %v built (%v)", dev.Info().Name, c)
	return self, nil
}

func (self *Pipelines) build() error {
	var err error

	self.dataLayout, err = self.dev.CreateBindGroupLayout("radix sort data", []gpu.LayoutEntry{
		{Binding: bindKeysIn, Type: gpu.BindingReadOnlyStorage},
		{Binding: bindValuesIn, Type: gpu.BindingReadOnlyStorage},
		{Binding: bindKeysOut, Type: gpu.BindingStorage},
		{Binding: bindValuesOut, Type: gpu.BindingStorage},
		{Binding: bindHistogram, Type: gpu.BindingStorage},
		{Binding: bindGlobalOffsets, Type: gpu.BindingStorage},
		{Binding: bindDispatchArgs, Type: gpu.BindingReadOnlyStorage},
	})
	if err != nil {
		return errors.Wrap(err, "Failed to create data layout")
	}

	self.passLayout, err = self.dev.CreateBindGroupLayout("radix sort pass", []gpu.LayoutEntry{
		{Binding: bindPassParams, Type: gpu.BindingUniform},
	})
	if err != nil {
		return errors.Wrap(err, "Failed to create pass layout")
	}

	self.argsLayout, err = self.dev.CreateBindGroupLayout("radix sort dispatch args", []gpu.LayoutEntry{
		{Binding: 0, Type: gpu.BindingStorage},
	})
	if err != nil {
		return errors.Wrap(err, "Failed to create dispatch args layout")
	}

	sortLayouts := []gpu.BindGroupLayout{self.dataLayout, self.passLayout}
	for _, p := range []struct {
		dst     *gpu.Pipeline
		kernel  gpu.Kernel
		layouts []gpu.BindGroupLayout
		wgSize  uint32
	}{
		{&self.histogram, histogramKernel, sortLayouts, workgroupSize},
		{&self.scan, scanKernel, sortLayouts, workgroupSize},
		{&self.scatter, scatterKernel, sortLayouts, workgroupSize},
		{&self.dispatchArgs, dispatchArgsKernel, []gpu.BindGroupLayout{self.argsLayout}, 1},
	} {
		*p.dst, err = self.dev.CreatePipeline(&gpu.PipelineDescriptor{
			Label:     "radix sort " + p.kernel.Name,
			Kernel:    p.kernel,
			Layouts:   p.layouts,
			Constants: self.constants(p.wgSize),
		})
		if err != nil {
			return errors.Wrapf(err, "Failed to compile %v kernel", p.kernel.Name)
		}
	}
	return nil
}

// The lane width reaches the sort kernels only through TILE
func (self *Pipelines) constants(wgSize uint32) map[string]uint32 {
	return map[string]uint32{
		gpu.WorkgroupSizeConst: wgSize,
		"RADIX":                Radix,
		"TILE":                 self.cap.TileSize,
		"ARGS_COUNT":           argsCount,
		"ARGS_LIMIT":           argsLimit,
		"MAX_GRID_X":           gpu.MaxWorkgroupsPerDimension,
	}
}

func (self *Pipelines) Device() gpu.Device {
	return self.dev
}

func (self *Pipelines) Capability() probe.Capability {
	return self.cap
}

// Release the kernels. Buffer sets built on the pipelines must be released
// first.
func (self *Pipelines) Release() {
	for _, p := range []gpu.Pipeline{self.histogram, self.scan, self.scatter, self.dispatchArgs} {
		if p != nil {
			p.Release()
		}
	}
	for _, l := range []gpu.BindGroupLayout{self.dataLayout, self.passLayout, self.argsLayout} {
		if l != nil {
			l.Release()
		}
	}
}
