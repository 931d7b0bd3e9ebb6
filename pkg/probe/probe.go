// Package probe discovers the lane width of a compute device. WebGPU does not
// report how many invocations execute in lockstep, so the Prober measures it
// once per device with a small kernel and caches the result.
package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// The device could not run the probe at all
	ErrProbeFailed = errors.New("probe: device cannot run the lane probe")

	ErrInvalidCapability = errors.New("probe: invalid capability")
)

type Option func(*Prober)

// Lane widths to try, widest first
func WithCandidates(candidates ...uint32) Option {
	return func(p *Prober) {
		p.candidates = append([]uint32{}, candidates...)
	}
}

// Number of probe workgroups dispatched per candidate
func WithWorkgroups(n uint32) Option {
	return func(p *Prober) {
		p.workgroups = n
	}
}

func WithLogger(log *logrus.Logger) Option {
	return func(p *Prober) {
		p.log = log
	}
}

// Discovers and memoizes the Capability of devices
type Prober struct {
	candidates []uint32
	workgroups uint32
	log        *logrus.Logger

	mu      sync.Mutex
	cache   map[gpu.Device]Capability
	flights singleflight.Group
}

func NewProber(opts ...Option) (*Prober, error) {
	p := &Prober{
		candidates: DefaultCandidates,
		workgroups: 4,
		cache:      make(map[gpu.Device]Capability),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.log == nil {
		p.log = logrus.New()
		p.log.SetLevel(logrus.WarnLevel)
	}
	if err := validCandidates(p.candidates); err != nil {
		return nil, err
	}
	if p.workgroups == 0 {
		return nil, errors.New("probe: at least one workgroup is required")
	}
	return p, nil
}

// Return the Capability of dev, probing it on first use. Blocks until the
// probe readback completes or ctx is done. Concurrent callers for the same
// device wait for a single probe; probes of different devices run
// independently. Failed probes are not cached.
func (self *Prober) Discover(ctx context.Context, dev gpu.Device) (Capability, error) {
	if c, ok := self.cached(dev); ok {
		return c, nil
	}

	ch := self.flights.DoChan(deviceKey(dev), func() (interface{}, error) {
		if c, ok := self.cached(dev); ok {
			return c, nil
		}

		c, err := self.probe(ctx, dev)
		if err != nil {
			return Capability{}, err
		}

		self.mu.Lock()
		self.cache[dev] = c
		self.mu.Unlock()
		self.log.Infof("probe: %v: %v", dev.Info().Name, c)
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Capability{}, res.Err
		}
		return res.Val.(Capability), nil
	case <-ctx.Done():
		return Capability{}, errors.Wrap(ctx.Err(), "probe: waiting for discovery")
	}
}

func (self *Prober) cached(dev gpu.Device) (Capability, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	c, ok := self.cache[dev]
	return c, ok
}

// Devices are compared by identity, the same as the cache map
func deviceKey(dev gpu.Device) string {
	return fmt.Sprintf("%T@%p", dev, dev)
}

// Drop the cached result for dev, call when releasing the device
func (self *Prober) Forget(dev gpu.Device) {
	self.mu.Lock()
	delete(self.cache, dev)
	self.mu.Unlock()
}

func (self *Prober) probe(ctx context.Context, dev gpu.Device) (Capability, error) {
	nword := (int)(self.workgroups * ProbeWorkgroupSize)
	seen, err := dev.CreateBuffer(&gpu.BufferDescriptor{
		Label: "lane probe output",
		Size:  (uint64)(nword * data.WordSize),
		Usage: gpu.BufferUsageStorage | gpu.BufferUsageCopySrc,
	})
	if err != nil {
		return Capability{}, errors.Wrap(ErrProbeFailed, err.Error())
	}
	defer seen.Release()

	layout, err := dev.CreateBindGroupLayout("lane probe", []gpu.LayoutEntry{
		{Binding: 0, Type: gpu.BindingStorage},
	})
	if err != nil {
		return Capability{}, errors.Wrap(ErrProbeFailed, err.Error())
	}
	defer layout.Release()

	group, err := dev.CreateBindGroup("lane probe", layout, []gpu.BindGroupEntry{{Binding: 0, Buffer: seen}})
	if err != nil {
		return Capability{}, errors.Wrap(ErrProbeFailed, err.Error())
	}
	defer group.Release()

	compiled := 0
	for _, candidate := range self.candidates {
		pipeline, err := dev.CreatePipeline(&gpu.PipelineDescriptor{
			Label:   "lane probe",
			Kernel:  probeKernel,
			Layouts: []gpu.BindGroupLayout{layout},
			Constants: map[string]uint32{
				gpu.WorkgroupSizeConst: ProbeWorkgroupSize,
				"LANES":                candidate,
			},
		})
		if err != nil {
			self.log.Debugf("probe: candidate %v did not compile: %v", candidate, err)
			continue
		}
		compiled++

		out, err := self.run(ctx, dev, pipeline, group, seen, nword)
		pipeline.Release()
		if err != nil {
			return Capability{}, errors.Wrapf(ErrProbeFailed, "candidate %v: %v", candidate, err)
		}

		if matchesCandidate(out, candidate) {
			self.log.Debugf("probe: candidate %v validated", candidate)
			return NewCapability(candidate)
		}
		self.log.Debugf("probe: candidate %v rejected", candidate)
	}

	if compiled == 0 {
		return Capability{}, errors.Wrap(ErrProbeFailed, "no candidate kernel compiled")
	}

	self.log.Warnf("probe: %v: no lane width validated, using %v", dev.Info().Name, FallbackLaneWidth)
	return NewCapability(FallbackLaneWidth)
}

// Dispatch the probe and read its output back
func (self *Prober) run(ctx context.Context, dev gpu.Device, pipeline gpu.Pipeline,
	group gpu.BindGroup, seen gpu.Buffer, nword int) ([]uint32, error) {

	enc, err := dev.CreateCommandEncoder("lane probe")
	if err != nil {
		return nil, err
	}

	pass := enc.BeginComputePass("lane probe")
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, group)
	pass.DispatchWorkgroups(self.workgroups, 1, 1)
	if err = pass.End(); err != nil {
		return nil, err
	}

	cmds, err := enc.Finish()
	if err != nil {
		return nil, err
	}
	defer cmds.Release()

	if err = dev.Queue().Submit(cmds); err != nil {
		return nil, err
	}

	return gpu.ReadWords(ctx, dev, seen, 0, nword)
}
