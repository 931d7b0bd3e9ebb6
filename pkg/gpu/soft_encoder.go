package gpu

import (
	"context"
	"fmt"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Maximum number of bind groups a pipeline layout may use
const MaxBindGroups = 4

type softCommand func() error

type softEncoder struct {
	dev      *SoftDevice
	label    string
	cmds     []softCommand
	used     []*softBuffer
	active   *softPass
	finished bool
	err      error
}

// Encoder errors are sticky and reported by Finish, the same as WebGPU
func (self *softEncoder) fail(err error) {
	if self.err == nil {
		self.err = err
	}
}

func (self *softEncoder) BeginComputePass(label string) ComputePass {
	pass := &softPass{enc: self, label: label}
	if self.finished {
		pass.fail(errors.Wrapf(ErrRecording, "encoder %q already finished", self.label))
	} else if self.active != nil {
		pass.fail(errors.Wrapf(ErrRecording, "pass %q begun while %q is open", label, self.active.label))
	}
	self.active = pass
	return pass
}

func (self *softEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	err := self.copyBufferToBuffer(src, srcOffset, dst, dstOffset, size)
	if err != nil {
		self.fail(err)
	}
	return err
}

func (self *softEncoder) copyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) error {
	if self.active != nil {
		return errors.Wrapf(ErrRecording, "copy recorded while pass %q is open", self.active.label)
	}

	s, ok := src.(*softBuffer)
	if !ok || s.dev != self.dev {
		return errors.Wrap(ErrInvalidUsage, "copy source belongs to another device")
	}
	d, ok := dst.(*softBuffer)
	if !ok || d.dev != self.dev {
		return errors.Wrap(ErrInvalidUsage, "copy destination belongs to another device")
	}
	if s == d {
		return errors.Wrapf(ErrInvalidUsage, "copy within buffer %q", s.label)
	}
	if !s.usage.Has(BufferUsageCopySrc) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q is not a copy source", s.label)
	}
	if !d.usage.Has(BufferUsageCopyDst) {
		return errors.Wrapf(ErrInvalidUsage, "buffer %q is not a copy destination", d.label)
	}
	if srcOffset%data.WordSize != 0 || dstOffset%data.WordSize != 0 || size%data.WordSize != 0 {
		return errors.Wrapf(ErrInvalidSize, "copy of %v bytes from %v to %v", size, srcOffset, dstOffset)
	}
	if srcOffset+size > s.size || dstOffset+size > d.size {
		return errors.Wrapf(ErrInvalidSize, "copy of %v bytes from %q+%v to %q+%v", size, s.label, srcOffset, d.label, dstOffset)
	}

	self.used = append(self.used, s, d)
	self.cmds = append(self.cmds, func() error {
		copy(d.words(dstOffset, size), s.words(srcOffset, size))
		return nil
	})
	return nil
}

func (self *softEncoder) Finish() (CommandBuffer, error) {
	if self.active != nil {
		self.fail(errors.Wrapf(ErrRecording, "pass %q not ended", self.active.label))
	}
	if self.finished {
		self.fail(errors.Wrapf(ErrRecording, "encoder %q finished twice", self.label))
	}
	self.finished = true

	if self.err != nil {
		return nil, errors.Wrapf(self.err, "encoder %q", self.label)
	}
	return &softCommandBuffer{dev: self.dev, label: self.label, cmds: self.cmds, used: self.used}, nil
}

type softCommandBuffer struct {
	dev       *SoftDevice
	label     string
	cmds      []softCommand
	used      []*softBuffer
	submitted bool
}

func (self *softCommandBuffer) Release() {}

type softPass struct {
	enc      *softEncoder
	label    string
	pipeline *softPipeline
	groups   [MaxBindGroups]*softBindGroup
	ended    bool
	err      error
}

func (self *softPass) fail(err error) {
	if self.err == nil {
		self.err = errors.Wrapf(err, "pass %q", self.label)
	}
}

func (self *softPass) SetPipeline(p Pipeline) {
	sp, ok := p.(*softPipeline)
	if !ok {
		self.fail(errors.Wrap(ErrRecording, "pipeline belongs to another device"))
		return
	}
	self.pipeline = sp
}

func (self *softPass) SetBindGroup(index uint32, group BindGroup) {
	g, ok := group.(*softBindGroup)
	if !ok || g.layout.dev != self.enc.dev {
		self.fail(errors.Wrap(ErrBindGroup, "bind group belongs to another device"))
		return
	}
	if index >= MaxBindGroups {
		self.fail(errors.Wrapf(ErrBindGroup, "bind group index %v", index))
		return
	}
	self.groups[index] = g
}

// Snapshot the bindings the current pipeline sees
func (self *softPass) resolve() (*softPipeline, map[uint32]map[uint32]boundBuffer, []*softBuffer, error) {
	if self.ended {
		return nil, nil, nil, errors.Wrap(ErrRecording, "dispatch after End")
	}
	if self.pipeline == nil {
		return nil, nil, nil, errors.Wrap(ErrRecording, "dispatch without a pipeline")
	}

	groups := make(map[uint32]map[uint32]boundBuffer, len(self.pipeline.layouts))
	var used []*softBuffer
	for i, layout := range self.pipeline.layouts {
		g := self.groups[i]
		if g == nil {
			return nil, nil, nil, errors.Wrapf(ErrBindGroup, "%v: no bind group at index %v", self.pipeline.label, i)
		}
		if g.layout != layout {
			return nil, nil, nil, errors.Wrapf(ErrBindGroup, "%v: bind group %q does not match layout %q",
				self.pipeline.label, g.label, layout.label)
		}

		bound := make(map[uint32]boundBuffer, len(g.entries))
		for binding, e := range g.entries {
			bound[binding] = boundBuffer{typ: e.typ, words: e.buf.words(e.offset, e.size)}
			used = append(used, e.buf)
		}
		groups[(uint32)(i)] = bound
	}
	return self.pipeline, groups, used, nil
}

func (self *softPass) DispatchWorkgroups(x, y, z uint32) {
	pipeline, groups, used, err := self.resolve()
	if err != nil {
		self.fail(err)
		return
	}
	if x > MaxWorkgroupsPerDimension || y > MaxWorkgroupsPerDimension || z > MaxWorkgroupsPerDimension {
		self.fail(errors.Wrapf(ErrRecording, "dispatch of (%v, %v, %v) workgroups", x, y, z))
		return
	}

	dev := self.enc.dev
	self.enc.used = append(self.enc.used, used...)
	self.enc.cmds = append(self.enc.cmds, func() error {
		return dev.dispatch(pipeline, groups, [3]uint32{x, y, z})
	})
}

func (self *softPass) DispatchWorkgroupsIndirect(buf Buffer, offset uint64) {
	pipeline, groups, used, err := self.resolve()
	if err != nil {
		self.fail(err)
		return
	}

	b, ok := buf.(*softBuffer)
	if !ok || b.dev != self.enc.dev {
		self.fail(errors.Wrap(ErrInvalidUsage, "indirect buffer belongs to another device"))
		return
	}
	if !b.usage.Has(BufferUsageIndirect) {
		self.fail(errors.Wrapf(ErrInvalidUsage, "buffer %q is not an indirect buffer", b.label))
		return
	}
	if offset%data.WordSize != 0 || offset+3*data.WordSize > b.size {
		self.fail(errors.Wrapf(ErrInvalidSize, "indirect args at %v of buffer %q", offset, b.label))
		return
	}

	dev := self.enc.dev
	self.enc.used = append(self.enc.used, b)
	self.enc.used = append(self.enc.used, used...)
	self.enc.cmds = append(self.enc.cmds, func() error {
		args := b.words(offset, 3*data.WordSize)
		count := [3]uint32{args[0], args[1], args[2]}
		if count[0] > MaxWorkgroupsPerDimension || count[1] > MaxWorkgroupsPerDimension || count[2] > MaxWorkgroupsPerDimension {
			// WebGPU drops such dispatches
			dev.log.Warnf("soft: %v: skipped indirect dispatch of %v workgroups", pipeline.label, count)
			return nil
		}
		return dev.dispatch(pipeline, groups, count)
	})
}

func (self *softPass) End() error {
	if self.ended {
		self.fail(errors.Wrap(ErrRecording, "pass ended twice"))
	}
	self.ended = true
	if self.enc.active == self {
		self.enc.active = nil
	}
	if self.err != nil {
		self.enc.fail(self.err)
	}
	return self.err
}

// Run every workgroup of a dispatch, concurrently up to the number of
// compute units. The first kernel fault aborts the remaining workgroups.
func (self *SoftDevice) dispatch(p *softPipeline, groups map[uint32]map[uint32]boundBuffer, count [3]uint32) error {
	total := (int)(count[0]) * (int)(count[1]) * (int)(count[2])
	if total == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(self.units.count())
	for i := 0; i < total; i++ {
		g.Go(func() error {
			unit, err := self.units.reserve(ctx)
			if err != nil {
				return err
			}
			defer self.units.release(unit)

			wg := &Workgroup{
				ID: [3]uint32{
					(uint32)(i % (int)(count[0])),
					(uint32)((i / (int)(count[0])) % (int)(count[1])),
					(uint32)(i / ((int)(count[0]) * (int)(count[1]))),
				},
				Count:     count,
				Size:      p.wgSize,
				laneWidth: self.lanes,
				consts:    p.consts,
				groups:    groups,
				scratch:   &self.units.scratch[unit],
			}
			return runKernel(p, wg)
		})
	}

	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "dispatch of %v", p.label)
	}
	return nil
}

func runKernel(p *softPipeline, wg *Workgroup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrKernelFault, "%v workgroup %v: %v", p.kernel.Name, wg.ID, fmt.Sprint(r))
		}
	}()

	p.kernel.Host(wg)
	return nil
}
