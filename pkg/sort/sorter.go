// Package sort is a GPU-resident LSD radix sort of 32-bit keys with 32-bit
// values. Keys are ordered as unsigned integers in four 8-bit passes, each a
// per-tile histogram, a global scan and a stable scatter. The work is recorded
// into a caller's command encoder so the sort can run between other device
// work without a round trip to the host.
package sort

import (
	"context"
	"fmt"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/KeKsBoTer/wgpu-sort/pkg/probe"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Records radix sorts against one set of Pipelines. A Sorter holds no
// per-sort state and may record into several encoders concurrently, as long
// as every concurrent sort uses its own SortBuffers.
type Sorter struct {
	p   *Pipelines
	log *logrus.Logger
}

func NewSorter(p *Pipelines, opts ...Option) *Sorter {
	o := newOptions(opts)
	if len(opts) == 0 {
		o.log = p.log
	}
	return &Sorter{p: p, log: o.log}
}

// Probe dev and build the pipelines for it
func New(ctx context.Context, dev gpu.Device, opts ...Option) (*Sorter, error) {
	o := newOptions(opts)

	prober := o.prober
	if prober == nil {
		var err error
		prober, err = probe.NewProber(probe.WithLogger(o.log))
		if err != nil {
			return nil, err
		}
	}

	c, err := prober.Discover(ctx, dev)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to discover device capability")
	}

	p, err := NewPipelines(dev, c, opts...)
	if err != nil {
		return nil, err
	}
	return &Sorter{p: p, log: o.log}, nil
}

func (self *Sorter) Pipelines() *Pipelines {
	return self.p
}

func (self *Sorter) CreateSortBuffers(n uint32) (*SortBuffers, error) {
	return NewSortBuffers(self.p, n)
}

// Record a sort of the first count pairs of bufs into enc. The keys and values
// are expected in bufs.Keys() and bufs.Values() when the submission executes;
// once it has executed they hold the pairs ordered by key, with equal keys in
// their input order. Host counts are written through queue, so a direct sort
// sees the count of the last Sort recorded for bufs before submission.
//
// Configuration errors are returned before anything is recorded. bufs.Keys()
// and bufs.Values() name the output slot as soon as Sort returns.
func (self *Sorter) Sort(enc gpu.CommandEncoder, queue gpu.Queue, bufs *SortBuffers, count Count) error {
	if bufs.p != self.p {
		return ErrForeignBuffers
	}

	params, err := resolveCount(bufs, count)
	if err != nil {
		return err
	}

	// The host count is queued only once the sort is recorded, so a failed
	// Sort leaves the buffer set as it was
	start := bufs.current
	if err = self.record(enc, bufs, count, params); err != nil {
		bufs.current = start
		return err
	}
	if err = params.upload(queue); err != nil {
		bufs.current = start
		return err
	}

	self.log.Debugf("sort: recorded %v over %v elements", count, bufs.Len())
	return nil
}

func (self *Sorter) record(enc gpu.CommandEncoder, bufs *SortBuffers, count Count, params *dispatchParams) error {
	if params.indirect {
		if !bufs.isCountLocation(count) {
			err := enc.CopyBufferToBuffer(count.buf, count.offset, bufs.dispatchArgs, bufs.CountLocation(), data.WordSize)
			if err != nil {
				return errors.Wrap(err, "Failed to copy device count")
			}
		}

		pass := enc.BeginComputePass("radix sort dispatch args")
		pass.SetPipeline(self.p.dispatchArgs)
		pass.SetBindGroup(0, bufs.argsGroup)
		pass.DispatchWorkgroups(1, 1, 1)
		if err := pass.End(); err != nil {
			return errors.Wrap(err, "Failed to record dispatch args")
		}
	}

	steps := []struct {
		name     string
		pipeline gpu.Pipeline
		dispatch func(gpu.ComputePass)
	}{
		{"histogram", self.p.histogram, params.dispatchTiles},
		{"scan", self.p.scan, params.dispatchScan},
		{"scatter", self.p.scatter, params.dispatchTiles},
	}

	for i := 0; i < NumPasses; i++ {
		for _, step := range steps {
			pass := enc.BeginComputePass(fmt.Sprintf("radix sort %v %v", step.name, i))
			pass.SetPipeline(step.pipeline)
			pass.SetBindGroup(dataGroup, bufs.dataGroups[bufs.current])
			pass.SetBindGroup(passGroup, bufs.passGroups[i])
			step.dispatch(pass)
			if err := pass.End(); err != nil {
				return errors.Wrapf(err, "Failed to record %v of pass %v", step.name, i)
			}
		}
		bufs.flip()
	}
	return nil
}

// Sort keys and values on the device and read the result back. values may be
// nil when only keys matter.
func (self *Sorter) SortKeys(ctx context.Context, keys, values []uint32) ([]uint32, []uint32, error) {
	if values != nil && len(values) != len(keys) {
		return nil, nil, errors.Errorf("Have %v keys but %v values", len(keys), len(values))
	}
	if len(keys) == 0 || (uint64)(len(keys)) > MaxElements {
		return nil, nil, errors.Wrapf(ErrInvalidCount, "cannot sort %v keys", len(keys))
	}
	n := (uint32)(len(keys))

	dev := self.p.dev
	bufs, err := self.CreateSortBuffers(n)
	if err != nil {
		return nil, nil, err
	}
	defer bufs.Release()

	queue := dev.Queue()
	if err = gpu.WriteWords(queue, bufs.Keys(), 0, keys); err != nil {
		return nil, nil, errors.Wrap(err, "Failed to upload keys")
	}
	if values != nil {
		if err = gpu.WriteWords(queue, bufs.Values(), 0, values); err != nil {
			return nil, nil, errors.Wrap(err, "Failed to upload values")
		}
	}

	enc, err := dev.CreateCommandEncoder("radix sort")
	if err != nil {
		return nil, nil, err
	}
	if err = self.Sort(enc, queue, bufs, HostCount(n)); err != nil {
		return nil, nil, err
	}
	cmds, err := enc.Finish()
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to finish sort commands")
	}
	defer cmds.Release()

	if err = queue.Submit(cmds); err != nil {
		return nil, nil, errors.Wrap(err, "Sort submission failed")
	}

	sortedKeys, err := gpu.ReadWords(ctx, dev, bufs.Keys(), 0, (int)(n))
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to read sorted keys")
	}
	if values == nil {
		return sortedKeys, nil, nil
	}

	sortedValues, err := gpu.ReadWords(ctx, dev, bufs.Values(), 0, (int)(n))
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to read sorted values")
	}
	return sortedKeys, sortedValues, nil
}
