// Package benchmark times radix sorts end to end: upload, recorded sort and
// readback, in direct and indirect mode.
package benchmark

import (
	"context"
	"fmt"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/KeKsBoTer/wgpu-sort/pkg/sort"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var DefaultSizes = []int{10_000, 100_000, 1_000_000}

type Config struct {
	Sizes    []int
	Repeat   int
	Indirect bool
	Log      *logrus.Logger
}

func (self *Config) fill() {
	if len(self.Sizes) == 0 {
		self.Sizes = DefaultSizes
	}
	if self.Repeat == 0 {
		self.Repeat = 5
	}
	if self.Log == nil {
		self.Log = logrus.New()
		self.Log.SetLevel(logrus.WarnLevel)
	}
}

// Sort keys once on sorter, adding the phase timings to stats. The buffer set
// and count buffer are allocated outside of the timed region.
func BenchSort(ctx context.Context, sorter *sort.Sorter, keys []uint32, indirect bool, stats SortStats) error {
	n := (uint32)(len(keys))
	dev := sorter.Pipelines().Device()
	queue := dev.Queue()

	bufs, err := sorter.CreateSortBuffers(n)
	if err != nil {
		return errors.Wrap(err, "Failed to allocate buffers")
	}
	defer bufs.Release()

	count := sort.HostCount(n)
	if indirect {
		countBuf, err := gpu.CreateBufferInit(dev, &gpu.BufferDescriptor{
			Label: "benchmark count",
			Usage: gpu.BufferUsageStorage | gpu.BufferUsageCopySrc,
		}, data.Encode([]uint32{n}))
		if err != nil {
			return errors.Wrap(err, "Failed to create count buffer")
		}
		defer countBuf.Release()
		count = sort.DeviceCount(countBuf, 0)
	}

	TTotal := stats.Timer("TTotal")
	TUpload := stats.Timer("TUpload")
	TSort := stats.Timer("TSort")
	TReadback := stats.Timer("TReadback")

	TTotal.Start()

	TUpload.Start()
	if err = gpu.WriteWords(queue, bufs.Keys(), 0, keys); err != nil {
		return errors.Wrap(err, "Failed to upload keys")
	}
	if err = gpu.WriteWords(queue, bufs.Values(), 0, sort.IndexValues(len(keys))); err != nil {
		return errors.Wrap(err, "Failed to upload values")
	}
	TUpload.Record()

	TSort.Start()
	enc, err := dev.CreateCommandEncoder("benchmark")
	if err != nil {
		return err
	}
	if err = sorter.Sort(enc, queue, bufs, count); err != nil {
		return errors.Wrap(err, "Failed to record sort")
	}
	cmds, err := enc.Finish()
	if err != nil {
		return errors.Wrap(err, "Failed to finish commands")
	}
	defer cmds.Release()
	if err = queue.Submit(cmds); err != nil {
		return errors.Wrap(err, "Sort submission failed")
	}
	if err = dev.Poll(true); err != nil {
		return errors.Wrap(err, "Device poll failed")
	}
	TSort.Record()

	TReadback.Start()
	_, err = gpu.ReadWords(ctx, dev, bufs.Keys(), 0, len(keys))
	if err != nil {
		return errors.Wrap(err, "Failed to read keys back")
	}
	TReadback.Record()

	TTotal.Record()
	return nil
}

// Name of the stats of one benchmark configuration
func StatsName(n int, indirect bool) string {
	if indirect {
		return fmt.Sprintf("Indirect%v", n)
	}
	return fmt.Sprintf("Direct%v", n)
}

// This runs manual benchmarks (not managed by Go's benchmarking tool)
// Even if an error is returned, the returned stats may be non-nil and contain
// valid results up until the error
func RunBenchmarks(ctx context.Context, sorter *sort.Sorter, cfg Config) (map[string]SortStats, error) {
	cfg.fill()
	stats := make(map[string]SortStats)

	for _, n := range cfg.Sizes {
		if n <= 0 || (uint64)(n) > sort.MaxElements {
			return stats, errors.Wrapf(sort.ErrInvalidCount, "benchmark size %v", n)
		}
	}

	inputs := make([][]uint32, len(cfg.Sizes))
	var g errgroup.Group
	for i, n := range cfg.Sizes {
		g.Go(func() error {
			inputs[i] = sort.RandomInputsSeed(n, (int64)(i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, errors.Wrap(err, "Failed to generate inputs")
	}

	for i, n := range cfg.Sizes {
		name := StatsName(n, cfg.Indirect)
		stats[name] = make(SortStats)

		for r := 0; r < cfg.Repeat; r++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			err := BenchSort(ctx, sorter, inputs[i], cfg.Indirect, stats[name])
			if err != nil {
				return stats, errors.Wrapf(err, "Failed to benchmark %v", name)
			}
		}
		cfg.Log.Infof("benchmark: %v done (%v runs)", name, cfg.Repeat)
	}
	return stats, nil
}
