package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/KeKsBoTer/wgpu-sort/pkg/benchmark"
	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/KeKsBoTer/wgpu-sort/pkg/sort"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Environment overrides for flags left at their defaults
const (
	laneWidthEnv    = "RADIXSORT_LANE_WIDTH"
	computeUnitsEnv = "RADIXSORT_COMPUTE_UNITS"
)

type deviceFlags struct {
	backend string
	lanes   uint32
	units   int
	verbose bool
}

type sortFlags struct {
	n        int
	indirect bool
	floats   bool
	input    string
	output   string
}

type benchFlags struct {
	sizes    []int
	repeat   int
	indirect bool
	csv      bool
}

func main() {
	retcode := 0
	defer func() { os.Exit(retcode) }()

	if err := newRootCmd().Execute(); err != nil {
		retcode = 1
	}
}

func newRootCmd() *cobra.Command {
	dev := &deviceFlags{}
	sf := &sortFlags{}
	bf := &benchFlags{}

	root := &cobra.Command{
		Use:          "wgpu-sort",
		Short:        "Sort random or file-backed keys with the GPU radix sort and check the result",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSort(cmd, dev, sf)
		},
	}

	pflags := root.PersistentFlags()
	pflags.StringVar(&dev.backend, "backend", gpu.BackendSoft, "Device backend: soft, or webgpu when built with -tags webgpu")
	pflags.Uint32Var(&dev.lanes, "lanes", 32, "Lane width of the software device (env "+laneWidthEnv+")")
	pflags.IntVar(&dev.units, "compute-units", 0, "Concurrent workgroups of the software device, 0 for one per CPU (env "+computeUnitsEnv+")")
	pflags.BoolVarP(&dev.verbose, "verbose", "v", false, "Debug logging")

	flags := root.Flags()
	flags.IntVarP(&sf.n, "n", "n", 1024*1024, "Number of random keys to sort")
	flags.BoolVar(&sf.indirect, "indirect", false, "Read the element count from a device buffer")
	flags.BoolVar(&sf.floats, "floats", false, "Sort random non-negative float keys")
	flags.StringVar(&sf.input, "input", "", "File of little-endian u32 keys to sort instead of random keys")
	flags.StringVar(&sf.output, "output", "", "Write the sorted keys to this file")

	bench := &cobra.Command{
		Use:          "bench",
		Short:        "Time uploads, sorts and readbacks over several sizes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, dev, bf)
		},
	}
	bench.Flags().IntSliceVar(&bf.sizes, "sizes", benchmark.DefaultSizes, "Element counts to benchmark")
	bench.Flags().IntVar(&bf.repeat, "repeat", 5, "Runs per size")
	bench.Flags().BoolVar(&bf.indirect, "indirect", false, "Use device counts")
	bench.Flags().BoolVar(&bf.csv, "csv", false, "Report means as CSV")

	root.AddCommand(bench)
	return root
}

// Apply an environment override to a flag the user did not set
func envOverride(cmd *cobra.Command, flag, env string, set func(uint64)) error {
	val := os.Getenv(env)
	if val == "" || cmd.Flags().Changed(flag) {
		return nil
	}
	v, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return errors.Wrapf(err, "Invalid %v", env)
	}
	set(v)
	return nil
}

func openDevice(cmd *cobra.Command, flags *deviceFlags) (gpu.Device, *logrus.Logger, error) {
	err := envOverride(cmd, "lanes", laneWidthEnv, func(v uint64) { flags.lanes = (uint32)(v) })
	if err != nil {
		return nil, nil, err
	}
	err = envOverride(cmd, "compute-units", computeUnitsEnv, func(v uint64) { flags.units = (int)(v) })
	if err != nil {
		return nil, nil, err
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	dev, err := gpu.Open(flags.backend, gpu.SoftOptions{
		LaneWidth:    flags.lanes,
		ComputeUnits: flags.units,
		Logger:       log,
	})
	if err != nil {
		return nil, nil, err
	}
	return dev, log, nil
}

func newSorter(ctx context.Context, dev gpu.Device, log *logrus.Logger) (*sort.Sorter, error) {
	fmt.Println("Probing device")
	sorter, err := sort.New(ctx, dev, sort.WithLogger(log))
	if err != nil {
		return nil, err
	}
	fmt.Printf("Device: %v\n", dev.Info())
	fmt.Printf("Capability: %v\n", sorter.Pipelines().Capability())
	return sorter, nil
}

func loadKeys(flags *sortFlags) ([]uint32, error) {
	if flags.input != "" {
		keys, err := data.FetchAll(data.NewFileWordArray(flags.input))
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to read keys from %v", flags.input)
		}
		return keys, nil
	}

	if flags.floats {
		rng := rand.New(rand.NewSource(0))
		fs := make([]float32, flags.n)
		for i := range fs {
			fs[i] = rng.Float32() * 1e6
		}
		return sort.FloatKeys(fs)
	}
	return sort.RandomInputs(flags.n), nil
}

// Sort through a caller-owned buffer set with the count in a device buffer
func sortIndirect(ctx context.Context, sorter *sort.Sorter, keys, values []uint32) ([]uint32, []uint32, error) {
	dev := sorter.Pipelines().Device()
	queue := dev.Queue()
	n := (uint32)(len(keys))

	bufs, err := sorter.CreateSortBuffers(n)
	if err != nil {
		return nil, nil, err
	}
	defer bufs.Release()

	if err = gpu.WriteWords(queue, bufs.Keys(), 0, keys); err != nil {
		return nil, nil, err
	}
	if err = gpu.WriteWords(queue, bufs.Values(), 0, values); err != nil {
		return nil, nil, err
	}
	// The count goes straight to the word the sort reads it from
	if err = gpu.WriteWords(queue, bufs.DispatchArgs(), bufs.CountLocation(), []uint32{n}); err != nil {
		return nil, nil, err
	}

	enc, err := dev.CreateCommandEncoder("harness sort")
	if err != nil {
		return nil, nil, err
	}
	if err = sorter.Sort(enc, queue, bufs, sort.DeviceCount(bufs.DispatchArgs(), bufs.CountLocation())); err != nil {
		return nil, nil, err
	}
	cmds, err := enc.Finish()
	if err != nil {
		return nil, nil, err
	}
	defer cmds.Release()
	if err = queue.Submit(cmds); err != nil {
		return nil, nil, err
	}

	sortedKeys, err := gpu.ReadWords(ctx, dev, bufs.Keys(), 0, len(keys))
	if err != nil {
		return nil, nil, err
	}
	sortedValues, err := gpu.ReadWords(ctx, dev, bufs.Values(), 0, len(keys))
	if err != nil {
		return nil, nil, err
	}
	return sortedKeys, sortedValues, nil
}

func runSort(cmd *cobra.Command, devFlags *deviceFlags, flags *sortFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dev, log, err := openDevice(cmd, devFlags)
	if err != nil {
		fmt.Printf("Failed to open device: %v\n", err)
		return err
	}
	defer dev.Release()

	sorter, err := newSorter(ctx, dev, log)
	if err != nil {
		fmt.Printf("Failed to create sorter: %v\n", err)
		return err
	}
	defer sorter.Pipelines().Release()

	keys, err := loadKeys(flags)
	if err != nil {
		fmt.Printf("Failed to load keys: %v\n", err)
		return err
	}
	values := sort.IndexValues(len(keys))

	fmt.Printf("Sorting %v keys\n", len(keys))
	var sortedKeys, sortedValues []uint32
	if flags.indirect {
		sortedKeys, sortedValues, err = sortIndirect(ctx, sorter, keys, values)
	} else {
		sortedKeys, sortedValues, err = sorter.SortKeys(ctx, keys, values)
	}
	if err != nil {
		fmt.Printf("Sort failure: %v\n", err)
		return err
	}

	if err = sort.CheckStable(keys, values, sortedKeys, sortedValues); err != nil {
		fmt.Printf("Sorted Wrong: %v\n", err)
		return err
	}

	if flags.output != "" {
		if _, err = data.CreateFileWordArray(flags.output, sortedKeys); err != nil {
			fmt.Printf("Failed to write output: %v\n", err)
			return err
		}
	}

	fmt.Println("Success!")
	return nil
}

func runBench(cmd *cobra.Command, devFlags *deviceFlags, flags *benchFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dev, log, err := openDevice(cmd, devFlags)
	if err != nil {
		fmt.Printf("Failed to open device: %v\n", err)
		return err
	}
	defer dev.Release()

	sorter, err := newSorter(ctx, dev, log)
	if err != nil {
		fmt.Printf("Failed to create sorter: %v\n", err)
		return err
	}
	defer sorter.Pipelines().Release()

	cfg := benchmark.Config{
		Sizes:    flags.sizes,
		Repeat:   flags.repeat,
		Indirect: flags.indirect,
		Log:      log,
	}
	stats, err := benchmark.RunBenchmarks(ctx, sorter, cfg)
	for _, n := range flags.sizes {
		name := benchmark.StatsName(n, flags.indirect)
		runStats, ok := stats[name]
		if !ok {
			continue
		}
		fmt.Printf("%v:\n", name)
		if flags.csv {
			benchmark.ReportCSV(runStats, os.Stdout)
		} else {
			benchmark.ReportStats(runStats, os.Stdout)
		}
	}
	if err != nil {
		fmt.Printf("Benchmark failure: %v\n", err)
		return err
	}
	return nil
}
