package benchmark

import (
	"bytes"
	"context"
	"runtime"
	"testing"

	"github.com/KeKsBoTer/wgpu-sort/pkg/sort"
	"github.com/stretchr/testify/require"
)

func TestRunBenchmarks(t *testing.T) {
	sorter := sort.NewTestSorter(t, 32)

	for _, indirect := range []bool{false, true} {
		cfg := Config{Sizes: []int{1000, 5000}, Repeat: 3, Indirect: indirect}
		stats, err := RunBenchmarks(context.Background(), sorter, cfg)
		require.Nilf(t, err, "Benchmark failed: %v", err)
		require.Len(t, stats, 2)

		for _, n := range cfg.Sizes {
			runStats, ok := stats[StatsName(n, indirect)]
			require.Truef(t, ok, "No stats for %v", n)
			for _, timer := range []string{"TTotal", "TUpload", "TSort", "TReadback"} {
				require.Lenf(t, runStats[timer].Vals, 3, "Timer %v has the wrong number of samples", timer)
			}

			var out bytes.Buffer
			ReportStats(runStats, &out)
			require.Contains(t, out.String(), "TSort (mean):")

			out.Reset()
			ReportCSV(runStats, &out)
			require.Contains(t, out.String(), "TReadback,TSort,TTotal,TUpload,")
		}
	}

	_, err := RunBenchmarks(context.Background(), sorter, Config{Sizes: []int{0}})
	require.ErrorIs(t, err, sort.ErrInvalidCount)
}

func TestPerfTimer(t *testing.T) {
	timer := PerfTimer{}
	for i := 0; i < 3; i++ {
		timer.Start()
		timer.Record()
	}
	require.Len(t, timer.Vals, 3)

	other := PerfTimer{Vals: []float64{5, 1, 3}}
	require.Equal(t, 3.0, other.Median())

	timer.Update(&other)
	require.Len(t, timer.Vals, 6)
	require.Zero(t, (&PerfTimer{}).Median())
}

func benchmarkSort(b *testing.B, indirect bool) {
	sorter := sort.NewTestSorter(b, 32)

	for _, n := range DefaultSizes {
		keys := sort.RandomInputs(n)
		b.Run(StatsName(n, indirect), func(b *testing.B) {
			stats := make(SortStats)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := BenchSort(context.Background(), sorter, keys, indirect, stats); err != nil {
					b.Fatalf("Sort failed: %v", err)
				}

				b.StopTimer()
				runtime.GC()
				b.StartTimer()
			}
		})
	}
}

func BenchmarkSortDirect(b *testing.B) {
	benchmarkSort(b, false)
}

func BenchmarkSortIndirect(b *testing.B) {
	benchmarkSort(b, true)
}
