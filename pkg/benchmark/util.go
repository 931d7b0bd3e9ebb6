package benchmark

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// A helper object for timing events, the timer can be reused multiple times in
// order to derive averages or other statistics (Record() saves the current
// measurement and begins a new measurement).
type PerfTimer struct {
	Vals  []float64 // the stats module wants float64
	cur   time.Duration
	start time.Time
}

// Begin (or resume) the timer
func (self *PerfTimer) Start() {
	self.start = time.Now()
}

// Stop (or pause) the timer
func (self *PerfTimer) Stop() {
	self.cur += time.Since(self.start)
}

// Finalize the timer, adding it as a new datapoint and resetting the timer to
// 0.
func (self *PerfTimer) Record() {
	self.Stop()
	self.Vals = append(self.Vals, (float64)(self.cur))
	self.cur = 0
}

// Add the recorded values from new to the current object. Does not modify new.
func (self *PerfTimer) Update(new *PerfTimer) {
	self.Vals = append(self.Vals, new.Vals...)
}

// Median of the recorded values in nanoseconds
func (self *PerfTimer) Median() float64 {
	if len(self.Vals) == 0 {
		return 0
	}
	sorted := slices.Clone(self.Vals)
	slices.Sort(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Collects statistics about a sort. Not all fields are applicable (or
// measurable) for all sort types.
type SortStats map[string]*PerfTimer

// Get the named timer, creating it on first use
func (self SortStats) Timer(name string) *PerfTimer {
	timer, ok := self[name]
	if !ok {
		timer = &PerfTimer{}
		self[name] = timer
	}
	return timer
}

func ReportStats(stats SortStats, writer io.Writer) {
	names := lo.Keys(stats)
	slices.Sort(names)

	for _, name := range names {
		timer := stats[name]
		mean, stdev := stat.MeanStdDev(timer.Vals, nil)
		fmt.Fprintf(writer, "%v (mean):\t%vs\n", name, mean/1e9)
		fmt.Fprintf(writer, "%v (std):\t%vs\n", name, stdev/1e9)
		fmt.Fprintf(writer, "%v (median):\t%vs\n", name, timer.Median()/1e9)
	}
}

// Write the mean of every timer as a header line and a value line
func ReportCSV(stats SortStats, writer io.Writer) {
	names := lo.Keys(stats)
	slices.Sort(names)

	for _, name := range names {
		fmt.Fprintf(writer, "%v,", name)
	}
	fmt.Fprintf(writer, "\n")
	for _, name := range names {
		fmt.Fprintf(writer, "%v,", stat.Mean(stats[name].Vals, nil)/1e9)
	}
	fmt.Fprintf(writer, "\n")
}
