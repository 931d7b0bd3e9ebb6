package gpu

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Reserves the software device's compute units. A workgroup runs on exactly
// one unit and uses that unit's shared-memory scratch, so the scratch is only
// ever touched by one workgroup at a time.
type computeUnits struct {
	sem     *semaphore.Weighted
	slots   []uint32
	scratch [][]uint32
}

func newComputeUnits(n int) *computeUnits {
	return &computeUnits{
		sem:     semaphore.NewWeighted((int64)(n)),
		slots:   make([]uint32, n),
		scratch: make([][]uint32, n),
	}
}

func (self *computeUnits) count() int {
	return len(self.slots)
}

func (self *computeUnits) reserve(ctx context.Context) (unit int, err error) {
	if err = self.sem.Acquire(ctx, 1); err != nil {
		return -1, errors.Wrap(err, "Failed to acquire a compute unit")
	}

	unit = -1
	for i := 0; i < len(self.slots); i++ {
		if atomic.CompareAndSwapUint32(&self.slots[i], 0, 1) {
			unit = i
			break
		}
	}

	// The semaphore ensures the above loop will succeed. This check should
	// never fail.
	if unit == -1 {
		self.sem.Release(1)
		return unit, errors.New("Failed to find free compute unit. This shouldn't happen!")
	}

	return unit, nil
}

func (self *computeUnits) release(unit int) {
	atomic.StoreUint32(&self.slots[unit], 0)
	self.sem.Release(1)
}
