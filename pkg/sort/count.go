package sort

import (
	"fmt"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/pkg/errors"
)

// Number of elements a Sort orders. Either known to the host when recording
// (HostCount) or a u32 the device writes before the sort runs (DeviceCount).
type Count struct {
	n      uint32
	buf    gpu.Buffer
	offset uint64
}

func HostCount(n uint32) Count {
	return Count{n: n}
}

// The count is read from the u32 at byte offset of buf when the submission
// executes. Counts beyond the length of the buffer set are clamped to it.
func DeviceCount(buf gpu.Buffer, offset uint64) Count {
	return Count{buf: buf, offset: offset}
}

func (self Count) Indirect() bool {
	return self.buf != nil
}

func (self Count) String() string {
	if self.Indirect() {
		return fmt.Sprintf("device(%v+%v)", self.buf.Label(), self.offset)
	}
	return fmt.Sprintf("host(%v)", self.n)
}

// How the dispatches of one sort get their workgroup counts
type dispatchParams struct {
	indirect bool
	args     gpu.Buffer
	tiles    [3]uint32 // direct grid of the tile kernels
	words    []uint32  // dispatch-args contents of a host count
}

// Queue the dispatch-args words of a host count. Indirect counts are filled
// in on the device.
func (self *dispatchParams) upload(queue gpu.Queue) error {
	if self.indirect {
		return nil
	}
	if err := gpu.WriteWords(queue, self.args, 0, self.words); err != nil {
		return errors.Wrap(err, "Failed to write dispatch args")
	}
	return nil
}

func (self *dispatchParams) dispatchTiles(pass gpu.ComputePass) {
	if self.indirect {
		pass.DispatchWorkgroupsIndirect(self.args, argsTiles*data.WordSize)
		return
	}
	pass.DispatchWorkgroups(self.tiles[0], self.tiles[1], self.tiles[2])
}

func (self *dispatchParams) dispatchScan(pass gpu.ComputePass) {
	if self.indirect {
		pass.DispatchWorkgroupsIndirect(self.args, argsScan*data.WordSize)
		return
	}
	pass.DispatchWorkgroups(1, 1, 1)
}

// Validate count against bufs and derive how the dispatches find it. Nothing
// is written to the device.
// Host counts are written through the queue, device counts are copied and
// clamped by the encoder's commands.
func resolveCount(bufs *SortBuffers, count Count) (*dispatchParams, error) {
	if !count.Indirect() {
		if count.n == 0 {
			return nil, errors.Wrap(ErrInvalidCount, "cannot sort zero elements")
		}
		if count.n > bufs.Len() {
			return nil, errors.Wrapf(ErrCapacityExceeded, "count %v, buffer set length %v", count.n, bufs.Len())
		}

		grid := tileGrid(tileCount(count.n, bufs.tileSize()))
		return &dispatchParams{
			args:  bufs.dispatchArgs,
			tiles: grid,
			words: []uint32{grid[0], grid[1], grid[2], 1, 1, 1, count.n, bufs.Len()},
		}, nil
	}

	if count.offset%data.WordSize != 0 {
		return nil, errors.Wrapf(ErrInvalidCountLocation, "offset %v is not 4-byte aligned", count.offset)
	}
	if count.offset+data.WordSize > count.buf.Size() {
		return nil, errors.Wrapf(ErrInvalidCountLocation, "offset %v outside %q (%v bytes)",
			count.offset, count.buf.Label(), count.buf.Size())
	}
	if count.buf == bufs.dispatchArgs && !bufs.isCountLocation(count) {
		return nil, errors.Wrapf(ErrInvalidCountLocation, "offset %v of the dispatch args is not the count", count.offset)
	}
	if !bufs.isCountLocation(count) && !count.buf.Usage().Has(gpu.BufferUsageCopySrc) {
		return nil, errors.Wrapf(ErrInvalidCountLocation, "%q lacks copy-src usage", count.buf.Label())
	}
	return &dispatchParams{indirect: true, args: bufs.dispatchArgs}, nil
}
