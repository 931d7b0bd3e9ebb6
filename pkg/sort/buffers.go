package sort

import (
	"fmt"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/KeKsBoTer/wgpu-sort/pkg/gpu"
	"github.com/pkg/errors"
)

// Largest number of elements a buffer set can hold
const MaxElements = 1 << 31

// Key written to the padding past the usable length, sorts after every key
const SentinelKey = 0xFFFFFFFF

// Device storage for sorting up to Len() key/value pairs in place. Keys and
// values live in two slots each that the passes ping-pong between; Keys() and
// Values() always name the slot holding the latest data.
//
// A SortBuffers must only be used by one sort at a time.
type SortBuffers struct {
	p *Pipelines

	n        uint32 // usable length
	capacity uint32 // allocated elements, a multiple of the tile size

	keys          [2]gpu.Buffer
	values        [2]gpu.Buffer
	histogram     gpu.Buffer
	globalOffsets gpu.Buffer
	dispatchArgs  gpu.Buffer
	passParams    gpu.Buffer

	// dataGroups[s] reads slot s and writes slot 1-s
	dataGroups [2]gpu.BindGroup
	passGroups [NumPasses]gpu.BindGroup
	argsGroup  gpu.BindGroup

	current int
}

func NewSortBuffers(p *Pipelines, n uint32) (*SortBuffers, error) {
	self := &SortBuffers{p: p}
	if err := self.allocate(n); err != nil {
		return nil, err
	}
	return self, nil
}

func roundUp(n, multiple uint32) uint32 {
	return (uint32)(((uint64)(n) + (uint64)(multiple) - 1) / (uint64)(multiple) * (uint64)(multiple))
}

func checkLength(n uint32) error {
	if n == 0 || n > MaxElements {
		return errors.Wrapf(ErrInvalidCount, "length %v outside [1, %v]", n, (uint32)(MaxElements))
	}
	return nil
}

func (self *SortBuffers) allocate(n uint32) (err error) {
	if err = checkLength(n); err != nil {
		return err
	}

	dev := self.p.dev
	tile := self.tileSize()
	capacity := roundUp(n, tile)
	tiles := capacity / tile

	var created []gpu.Buffer
	defer func() {
		if err != nil {
			for _, b := range created {
				b.Release()
			}
			*self = SortBuffers{p: self.p}
		}
	}()

	create := func(label string, words uint64, usage gpu.BufferUsage) (gpu.Buffer, error) {
		b, err := dev.CreateBuffer(&gpu.BufferDescriptor{
			Label: label,
			Size:  words * data.WordSize,
			Usage: usage,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to allocate %v", label)
		}
		created = append(created, b)
		return b, nil
	}

	kvUsage := gpu.BufferUsageStorage | gpu.BufferUsageCopySrc | gpu.BufferUsageCopyDst
	for slot := 0; slot < 2; slot++ {
		if self.keys[slot], err = create(fmt.Sprintf("radix sort keys %v", slot), (uint64)(capacity), kvUsage); err != nil {
			return err
		}
		if self.values[slot], err = create(fmt.Sprintf("radix sort values %v", slot), (uint64)(capacity), kvUsage); err != nil {
			return err
		}
	}

	if self.histogram, err = create("radix sort histogram", (uint64)(tiles)*Radix, gpu.BufferUsageStorage); err != nil {
		return err
	}
	if self.globalOffsets, err = create("radix sort global offsets", Radix, gpu.BufferUsageStorage); err != nil {
		return err
	}
	self.dispatchArgs, err = create("radix sort dispatch args", argsWords,
		gpu.BufferUsageStorage|gpu.BufferUsageIndirect|gpu.BufferUsageCopyDst|gpu.BufferUsageCopySrc)
	if err != nil {
		return err
	}

	strideWords := (uint64)(passParamsStride / data.WordSize)
	self.passParams, err = create("radix sort pass params", NumPasses*strideWords,
		gpu.BufferUsageUniform|gpu.BufferUsageCopyDst|gpu.BufferUsageCopySrc)
	if err != nil {
		return err
	}

	params := make([]uint32, NumPasses*strideWords)
	for pass := 0; pass < NumPasses; pass++ {
		params[(uint64)(pass)*strideWords] = (uint32)(pass * RadixLog2)
	}
	if err = gpu.WriteWords(dev.Queue(), self.passParams, 0, params); err != nil {
		return errors.Wrap(err, "Failed to write pass params")
	}

	if err = self.createBindGroups(); err != nil {
		return err
	}

	self.capacity = capacity
	self.current = 0
	if err = self.setLength(n); err != nil {
		return err
	}

	self.p.log.Debugf("sort: allocated buffer set of %v elements (capacity %v, %v tiles)", n, capacity, tiles)
	return nil
}

func (self *SortBuffers) createBindGroups() error {
	var err error
	dev := self.p.dev

	for slot := 0; slot < 2; slot++ {
		self.dataGroups[slot], err = dev.CreateBindGroup(fmt.Sprintf("radix sort data %v", slot), self.p.dataLayout,
			[]gpu.BindGroupEntry{
				{Binding: bindKeysIn, Buffer: self.keys[slot]},
				{Binding: bindValuesIn, Buffer: self.values[slot]},
				{Binding: bindKeysOut, Buffer: self.keys[1-slot]},
				{Binding: bindValuesOut, Buffer: self.values[1-slot]},
				{Binding: bindHistogram, Buffer: self.histogram},
				{Binding: bindGlobalOffsets, Buffer: self.globalOffsets},
				{Binding: bindDispatchArgs, Buffer: self.dispatchArgs},
			})
		if err != nil {
			return errors.Wrap(err, "Failed to create data bind group")
		}
	}

	for pass := 0; pass < NumPasses; pass++ {
		self.passGroups[pass], err = dev.CreateBindGroup(fmt.Sprintf("radix sort pass %v", pass), self.p.passLayout,
			[]gpu.BindGroupEntry{{
				Binding: bindPassParams,
				Buffer:  self.passParams,
				Offset:  (uint64)(pass * passParamsStride),
				Size:    passParamsSize,
			}})
		if err != nil {
			return errors.Wrap(err, "Failed to create pass bind group")
		}
	}

	self.argsGroup, err = dev.CreateBindGroup("radix sort dispatch args", self.p.argsLayout,
		[]gpu.BindGroupEntry{{Binding: 0, Buffer: self.dispatchArgs}})
	if err != nil {
		return errors.Wrap(err, "Failed to create dispatch args bind group")
	}
	return nil
}

// Make n the usable length: pad [n, capacity) of both key slots with the
// sentinel and of both value slots with zero, and record n as the clamp bound
// of device counts.
func (self *SortBuffers) setLength(n uint32) error {
	queue := self.p.dev.Queue()
	if pad := self.capacity - n; pad > 0 {
		off := (uint64)(n) * data.WordSize
		keyPad := data.Repeat(SentinelKey, (int)(pad))
		valuePad := make([]byte, len(keyPad))
		for slot := 0; slot < 2; slot++ {
			if err := queue.WriteBuffer(self.keys[slot], off, keyPad); err != nil {
				return errors.Wrap(err, "Failed to pad keys")
			}
			if err := queue.WriteBuffer(self.values[slot], off, valuePad); err != nil {
				return errors.Wrap(err, "Failed to pad values")
			}
		}
	}

	if err := gpu.WriteWords(queue, self.dispatchArgs, argsLimit*data.WordSize, []uint32{n}); err != nil {
		return errors.Wrap(err, "Failed to write length")
	}
	self.n = n
	return nil
}

// Reuse the set for n elements. Shrinking or growing within the capacity only
// re-pads, larger lengths reallocate every buffer. Either way Keys() and
// Values() return to slot 0 and previous buffer handles must not be kept.
func (self *SortBuffers) Reset(n uint32) error {
	if err := checkLength(n); err != nil {
		return err
	}

	if n <= self.capacity {
		self.current = 0
		return self.setLength(n)
	}

	self.release()
	return self.allocate(n)
}

// Usable length, the largest count a sort may use
func (self *SortBuffers) Len() uint32 {
	return self.n
}

// Allocated elements including padding
func (self *SortBuffers) Cap() uint32 {
	return self.capacity
}

// Key buffer holding the latest data. Callers write unsorted keys here before
// a sort and read sorted keys after it. Only the first KeysValidSize() bytes
// are meaningful to the caller.
func (self *SortBuffers) Keys() gpu.Buffer {
	return self.keys[self.current]
}

func (self *SortBuffers) Values() gpu.Buffer {
	return self.values[self.current]
}

// Bytes of Keys() and Values() covering the usable length
func (self *SortBuffers) KeysValidSize() uint64 {
	return (uint64)(self.n) * data.WordSize
}

// Buffer holding the dispatch parameters. Kernels that produce the element
// count may write it straight to CountLocation() to avoid a copy.
func (self *SortBuffers) DispatchArgs() gpu.Buffer {
	return self.dispatchArgs
}

// Byte offset of the element count within DispatchArgs()
func (self *SortBuffers) CountLocation() uint64 {
	return argsCount * data.WordSize
}

func (self *SortBuffers) isCountLocation(c Count) bool {
	return c.buf == self.dispatchArgs && c.offset == self.CountLocation()
}

func (self *SortBuffers) tileSize() uint32 {
	return self.p.cap.TileSize
}

func (self *SortBuffers) flip() {
	self.current = 1 - self.current
}

func (self *SortBuffers) release() {
	for _, g := range append(self.dataGroups[:], self.argsGroup) {
		if g != nil {
			g.Release()
		}
	}
	for _, g := range self.passGroups {
		if g != nil {
			g.Release()
		}
	}

	bufs := []gpu.Buffer{self.keys[0], self.keys[1], self.values[0], self.values[1],
		self.histogram, self.globalOffsets, self.dispatchArgs, self.passParams}
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}

	*self = SortBuffers{p: self.p}
}

// Free the device memory of the set
func (self *SortBuffers) Release() {
	self.release()
}
