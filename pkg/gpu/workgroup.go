package gpu

import (
	"github.com/pkg/errors"
)

// Workgroup storage limit in words (16KiB, the WebGPU default limit)
const MaxSharedWords = 16384 / 4

type boundBuffer struct {
	typ   BindingType
	words []uint32
}

// Execution context of one workgroup on the software device. A HostKernel
// runs every invocation of the workgroup itself, so barriers are implicit
// between the phases of the kernel body.
type Workgroup struct {
	ID    [3]uint32 // workgroup_id
	Count [3]uint32 // num_workgroups
	Size  uint32    // invocations per workgroup

	laneWidth  uint32
	consts     map[string]uint32
	groups     map[uint32]map[uint32]boundBuffer
	scratch    *[]uint32
	sharedUsed int
}

// Linear index of the workgroup within its dispatch
func (self *Workgroup) Index() uint32 {
	return self.ID[0] + self.ID[1]*self.Count[0] + self.ID[2]*self.Count[0]*self.Count[1]
}

// Value of a pipeline constant. Kernels only ask for constants they declare,
// which pipeline creation has checked.
func (self *Workgroup) Const(name string) uint32 {
	v, ok := self.consts[name]
	if !ok {
		panic(errors.Errorf("undeclared constant %v", name))
	}
	return v
}

func (self *Workgroup) binding(group, binding uint32) boundBuffer {
	b, ok := self.groups[group][binding]
	if !ok {
		panic(errors.Wrapf(ErrBindGroup, "nothing bound at group %v binding %v", group, binding))
	}
	return b
}

// Words of a storage buffer binding. Read-only bindings must not be written.
func (self *Workgroup) Storage(group, binding uint32) []uint32 {
	b := self.binding(group, binding)
	if b.typ == BindingUniform {
		panic(errors.Wrapf(ErrBindGroup, "group %v binding %v is a uniform", group, binding))
	}
	return b.words
}

func (self *Workgroup) Uniform(group, binding uint32) []uint32 {
	b := self.binding(group, binding)
	if b.typ != BindingUniform {
		panic(errors.Wrapf(ErrBindGroup, "group %v binding %v is not a uniform", group, binding))
	}
	return b.words
}

// Zero-initialized workgroup memory of n words. Each call returns a distinct
// region; the total is bounded by MaxSharedWords.
func (self *Workgroup) Shared(n int) []uint32 {
	if self.sharedUsed+n > MaxSharedWords {
		panic(errors.Errorf("workgroup storage of %v words exceeds the %v word limit",
			self.sharedUsed+n, MaxSharedWords))
	}

	s := *self.scratch
	if self.sharedUsed+n > len(s) {
		// regions handed out earlier keep the old backing array
		s = make([]uint32, MaxSharedWords)
		*self.scratch = s
	}

	out := s[self.sharedUsed : self.sharedUsed+n : self.sharedUsed+n]
	clear(out)
	self.sharedUsed += n
	return out
}

// Reports whether invocations a and b execute in lockstep, i.e. one observes
// the other's workgroup memory writes without a barrier.
func (self *Workgroup) Lockstep(a, b uint32) bool {
	return a/self.laneWidth == b/self.laneWidth
}
