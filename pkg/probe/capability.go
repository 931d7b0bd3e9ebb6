package probe

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Lane widths the probe tries, widest first
var DefaultCandidates = []uint32{128, 64, 32, 16, 8}

// Width every device supports: no lockstep assumptions at all
const FallbackLaneWidth = 1

const (
	// Invocations per workgroup of the sort kernels. Tiles are a whole
	// number of workgroup-sized rows.
	SortWorkgroupSize = 256

	// Keys per lane in a tile
	tileKeysPerLane = 120

	maxLaneWidth = 128
)

// Result of probing a device. Immutable, shared by every sorter built for the
// device.
type Capability struct {
	LaneWidth uint32

	// Keys processed by one workgroup of the sort kernels
	TileSize uint32
}

// Capability for a lane width, tile size = LaneWidth*120 rounded up to whole
// workgroup rows (3840 keys for 32 lanes).
func NewCapability(laneWidth uint32) (Capability, error) {
	c := Capability{LaneWidth: laneWidth, TileSize: tileSize(laneWidth)}
	if err := c.Validate(); err != nil {
		return Capability{}, err
	}
	return c, nil
}

func tileSize(laneWidth uint32) uint32 {
	keys := laneWidth * tileKeysPerLane
	return (keys + SortWorkgroupSize - 1) / SortWorkgroupSize * SortWorkgroupSize
}

func (self Capability) Validate() error {
	lw := self.LaneWidth
	if lw == 0 || lw > maxLaneWidth || lw&(lw-1) != 0 {
		return errors.Wrapf(ErrInvalidCapability, "lane width %v is not a power of two in [1, %v]", lw, maxLaneWidth)
	}
	if self.TileSize != tileSize(lw) {
		return errors.Wrapf(ErrInvalidCapability, "tile size %v does not match lane width %v", self.TileSize, lw)
	}
	return nil
}

func (self Capability) String() string {
	return fmt.Sprintf("lanes=%v tile=%v", self.LaneWidth, self.TileSize)
}

func validCandidates(candidates []uint32) error {
	if len(candidates) == 0 {
		return errors.Wrap(ErrInvalidCapability, "no lane width candidates")
	}
	for _, c := range candidates {
		if _, err := NewCapability(c); err != nil {
			return err
		}
		if c > ProbeWorkgroupSize {
			return errors.Wrapf(ErrInvalidCapability, "candidate %v exceeds the probe workgroup size %v", c, ProbeWorkgroupSize)
		}
	}
	if len(lo.Uniq(candidates)) != len(candidates) {
		return errors.Wrapf(ErrInvalidCapability, "duplicate lane width candidates %v", candidates)
	}
	return nil
}
