package sort

import "github.com/pkg/errors"

// Configuration errors, reported before any command is recorded
var (
	// Zero elements, or more than MaxElements
	ErrInvalidCount = errors.New("sort: invalid element count")

	// A host count larger than the buffer set it sorts
	ErrCapacityExceeded = errors.New("sort: count exceeds buffer set length")

	// A device count that is unaligned, out of range or not copyable
	ErrInvalidCountLocation = errors.New("sort: invalid device count location")

	// Buffer set created for other pipelines
	ErrForeignBuffers = errors.New("sort: buffer set belongs to other pipelines")
)
