package data

import (
	"io"

	"github.com/pkg/errors"
)

// Size in bytes of one element. Keys, values and every counter the sort keeps
// on the device are 32-bit unsigned integers.
const WordSize = 4

var (
	// A byte count or offset was not a multiple of WordSize
	ErrUnaligned = errors.New("data: length is not a multiple of 4 bytes")

	// A word range falls outside of the array
	ErrOutOfRange = errors.New("data: range out of bounds")
)

// An array of tightly packed little-endian 32-bit words, no header and no
// padding markers. This is the byte layout of every upload to, and readback
// from, a sort buffer.
type WordArray interface {
	// Returns a reader that will return the bytes of words in [start, end).
	// End may be negative to index backwards from the end. A zero end will
	// read until the end of the array.
	GetRangeReader(start, end int) (io.ReadCloser, error)

	// Returns a reader over the entire array
	GetReader() (io.ReadCloser, error)

	// Returns a writer that overwrites words beginning at word index start.
	// Writes past the end of the array fail with ErrOutOfRange.
	GetWriter(start int) (io.WriteCloser, error)

	// Number of words in the array
	Len() int
}

// Resolve a [start, end) word range using the GetRangeReader conventions
func resolveRange(start, end, length int) (int, int, error) {
	if end <= 0 {
		end = length + end
	}
	if start < 0 || start > end || end > length {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "range [%v, %v) of %v words", start, end, length)
	}
	return start, end, nil
}
