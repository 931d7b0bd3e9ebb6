package data

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Pack words into their little-endian byte layout
func Encode(words []uint32) []byte {
	out := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*WordSize:], w)
	}
	return out
}

// Unpack little-endian bytes into words. len(raw) must be a multiple of
// WordSize.
func Decode(raw []byte) ([]uint32, error) {
	if len(raw)%WordSize != 0 {
		return nil, errors.Wrapf(ErrUnaligned, "got %v bytes", len(raw))
	}

	out := make([]uint32, len(raw)/WordSize)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*WordSize:])
	}
	return out, nil
}

// Encoded form of n copies of v. Used to write sentinel padding.
func Repeat(v uint32, n int) []byte {
	out := make([]byte, n*WordSize)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[i*WordSize:], v)
	}
	return out
}

// Read the words in [start, end) of arr into memory
func FetchRange(arr WordArray, start, end int) ([]uint32, error) {
	reader, err := arr.GetRangeReader(start, end)
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't get range reader")
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't read array")
	}
	return Decode(raw)
}

// Read every word of arr into memory
func FetchAll(arr WordArray) ([]uint32, error) {
	return FetchRange(arr, 0, 0)
}

// Overwrite arr starting at word start with words
func Store(arr WordArray, start int, words []uint32) error {
	writer, err := arr.GetWriter(start)
	if err != nil {
		return errors.Wrap(err, "Couldn't get writer")
	}

	n, err := writer.Write(Encode(words))
	if err != nil {
		writer.Close()
		return errors.Wrapf(err, "Failed to write %v words at %v", len(words), start)
	}
	if n != len(words)*WordSize {
		writer.Close()
		return io.ErrShortWrite
	}
	return writer.Close()
}
