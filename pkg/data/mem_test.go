package data

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateWords(t *testing.T, arr WordArray, n int) []uint32 {
	words := make([]uint32, n)
	for i := range words {
		words[i] = rand.Uint32()
	}

	err := Store(arr, 0, words)
	require.Nilf(t, err, "Failed to store initial words: %v", err)
	return words
}

func testRangeReader(t *testing.T, arr WordArray, ref []uint32, start, end int) {
	got, err := FetchRange(arr, start, end)
	require.Nilf(t, err, "Failed to read range [%v, %v)", start, end)

	if end <= 0 {
		end = len(ref) + end
	}
	require.Equal(t, ref[start:end], got, "Range returned wrong words")
}

func TestMemWordArrayRange(t *testing.T) {
	arr := NewMemWordArray(4)
	ref := generateWords(t, arr, 4)

	t.Run("Full Range", func(t *testing.T) { testRangeReader(t, arr, ref, 0, 0) })
	t.Run("First Two", func(t *testing.T) { testRangeReader(t, arr, ref, 0, 2) })
	t.Run("Middle", func(t *testing.T) { testRangeReader(t, arr, ref, 1, 3) })
	t.Run("Last Explicit", func(t *testing.T) { testRangeReader(t, arr, ref, 3, 4) })
	t.Run("Last Zero End", func(t *testing.T) { testRangeReader(t, arr, ref, 3, 0) })
	t.Run("Negative End", func(t *testing.T) { testRangeReader(t, arr, ref, 1, -1) })

	t.Run("Out Of Range", func(t *testing.T) {
		_, err := arr.GetRangeReader(2, 5)
		require.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestMemWordArrayReadSizes(t *testing.T) {
	arr := WrapWords([]uint32{0x04030201, 0x08070605})

	reader, err := arr.GetReader()
	require.Nil(t, err)

	// Reads that straddle word boundaries
	out := make([]byte, 3)
	n, err := reader.Read(out)
	require.Nil(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte{1, 2, 3}, out)

	out = make([]byte, 8)
	n, err = reader.Read(out)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte{4, 5, 6, 7, 8}, out[:n])

	n, err = reader.Read(out)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestMemWordArrayWriter(t *testing.T) {
	arr := NewMemWordArray(4)

	t.Run("Split Words", func(t *testing.T) {
		writer, err := arr.GetWriter(1)
		require.Nil(t, err)

		raw := Encode([]uint32{0xdeadbeef, 0xcafef00d})
		_, err = writer.Write(raw[:3])
		require.Nil(t, err)
		_, err = writer.Write(raw[3:])
		require.Nil(t, err)
		require.Nil(t, writer.Close())

		require.Equal(t, []uint32{0, 0xdeadbeef, 0xcafef00d, 0}, arr.Words())
	})

	t.Run("Trailing Bytes", func(t *testing.T) {
		writer, err := arr.GetWriter(0)
		require.Nil(t, err)

		_, err = writer.Write([]byte{1, 2})
		require.Nil(t, err)
		require.ErrorIs(t, writer.Close(), ErrUnaligned)
	})

	t.Run("Past End", func(t *testing.T) {
		err := Store(arr, 3, []uint32{1, 2})
		require.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestCodec(t *testing.T) {
	words := []uint32{0, 1, 0xFFFFFFFF, 0x01020304}
	raw := Encode(words)
	require.Equal(t, []byte{4, 3, 2, 1}, raw[12:])

	_, err := Decode(raw[:5])
	require.ErrorIs(t, err, ErrUnaligned)

	pad, err := Decode(Repeat(0xFFFFFFFF, 3))
	require.Nil(t, err)
	require.Equal(t, []uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF}, pad)
}
