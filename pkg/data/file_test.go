package data

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileWordArray(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "keys.bin")

	words := []uint32{5, 4, 3, 2, 1, 0}
	arr, err := CreateFileWordArray(path, words)
	require.Nilf(t, err, "Failed to create file array: %v", err)
	require.Equal(t, len(words), arr.Len())

	t.Run("ReadAll", func(t *testing.T) {
		got, err := FetchAll(arr)
		require.Nil(t, err)
		require.Equal(t, words, got)
	})

	t.Run("Range", func(t *testing.T) {
		got, err := FetchRange(arr, 2, -1)
		require.Nil(t, err)
		require.Equal(t, words[2:5], got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		err := Store(arr, 4, []uint32{10, 11})
		require.Nil(t, err)

		reopened := NewFileWordArray(path)
		got, err := FetchAll(reopened)
		require.Nil(t, err)
		require.Equal(t, []uint32{5, 4, 3, 2, 10, 11}, got)
	})

	t.Run("Missing", func(t *testing.T) {
		missing := NewFileWordArray(filepath.Join(tmpDir, "missing.bin"))
		require.Equal(t, 0, missing.Len())

		_, err := missing.GetRangeReader(0, 1)
		require.ErrorIs(t, err, ErrOutOfRange)
	})
}
