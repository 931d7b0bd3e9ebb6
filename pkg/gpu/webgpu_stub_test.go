//go:build !webgpu

package gpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenWebGPUUntagged(t *testing.T) {
	_, err := Open(BackendWebGPU, SoftOptions{})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}
