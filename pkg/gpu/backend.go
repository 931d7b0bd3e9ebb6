package gpu

import (
	"strings"

	"github.com/pkg/errors"
)

// Names accepted by Open
const (
	BackendSoft   = "soft"
	BackendWebGPU = "webgpu"
)

// Open a device of the named backend. The WebGPU device needs the webgpu
// build tag and a wgpu-native adapter; opts.Name and opts.Logger apply to it,
// the rest of opts only to the software device.
func Open(backend string, opts SoftOptions) (Device, error) {
	switch strings.ToLower(backend) {
	case "", BackendSoft:
		return NewSoftDevice(opts), nil
	case BackendWebGPU:
		return openWebGPU(opts)
	}
	return nil, errors.Wrapf(ErrBackendUnavailable, "unknown backend %q", backend)
}
