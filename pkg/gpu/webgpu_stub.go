//go:build !webgpu

package gpu

import "github.com/pkg/errors"

// Without the webgpu build tag the module does not link wgpu-native
func openWebGPU(opts SoftOptions) (Device, error) {
	return nil, errors.Wrap(ErrBackendUnavailable, "built without the webgpu tag")
}
