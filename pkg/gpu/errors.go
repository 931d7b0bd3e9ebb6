package gpu

import "github.com/pkg/errors"

var (
	// Size or offset is not a multiple of 4, or a range exceeds a buffer
	ErrInvalidSize = errors.New("gpu: invalid size or offset")

	// A buffer lacks the usage flag an operation requires
	ErrInvalidUsage = errors.New("gpu: invalid buffer usage")

	// Kernel could not be turned into a pipeline
	ErrCompile = errors.New("gpu: kernel compilation failed")

	// Bind group does not match its layout or the pipeline layout
	ErrBindGroup = errors.New("gpu: bind group mismatch")

	// Invalid command recording (no pipeline set, pass not ended, ...)
	ErrRecording = errors.New("gpu: invalid command recording")

	ErrNotMapped     = errors.New("gpu: buffer not mapped")
	ErrAlreadyMapped = errors.New("gpu: buffer already mapped or pending map")

	// A kernel faulted while executing
	ErrKernelFault = errors.New("gpu: kernel fault")

	// Object used after Release
	ErrReleased = errors.New("gpu: object released")

	// No backend of this kind is compiled in or present on the system
	ErrBackendUnavailable = errors.New("gpu: backend unavailable")
)
