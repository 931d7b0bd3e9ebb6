package gpu

import (
	"context"

	"github.com/KeKsBoTer/wgpu-sort/pkg/data"
	"github.com/pkg/errors"
)

// Copy size bytes at offset of src back to host memory. src needs
// BufferUsageCopySrc. Blocks (polling the device) until the staging buffer is
// mapped or ctx is done.
func ReadBuffer(ctx context.Context, dev Device, src Buffer, offset, size uint64) ([]byte, error) {
	staging, err := dev.CreateBuffer(&BufferDescriptor{
		Label: src.Label() + " staging",
		Size:  size,
		Usage: BufferUsageMapRead | BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't create staging buffer")
	}
	defer staging.Release()

	enc, err := dev.CreateCommandEncoder("readback " + src.Label())
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't create command encoder")
	}
	if err = enc.CopyBufferToBuffer(src, offset, staging, 0, size); err != nil {
		return nil, errors.Wrap(err, "Couldn't record readback copy")
	}
	cmds, err := enc.Finish()
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't finish readback commands")
	}
	defer cmds.Release()

	if err = dev.Queue().Submit(cmds); err != nil {
		return nil, errors.Wrap(err, "Readback submission failed")
	}

	done := make(chan MapStatus, 1)
	err = staging.MapAsync(MapModeRead, 0, size, func(status MapStatus) {
		done <- status
	})
	if err != nil {
		return nil, errors.Wrap(err, "Couldn't map staging buffer")
	}

	for mapped := false; !mapped; {
		if err = dev.Poll(true); err != nil {
			return nil, errors.Wrap(err, "Device poll failed")
		}

		select {
		case status := <-done:
			if status != MapStatusSuccess {
				return nil, errors.Errorf("Mapping %q failed with status %v", staging.Label(), status)
			}
			mapped = true
			continue
		default:
		}

		if err = ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "Readback interrupted")
		}
	}

	raw, err := staging.MappedRange(0, size)
	if err != nil {
		staging.Unmap()
		return nil, errors.Wrap(err, "Couldn't get mapped range")
	}

	// the mapped range dies with Unmap
	out := append([]byte{}, raw...)
	staging.Unmap()
	return out, nil
}

// ReadBuffer for n 32-bit words at byte offset
func ReadWords(ctx context.Context, dev Device, src Buffer, offset uint64, n int) ([]uint32, error) {
	raw, err := ReadBuffer(ctx, dev, src, offset, (uint64)(n*data.WordSize))
	if err != nil {
		return nil, err
	}
	return data.Decode(raw)
}

// Queue a write of words at byte offset of dst
func WriteWords(queue Queue, dst Buffer, offset uint64, words []uint32) error {
	return queue.WriteBuffer(dst, offset, data.Encode(words))
}

// Create a buffer and upload its initial contents. CopyDst is added to the
// usage.
func CreateBufferInit(dev Device, desc *BufferDescriptor, contents []byte) (Buffer, error) {
	d := *desc
	d.Usage |= BufferUsageCopyDst
	if d.Size == 0 {
		d.Size = (uint64)(len(contents))
	}

	buf, err := dev.CreateBuffer(&d)
	if err != nil {
		return nil, err
	}
	if err = dev.Queue().WriteBuffer(buf, 0, contents); err != nil {
		buf.Release()
		return nil, errors.Wrapf(err, "Couldn't upload initial contents of %q", d.Label)
	}
	return buf, nil
}
