package gpu

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

type DeviceInfo struct {
	Name    string
	Backend string

	// Lane width reported by the adapter, 0 when unknown. WebGPU does not
	// expose it, which is why the sorter probes for it.
	LaneWidth uint32

	ComputeUnits int

	// CPU features of the host, for the software device these are the
	// features the kernels execute with
	HostFeatures []string
}

func (self DeviceInfo) String() string {
	return fmt.Sprintf("%v (%v, %v compute units)", self.Name, self.Backend, self.ComputeUnits)
}

func hostDeviceInfo(name string, units int) DeviceInfo {
	return DeviceInfo{
		Name:         name,
		Backend:      "soft",
		ComputeUnits: units,
		HostFeatures: hostFeatures(),
	}
}

func hostFeatures() []string {
	feats := []string{runtime.GOARCH}
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			feats = append(feats, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			feats = append(feats, "avx2")
		}
		if cpu.X86.HasAVX512F {
			feats = append(feats, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
		if cpu.ARM64.HasSVE {
			feats = append(feats, "sve")
		}
	}
	return feats
}
