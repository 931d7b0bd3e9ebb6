package probe

import "github.com/KeKsBoTer/wgpu-sort/pkg/gpu"

// Invocations per probe workgroup, also the widest lane width it can detect
const ProbeWorkgroupSize = 128

// Every invocation publishes a mark in workgroup memory and, without a
// barrier, counts the marks of the earlier invocations of its assumed lane
// group. Only invocations running in lockstep are guaranteed to see each
// other's marks, so the count is lid % LANES exactly when LANES does not
// exceed the hardware lane width.
const probeWGSL = `
@group(0) @binding(0) var<storage, read_write> seen: array<u32>;

var<workgroup> marks: array<u32, WORKGROUP_SIZE>;

@compute @workgroup_size(WORKGROUP_SIZE)
fn probe(@builtin(local_invocation_index) lid: u32,
         @builtin(workgroup_id) wid: vec3<u32>) {
    marks[lid] = lid + 1u;

    let first = lid - lid % LANES;
    var count = 0u;
    for (var j = first; j < lid; j = j + 1u) {
        if (marks[j] == j + 1u) {
            count = count + 1u;
        }
    }
    seen[wid.x * WORKGROUP_SIZE + lid] = count;
}
`

func probeHost(wg *gpu.Workgroup) {
	seen := wg.Storage(0, 0)
	lanes := wg.Const("LANES")
	size := wg.Size
	base := wg.Index() * size

	for lid := uint32(0); lid < size; lid++ {
		count := uint32(0)
		for j := lid - lid%lanes; j < lid; j++ {
			if wg.Lockstep(j, lid) {
				count++
			}
		}
		seen[base+lid] = count
	}
}

var probeKernel = gpu.Kernel{
	Name:      "lane_probe",
	Entry:     "probe",
	WGSL:      probeWGSL,
	Constants: []string{"LANES"},
	Host:      probeHost,
}

// Readback of a probe run matches what lane width candidate predicts
func matchesCandidate(seen []uint32, candidate uint32) bool {
	for i, v := range seen {
		lid := (uint32)(i) % ProbeWorkgroupSize
		if v != lid%candidate {
			return false
		}
	}
	return true
}
