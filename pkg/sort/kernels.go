package sort

import "github.com/KeKsBoTer/wgpu-sort/pkg/gpu"

const (
	// Bits per digit, 4 digits cover a 32-bit key
	RadixLog2 = 8
	Radix     = 1 << RadixLog2
	radixMask = Radix - 1
	NumPasses = 32 / RadixLog2

	// Invocations per workgroup of the tile kernels and the scan. The scan
	// assigns one invocation per bucket so this must equal Radix.
	workgroupSize = Radix
)

// Bind group numbers and bindings shared by the histogram, scan and scatter
// kernels
const (
	dataGroup = 0
	passGroup = 1

	bindKeysIn        = 0
	bindValuesIn      = 1
	bindKeysOut       = 2
	bindValuesOut     = 3
	bindHistogram     = 4
	bindGlobalOffsets = 5
	bindDispatchArgs  = 6

	bindPassParams = 0
)

// Word layout of the dispatch-args buffer
const (
	argsTiles = 0 // x, y, z workgroups of the tile kernels
	argsScan  = 3 // x, y, z workgroups of the scan
	argsCount = 6 // elements to sort
	argsLimit = 7 // usable length of the buffer set, indirect counts clamp to it
	argsWords = 8
)

// Byte size of one pass-params slot, uniform bindings are 256 byte aligned
const passParamsStride = gpu.MinBindingOffsetAlignment

const passParamsSize = 16

var kernelConstants = []string{"RADIX", "TILE", "ARGS_COUNT", "ARGS_LIMIT", "MAX_GRID_X"}

const dataBindingsWGSL = `
struct PassParams {
    shift: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
}

@group(0) @binding(0) var<storage, read> keys_in: array<u32>;
@group(0) @binding(1) var<storage, read> values_in: array<u32>;
@group(0) @binding(2) var<storage, read_write> keys_out: array<u32>;
@group(0) @binding(3) var<storage, read_write> values_out: array<u32>;
@group(0) @binding(4) var<storage, read_write> histogram: array<u32>;
@group(0) @binding(5) var<storage, read_write> global_offsets: array<u32>;
@group(0) @binding(6) var<storage, read> dispatch_args: array<u32>;
@group(1) @binding(0) var<uniform> pass_params: PassParams;

fn tile_count() -> u32 {
    return (dispatch_args[ARGS_COUNT] + TILE - 1u) / TILE;
}

fn tile_index(wid: vec3<u32>, nwg: vec3<u32>) -> u32 {
    return wid.x + wid.y * nwg.x;
}
`

// Counts the digits of one tile into the tile's histogram row
const histogramWGSL = dataBindingsWGSL + `
var<workgroup> counts: array<atomic<u32>, RADIX>;

@compute @workgroup_size(WORKGROUP_SIZE)
fn histogram_main(@builtin(local_invocation_index) lid: u32,
                  @builtin(workgroup_id) wid: vec3<u32>,
                  @builtin(num_workgroups) nwg: vec3<u32>) {
    let w = tile_index(wid, nwg);
    if (w >= tile_count()) {
        return;
    }

    for (var b = lid; b < RADIX; b += WORKGROUP_SIZE) {
        atomicStore(&counts[b], 0u);
    }
    workgroupBarrier();

    let count = dispatch_args[ARGS_COUNT];
    let base = w * TILE;
    for (var i = lid; i < TILE; i += WORKGROUP_SIZE) {
        let idx = base + i;
        if (idx < count) {
            let d = (keys_in[idx] >> pass_params.shift) & (RADIX - 1u);
            atomicAdd(&counts[d], 1u);
        }
    }
    workgroupBarrier();

    for (var b = lid; b < RADIX; b += WORKGROUP_SIZE) {
        histogram[w * RADIX + b] = atomicLoad(&counts[b]);
    }
}
`

// One workgroup, invocation b owns bucket b. Turns every histogram entry into
// the offset of its (tile, bucket) run within the bucket and writes the start
// of every bucket to global_offsets.
const scanWGSL = dataBindingsWGSL + `
var<workgroup> totals: array<u32, RADIX>;

@compute @workgroup_size(WORKGROUP_SIZE)
fn scan_main(@builtin(local_invocation_index) lid: u32) {
    let tiles = tile_count();

    var sum = 0u;
    for (var t = 0u; t < tiles; t++) {
        let i = t * RADIX + lid;
        let c = histogram[i];
        histogram[i] = sum;
        sum += c;
    }
    totals[lid] = sum;
    workgroupBarrier();

    for (var step = 1u; step < RADIX; step <<= 1u) {
        var v = 0u;
        if (lid >= step) {
            v = totals[lid - step];
        }
        workgroupBarrier();
        totals[lid] += v;
        workgroupBarrier();
    }

    global_offsets[lid] = totals[lid] - sum;
}
`

// Moves every key/value of a tile to bucket start + tile offset + rank among
// the earlier equal digits of the tile
const scatterWGSL = dataBindingsWGSL + `
var<workgroup> offsets: array<u32, RADIX>;
var<workgroup> digits: array<u32, WORKGROUP_SIZE>;

@compute @workgroup_size(WORKGROUP_SIZE)
fn scatter_main(@builtin(local_invocation_index) lid: u32,
                @builtin(workgroup_id) wid: vec3<u32>,
                @builtin(num_workgroups) nwg: vec3<u32>) {
    let w = tile_index(wid, nwg);
    if (w >= tile_count()) {
        return;
    }

    for (var b = lid; b < RADIX; b += WORKGROUP_SIZE) {
        offsets[b] = global_offsets[b] + histogram[w * RADIX + b];
    }

    let count = dispatch_args[ARGS_COUNT];
    let base = w * TILE;
    for (var row = 0u; row < TILE; row += WORKGROUP_SIZE) {
        if (base + row >= count) {
            break;
        }
        let idx = base + row + lid;
        let valid = idx < count;

        // RADIX never equals a real digit
        var d = RADIX;
        var key = 0u;
        var value = 0u;
        if (valid) {
            key = keys_in[idx];
            value = values_in[idx];
            d = (key >> pass_params.shift) & (RADIX - 1u);
        }
        digits[lid] = d;
        workgroupBarrier();

        var rank = 0u;
        var last = true;
        for (var j = 0u; j < WORKGROUP_SIZE; j++) {
            if (digits[j] == d) {
                if (j < lid) {
                    rank++;
                } else if (j > lid) {
                    last = false;
                }
            }
        }

        if (valid) {
            let pos = offsets[d] + rank;
            keys_out[pos] = key;
            values_out[pos] = value;
        }
        workgroupBarrier();

        if (valid && last) {
            offsets[d] += rank + 1u;
        }
        workgroupBarrier();
    }
}
`

// Clamps a device-written element count to the buffer set and derives the
// workgroup grids of the following dispatches
const dispatchArgsWGSL = `
@group(0) @binding(0) var<storage, read_write> dispatch_args: array<u32>;

@compute @workgroup_size(WORKGROUP_SIZE)
fn dispatch_args_main() {
    let count = min(dispatch_args[ARGS_COUNT], dispatch_args[ARGS_LIMIT]);
    let tiles = (count + TILE - 1u) / TILE;
    let x = min(tiles, MAX_GRID_X);
    var y = 0u;
    if (x > 0u) {
        y = (tiles + x - 1u) / x;
    }

    dispatch_args[0] = x;
    dispatch_args[1] = y;
    dispatch_args[2] = 1u;
    dispatch_args[3] = 1u;
    dispatch_args[4] = 1u;
    dispatch_args[5] = 1u;
    dispatch_args[ARGS_COUNT] = count;
}
`

// Number of tiles covering count elements
func tileCount(count, tile uint32) uint32 {
	return (uint32)(((uint64)(count) + (uint64)(tile) - 1) / (uint64)(tile))
}

// Workgroup grid for n tiles, x capped at the per-dimension limit
func tileGrid(tiles uint32) [3]uint32 {
	x := min(tiles, gpu.MaxWorkgroupsPerDimension)
	y := uint32(0)
	if x > 0 {
		y = (tiles + x - 1) / x
	}
	return [3]uint32{x, y, 1}
}

// Tile of the workgroup, or false for the surplus workgroups of the grid
func currentTile(wg *gpu.Workgroup, args []uint32) (uint32, bool) {
	w := wg.Index()
	return w, w < tileCount(args[argsCount], wg.Const("TILE"))
}

func histogramHost(wg *gpu.Workgroup) {
	args := wg.Storage(dataGroup, bindDispatchArgs)
	w, ok := currentTile(wg, args)
	if !ok {
		return
	}

	keys := wg.Storage(dataGroup, bindKeysIn)
	hist := wg.Storage(dataGroup, bindHistogram)
	shift := wg.Uniform(passGroup, bindPassParams)[0]
	tile := wg.Const("TILE")

	counts := wg.Shared(Radix)
	base := w * tile
	end := min(base+tile, args[argsCount])
	for idx := base; idx < end; idx++ {
		counts[(keys[idx]>>shift)&radixMask]++
	}

	copy(hist[w*Radix:(w+1)*Radix], counts)
}

func scanHost(wg *gpu.Workgroup) {
	args := wg.Storage(dataGroup, bindDispatchArgs)
	hist := wg.Storage(dataGroup, bindHistogram)
	global := wg.Storage(dataGroup, bindGlobalOffsets)
	tiles := tileCount(args[argsCount], wg.Const("TILE"))

	totals := wg.Shared(Radix)
	for b := uint32(0); b < Radix; b++ {
		sum := uint32(0)
		for t := uint32(0); t < tiles; t++ {
			i := t*Radix + b
			c := hist[i]
			hist[i] = sum
			sum += c
		}
		totals[b] = sum
	}

	running := uint32(0)
	for b := 0; b < Radix; b++ {
		global[b] = running
		running += totals[b]
	}
}

// Mirrors scatter_main phase by phase. Each loop over lid is one phase of
// the workgroup, the loops are separated where the kernel has barriers.
func scatterHost(wg *gpu.Workgroup) {
	args := wg.Storage(dataGroup, bindDispatchArgs)
	w, ok := currentTile(wg, args)
	if !ok {
		return
	}

	keysIn := wg.Storage(dataGroup, bindKeysIn)
	valuesIn := wg.Storage(dataGroup, bindValuesIn)
	keysOut := wg.Storage(dataGroup, bindKeysOut)
	valuesOut := wg.Storage(dataGroup, bindValuesOut)
	hist := wg.Storage(dataGroup, bindHistogram)
	global := wg.Storage(dataGroup, bindGlobalOffsets)
	shift := wg.Uniform(passGroup, bindPassParams)[0]
	tile := wg.Const("TILE")
	size := wg.Size

	offsets := wg.Shared(Radix)
	digits := wg.Shared((int)(size))
	for b := range offsets {
		offsets[b] = global[b] + hist[w*Radix+(uint32)(b)]
	}

	// per-invocation registers
	keys := make([]uint32, size)
	values := make([]uint32, size)
	ranks := make([]uint32, size)
	last := make([]bool, size)

	count := args[argsCount]
	base := w * tile
	for row := uint32(0); row < tile && base+row < count; row += size {
		for lid := uint32(0); lid < size; lid++ {
			digits[lid] = Radix
			if idx := base + row + lid; idx < count {
				keys[lid] = keysIn[idx]
				values[lid] = valuesIn[idx]
				digits[lid] = (keys[lid] >> shift) & radixMask
			}
		}

		for lid := uint32(0); lid < size; lid++ {
			d := digits[lid]
			ranks[lid], last[lid] = 0, true
			for j := uint32(0); j < size; j++ {
				if digits[j] != d {
					continue
				}
				if j < lid {
					ranks[lid]++
				} else if j > lid {
					last[lid] = false
				}
			}

			if d != Radix {
				pos := offsets[d] + ranks[lid]
				keysOut[pos] = keys[lid]
				valuesOut[pos] = values[lid]
			}
		}

		// The last of every digit moves the digit's offset past the row
		for lid := uint32(0); lid < size; lid++ {
			if d := digits[lid]; d != Radix && last[lid] {
				offsets[d] += ranks[lid] + 1
			}
		}
	}
}

func dispatchArgsHost(wg *gpu.Workgroup) {
	args := wg.Storage(0, 0)
	count := min(args[argsCount], args[argsLimit])
	grid := tileGrid(tileCount(count, wg.Const("TILE")))

	copy(args[argsTiles:], grid[:])
	copy(args[argsScan:], []uint32{1, 1, 1})
	args[argsCount] = count
}

var (
	histogramKernel = gpu.Kernel{
		Name:      "histogram",
		Entry:     "histogram_main",
		WGSL:      histogramWGSL,
		Constants: kernelConstants,
		Host:      histogramHost,
	}

	scanKernel = gpu.Kernel{
		Name:      "scan",
		Entry:     "scan_main",
		WGSL:      scanWGSL,
		Constants: kernelConstants,
		Host:      scanHost,
	}

	scatterKernel = gpu.Kernel{
		Name:      "scatter",
		Entry:     "scatter_main",
		WGSL:      scatterWGSL,
		Constants: kernelConstants,
		Host:      scatterHost,
	}

	dispatchArgsKernel = gpu.Kernel{
		Name:      "dispatch_args",
		Entry:     "dispatch_args_main",
		WGSL:      dispatchArgsWGSL,
		Constants: kernelConstants,
		Host:      dispatchArgsHost,
	}
)
