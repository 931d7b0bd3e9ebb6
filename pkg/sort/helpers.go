package sort

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

func PrintHex(a []uint32) {
	for i, v := range a {
		fmt.Printf("%3v: 0x%08x\n", i, v)
	}
}

// Deterministic random keys
func RandomInputs(len int) []uint32 {
	return RandomInputsSeed(len, 0)
}

func RandomInputsSeed(len int, seed int64) []uint32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]uint32, len)
	for i := 0; i < len; i++ {
		out[i] = rng.Uint32()
	}
	return out
}

// Values naming the input position of every key, handy for stability checks
func IndexValues(len int) []uint32 {
	return lo.RangeFrom[uint32](0, len)
}

// Bit patterns of non-negative floats. They order the same as the floats, so
// the radix sort orders them correctly. Negative floats would need an
// order-preserving transform first and are rejected.
func FloatKeys(fs []float32) ([]uint32, error) {
	out := make([]uint32, len(fs))
	for i, f := range fs {
		if math.Signbit((float64)(f)) || math.IsNaN((float64)(f)) {
			return nil, errors.Errorf("Float key %v at %v is not a non-negative number", f, i)
		}
		out[i] = math.Float32bits(f)
	}
	return out, nil
}

func KeyFloats(keys []uint32) []float32 {
	return lo.Map(keys, func(k uint32, _ int) float32 {
		return math.Float32frombits(k)
	})
}

func CheckSort(orig []uint32, new []uint32) error {
	if len(orig) != len(new) {
		return fmt.Errorf("Lengths do not match: Expected %v, Got %v\n", len(orig), len(new))
	}

	origCpy := make([]uint32, len(orig))
	copy(origCpy, orig)
	sort.Slice(origCpy, func(i, j int) bool { return origCpy[i] < origCpy[j] })
	for i := 0; i < len(orig); i++ {
		if origCpy[i] != new[i] {
			return fmt.Errorf("Response doesn't match reference at %v\n: Expected %v, Got %v\n", i, origCpy[i], new[i])
		}
	}
	return nil
}

// Compare a sorted key/value output against a stable comparison sort of the
// input pairs
func CheckStable(origKeys, origValues, keys, values []uint32) error {
	if len(origKeys) != len(origValues) {
		return fmt.Errorf("Input has %v keys but %v values", len(origKeys), len(origValues))
	}
	if len(keys) != len(origKeys) || len(values) != len(origKeys) {
		return fmt.Errorf("Lengths do not match: Expected %v, Got %v keys and %v values",
			len(origKeys), len(keys), len(values))
	}

	order := lo.Range(len(origKeys))
	sort.SliceStable(order, func(i, j int) bool { return origKeys[order[i]] < origKeys[order[j]] })
	for i, src := range order {
		if keys[i] != origKeys[src] {
			return fmt.Errorf("Key mismatch at %v: Expected 0x%08x, Got 0x%08x", i, origKeys[src], keys[i])
		}
		if values[i] != origValues[src] {
			return fmt.Errorf("Value mismatch at %v (key 0x%08x): Expected %v, Got %v",
				i, keys[i], origValues[src], values[i])
		}
	}
	return nil
}
