package gpu

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Prepend constant declarations to a WGSL source, one `const NAME: u32 = Vu;`
// line per entry in name order.
func ComposeWGSL(source string, consts map[string]uint32) string {
	names := lo.Keys(consts)
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "const %s: u32 = %du;\n", name, consts[name])
	}
	b.WriteString(source)
	return b.String()
}

// Names in want that have no value in consts
func missingConstants(want []string, consts map[string]uint32) []string {
	return lo.Filter(want, func(name string, _ int) bool {
		_, ok := consts[name]
		return !ok
	})
}
