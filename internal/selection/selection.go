// Package selection validates client-supplied rowid sets against the row
// count of the epoch they were produced in.
package selection

import (
	"fmt"
	"sort"

	"github.com/omondi/geoportal/internal/model"
)

// Resolve filters candidates to the ids actually present in a layer of
// rowCount rows. Out-of-range ids are stale references from an earlier
// epoch, not errors; they are dropped silently. Duplicates collapse, order
// is irrelevant, and the result comes back sorted. An empty result is
// model.ErrEmptySelection.
//
// rowCount must come from a fetch in the same epoch as the candidate ids;
// this function never re-derives it.
func Resolve(candidates []int, rowCount int) ([]int, error) {
	seen := make(map[int]struct{}, len(candidates))
	out := make([]int, 0, len(candidates))
	for _, id := range candidates {
		if id < 1 || id > rowCount {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %d candidates against %d rows: %w",
			len(candidates), rowCount, model.ErrEmptySelection)
	}
	sort.Ints(out)
	return out, nil
}
