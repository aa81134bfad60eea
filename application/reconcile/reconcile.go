// Package reconcile turns a desired multi-valued relation set into the edge
// additions and removals that bring the stored set in line with it.
package reconcile

import (
	"graphcollab/domain/graph"
)

// Diff is the outcome of reconciling current against desired relation options.
// ToAdd holds target ids, ToRemove holds relation ids.
type Diff struct {
	ToAdd    []string `json:"toAdd"`
	ToRemove []string `json:"toRemove"`
}

// Empty reports whether the diff has nothing to apply
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// BatchPolicy decides how much of a diff one call applies
type BatchPolicy string

const (
	// BatchAll applies every addition and removal in the diff
	BatchAll BatchPolicy = "all"
	// BatchFirst applies only the first addition and the first removal,
	// matching clients that change one value per call
	BatchFirst BatchPolicy = "first"
)

// Valid reports whether the policy is known
func (p BatchPolicy) Valid() bool {
	return p == BatchAll || p == BatchFirst
}

// Limit trims the diff according to the policy
func (p BatchPolicy) Limit(d Diff) Diff {
	if p != BatchFirst {
		return d
	}
	limited := Diff{}
	if len(d.ToAdd) > 0 {
		limited.ToAdd = d.ToAdd[:1]
	}
	if len(d.ToRemove) > 0 {
		limited.ToRemove = d.ToRemove[:1]
	}
	return limited
}

// Reconcile computes the set difference by target value in both directions.
// Repeated desired values collapse into a single addition. When several
// current edges share a value, the first is kept (if desired) and the rest
// are removed, so a pass over a partially applied state still converges.
func Reconcile(current, desired []graph.RelationOption) Diff {
	want := make(map[string]struct{}, len(desired))
	for _, option := range desired {
		if option.Value == "" {
			continue
		}
		want[option.Value] = struct{}{}
	}

	diff := Diff{ToAdd: []string{}, ToRemove: []string{}}
	have := make(map[string]struct{}, len(current))
	for _, option := range current {
		if option.Value == "" {
			continue
		}
		_, wanted := want[option.Value]
		_, seen := have[option.Value]
		if wanted && !seen {
			have[option.Value] = struct{}{}
			continue
		}
		if option.RelationID != "" {
			diff.ToRemove = append(diff.ToRemove, option.RelationID)
		}
	}

	added := make(map[string]struct{}, len(desired))
	for _, option := range desired {
		if option.Value == "" {
			continue
		}
		if _, ok := have[option.Value]; ok {
			continue
		}
		if _, ok := added[option.Value]; ok {
			continue
		}
		added[option.Value] = struct{}{}
		diff.ToAdd = append(diff.ToAdd, option.Value)
	}

	return diff
}

// Apply returns the option set that results from applying diff to current.
// Added options carry no relation id.
func Apply(current []graph.RelationOption, diff Diff) []graph.RelationOption {
	removed := make(map[string]struct{}, len(diff.ToRemove))
	for _, id := range diff.ToRemove {
		removed[id] = struct{}{}
	}

	result := make([]graph.RelationOption, 0, len(current)+len(diff.ToAdd))
	for _, option := range current {
		if _, ok := removed[option.RelationID]; ok && option.RelationID != "" {
			continue
		}
		result = append(result, option)
	}
	for _, value := range diff.ToAdd {
		result = append(result, graph.RelationOption{Value: value})
	}
	return result
}
