package policy

import (
	"sort"

	"github.com/ineyio/quotarouter"
)

// LeastUtilizedPolicy spreads load: the candidate with the lowest
// utilization ratio goes first, ties broken by priority, then id.
type LeastUtilizedPolicy struct{}

var _ quotarouter.Policy = (*LeastUtilizedPolicy)(nil)

// Rank orders candidates by utilization ascending.
func (p *LeastUtilizedPolicy) Rank(candidates []quotarouter.Candidate) []quotarouter.Candidate {
	result := make([]quotarouter.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		if ui, uj := ci.Utilization(), cj.Utilization(); ui != uj {
			return ui < uj
		}
		if ci.Descriptor.Priority != cj.Descriptor.Priority {
			return ci.Descriptor.Priority < cj.Descriptor.Priority
		}
		return ci.ID() < cj.ID()
	})

	return result
}
