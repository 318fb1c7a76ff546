package policy

import (
	"sort"

	"github.com/ineyio/quotarouter"
)

// PriorityFirstPolicy drains the preferred provider before moving on:
// configured priority decides, utilization only breaks ties, then id.
type PriorityFirstPolicy struct{}

var _ quotarouter.Policy = (*PriorityFirstPolicy)(nil)

// Rank orders candidates by priority ascending.
func (p *PriorityFirstPolicy) Rank(candidates []quotarouter.Candidate) []quotarouter.Candidate {
	result := make([]quotarouter.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		if ci.Descriptor.Priority != cj.Descriptor.Priority {
			return ci.Descriptor.Priority < cj.Descriptor.Priority
		}
		if ui, uj := ci.Utilization(), cj.Utilization(); ui != uj {
			return ui < uj
		}
		return ci.ID() < cj.ID()
	})

	return result
}
