package quotarouter

import "sort"

// Policy orders eligible candidates. The Selector tries them in the
// returned order, so implementations must be deterministic for a given input.
type Policy interface {
	// Rank returns candidates ordered most-preferred first.
	Rank(candidates []Candidate) []Candidate
}

// Candidate is a provider eligible for selection in one attempt, with its
// usage at ranking time.
type Candidate struct {
	Descriptor ProviderDescriptor
	Usage      UsageSnapshot
}

// ID returns the provider id.
func (c Candidate) ID() string { return c.Descriptor.ID }

// Utilization returns the candidate's utilization ratio at ranking time.
func (c Candidate) Utilization() float64 { return c.Usage.Utilization() }

// leastUtilizedPolicy is the built-in default, kept here to avoid an import
// cycle with the policy package.
type leastUtilizedPolicy struct{}

func (leastUtilizedPolicy) Rank(candidates []Candidate) []Candidate {
	result := make([]Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ui, uj := result[i].Utilization(), result[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		if result[i].Descriptor.Priority != result[j].Descriptor.Priority {
			return result[i].Descriptor.Priority < result[j].Descriptor.Priority
		}
		return result[i].ID() < result[j].ID()
	})

	return result
}
