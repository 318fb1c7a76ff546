package quotarouter

import (
	"context"
	"errors"
	"time"
)

// SkipReason explains why a provider was passed over during selection.
type SkipReason string

const (
	SkipQuotaExhausted SkipReason = "quota_exhausted"
	SkipInactive       SkipReason = "inactive"
	SkipCooldown       SkipReason = "cooldown"
)

// Skip records one provider that selection passed over.
type Skip struct {
	ProviderID string     `json:"provider_id"`
	Reason     SkipReason `json:"reason"`
	Window     WindowKind `json:"window,omitempty"` // set for quota_exhausted
}

// Selection is the outcome of one Select call. When a provider was chosen,
// Reservation is already charged against it.
type Selection struct {
	ProviderID  string
	Reservation Reservation
	Skipped     []Skip
}

// Exhausted reports that no candidate had capacity.
func (s Selection) Exhausted() bool { return s.ProviderID == "" }

// Selector picks a provider and reserves its capacity in one step, so two
// concurrent callers cannot both be handed the last free slot.
type Selector struct {
	registry  *Registry
	tracker   *UsageTracker
	cooldowns *CooldownTracker
	policy    Policy
}

// NewSelector creates a Selector. A nil policy means least-utilized first.
func NewSelector(registry *Registry, tracker *UsageTracker, cooldowns *CooldownTracker, policy Policy) *Selector {
	if policy == nil {
		policy = leastUtilizedPolicy{}
	}
	return &Selector{
		registry:  registry,
		tracker:   tracker,
		cooldowns: cooldowns,
		policy:    policy,
	}
}

// Select filters out inactive, cooling and excluded providers, ranks the
// rest and reserves the first one with capacity. Running out of candidates
// is reported through Selection.Exhausted, not as an error; the error is
// reserved for counter store failures.
func (s *Selector) Select(ctx context.Context, now time.Time, excluding map[string]struct{}) (Selection, error) {
	var sel Selection

	candidates, err := s.candidates(ctx, now, excluding, &sel)
	if err != nil {
		return Selection{}, err
	}

	for _, c := range s.policy.Rank(candidates) {
		res, err := s.tracker.Reserve(ctx, c.ID(), now)
		if err != nil {
			var qe *QuotaExceededError
			if errors.As(err, &qe) {
				sel.Skipped = append(sel.Skipped, Skip{
					ProviderID: c.ID(),
					Reason:     SkipQuotaExhausted,
					Window:     qe.Window,
				})
				continue
			}
			return Selection{}, err
		}

		sel.ProviderID = c.ID()
		sel.Reservation = res
		return sel, nil
	}

	return sel, nil
}

// candidates returns the eligible providers with their current usage,
// recording inactive and cooling providers in sel.
func (s *Selector) candidates(ctx context.Context, now time.Time, excluding map[string]struct{}, sel *Selection) ([]Candidate, error) {
	var candidates []Candidate

	for _, d := range s.registry.List() {
		if _, ok := excluding[d.ID]; ok {
			continue
		}
		if !d.Active {
			sel.Skipped = append(sel.Skipped, Skip{ProviderID: d.ID, Reason: SkipInactive})
			continue
		}
		if s.cooldowns.Cooling(d.ID, now) {
			sel.Skipped = append(sel.Skipped, Skip{ProviderID: d.ID, Reason: SkipCooldown})
			continue
		}

		usage, err := s.tracker.Peek(ctx, d.ID, now)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{Descriptor: d, Usage: usage})
	}

	return candidates, nil
}
