// Package policy provides candidate ranking policies for the Selector.
package policy

import (
	"fmt"

	"github.com/ineyio/quotarouter"
)

// ByName returns the policy configured under name.
func ByName(name string) (quotarouter.Policy, error) {
	switch name {
	case "", quotarouter.PolicyLeastUtilized:
		return &LeastUtilizedPolicy{}, nil
	case quotarouter.PolicyPriority:
		return &PriorityFirstPolicy{}, nil
	default:
		return nil, fmt.Errorf("quotarouter: unknown selection policy %q", name)
	}
}
