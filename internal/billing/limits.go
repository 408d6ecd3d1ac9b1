package billing

import (
	"fmt"

	"entitlesys/internal/models"
)

// Unlimited is the limit sentinel that always allows.
const Unlimited int64 = -1

type TierLimits map[models.ResourceClass]int64

// Limits is the per-tier limit table.
type Limits map[models.Tier]TierLimits

// DefaultLimits is the built-in limit table; TIER_LIMITS overrides entries.
var DefaultLimits = Limits{
	models.TierTrial: {
		models.ResourceWorkflowRuns:       100,
		models.ResourceDocumentsProcessed: 25,
		models.ResourceAPICalls:           1_000,
	},
	models.TierStarter: {
		models.ResourceWorkflowRuns:       50,
		models.ResourceDocumentsProcessed: 10,
		models.ResourceAPICalls:           1_000,
	},
	models.TierProfessional: {
		models.ResourceWorkflowRuns:       1_000,
		models.ResourceDocumentsProcessed: 500,
		models.ResourceAPICalls:           50_000,
	},
	models.TierBusiness: {
		models.ResourceWorkflowRuns:       10_000,
		models.ResourceDocumentsProcessed: 5_000,
		models.ResourceAPICalls:           500_000,
	},
	models.TierEnterprise: {
		models.ResourceWorkflowRuns:       Unlimited,
		models.ResourceDocumentsProcessed: Unlimited,
		models.ResourceAPICalls:           Unlimited,
	},
}

// Limit returns the cap for tier/resource. Unknown tiers get zero capacity.
func (l Limits) Limit(tier models.Tier, resource models.ResourceClass) int64 {
	limits, ok := l[tier]
	if !ok {
		return 0
	}
	limit, ok := limits[resource]
	if !ok {
		return 0
	}
	return limit
}

// WithOverrides copies the table and applies raw overrides keyed by tier and
// resource names.
func (l Limits) WithOverrides(raw map[string]map[string]int64) (Limits, error) {
	out := make(Limits, len(l))
	for tier, limits := range l {
		copied := make(TierLimits, len(limits))
		for resource, limit := range limits {
			copied[resource] = limit
		}
		out[tier] = copied
	}
	for rawTier, resources := range raw {
		tier, ok := models.ParseTier(rawTier)
		if !ok {
			return nil, fmt.Errorf("billing: unknown tier %q in limit overrides", rawTier)
		}
		if out[tier] == nil {
			out[tier] = TierLimits{}
		}
		for rawResource, limit := range resources {
			resource := models.ResourceClass(rawResource)
			if !resource.Valid() {
				return nil, fmt.Errorf("billing: unknown resource %q in limit overrides", rawResource)
			}
			if limit < Unlimited {
				return nil, fmt.Errorf("billing: invalid limit %d for %s/%s", limit, tier, resource)
			}
			out[tier][resource] = limit
		}
	}
	return out, nil
}

// Allowed is the decision rule: unlimited, or usage strictly below limit.
func Allowed(limit, usage int64) bool {
	return limit == Unlimited || usage < limit
}

// Remaining is the capacity left after usage; Unlimited for unlimited limits.
func Remaining(limit, usage int64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	if usage >= limit {
		return 0
	}
	return limit - usage
}

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Usage     int64
	Remaining int64
}

// Decide applies the decision rule to a usage snapshot taken before the
// action. Remaining accounts for the unit the action would consume.
func Decide(limit, usage int64) Decision {
	d := Decision{Allowed: Allowed(limit, usage), Limit: limit, Usage: usage}
	switch {
	case limit == Unlimited:
		d.Remaining = Unlimited
	case d.Allowed:
		d.Remaining = Remaining(limit, usage+1)
	default:
		d.Remaining = 0
	}
	return d
}
