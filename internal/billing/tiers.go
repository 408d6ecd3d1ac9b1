// Package billing holds the pure entitlement rules: price to tier
// resolution, per-tier limits, usage period bounds and trial evaluation.
// Nothing in this package touches storage or the network.
package billing

import (
	"fmt"
	"strings"

	"entitlesys/internal/models"
)

// DefaultPaidTier is returned for any price id without an explicit rule.
const DefaultPaidTier = models.TierProfessional

type PriceRule struct {
	PriceID string      `json:"price_id"`
	Tier    models.Tier `json:"tier"`
}

// TierResolver maps processor price ids to tiers through an ordered table of
// exact matches. The first matching rule wins.
type TierResolver struct {
	rules []PriceRule
}

func NewTierResolver(rules []PriceRule) (*TierResolver, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]PriceRule, 0, len(rules))
	for _, rule := range rules {
		id := strings.TrimSpace(rule.PriceID)
		if id == "" {
			return nil, fmt.Errorf("billing: empty price id for tier %q", rule.Tier)
		}
		if !paidTier(rule.Tier) {
			return nil, fmt.Errorf("billing: price %q maps to non-paid tier %q", id, rule.Tier)
		}
		if seen[id] {
			return nil, fmt.Errorf("billing: duplicate price id %q", id)
		}
		seen[id] = true
		out = append(out, PriceRule{PriceID: id, Tier: rule.Tier})
	}
	return &TierResolver{rules: out}, nil
}

// Resolve returns the tier for priceID, or DefaultPaidTier.
func (r *TierResolver) Resolve(priceID string) models.Tier {
	id := strings.TrimSpace(priceID)
	for _, rule := range r.rules {
		if rule.PriceID == id {
			return rule.Tier
		}
	}
	return DefaultPaidTier
}

func (r *TierResolver) Rules() []PriceRule {
	return append([]PriceRule(nil), r.rules...)
}

func paidTier(t models.Tier) bool {
	switch t {
	case models.TierProfessional, models.TierBusiness, models.TierEnterprise:
		return true
	}
	return false
}
