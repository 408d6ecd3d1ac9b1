package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRIAL_DAYS", "")
	t.Setenv("STRIPE_PRICE_TIERS", "")
	cfg := Load()
	assert.Equal(t, 14, cfg.TrialDays)
	assert.Equal(t, 3, cfg.TrialReminderDays)
	assert.Equal(t, ReminderPolicySingle, cfg.TrialReminderPolicy)
	assert.Equal(t, UsageBackendPostgres, cfg.UsageBackend)
	assert.Equal(t, 14*24*time.Hour, cfg.TrialLength())
	assert.Equal(t, 10*time.Second, cfg.StripeTimeout)
}

func TestPriceTableOrdering(t *testing.T) {
	t.Setenv("STRIPE_PRICE_TIERS", `[{"price_id":"price_ent_annual","tier":"ENTERPRISE"}]`)
	t.Setenv("STRIPE_PRICE_BUSINESS", "price_biz")
	t.Setenv("STRIPE_PRICE_ENTERPRISE", "")
	t.Setenv("STRIPE_PRICE_PROFESSIONAL", "price_pro")
	cfg := Load()

	table := cfg.PriceTable()
	require.Len(t, table, 3)
	assert.Equal(t, "price_ent_annual", table[0].PriceID)
	assert.Equal(t, "price_biz", table[1].PriceID)
	assert.Equal(t, "price_pro", table[2].PriceID)

	price, ok := cfg.PriceForTier("business")
	require.True(t, ok)
	assert.Equal(t, "price_biz", price)
	_, ok = cfg.PriceForTier("STARTER")
	assert.False(t, ok)
}

func TestPriceTableSkipsIDsAlreadyListed(t *testing.T) {
	cfg := Config{
		StripePriceTiers:        []PriceTier{{PriceID: "price_biz", Tier: "BUSINESS"}, {PriceID: "price_pro", Tier: "PROFESSIONAL"}},
		StripePriceBusiness:     "price_biz",
		StripePriceProfessional: " price_pro ",
		StripePriceEnterprise:   "price_ent",
	}
	assert.Equal(t, []PriceTier{
		{PriceID: "price_biz", Tier: "BUSINESS"},
		{PriceID: "price_pro", Tier: "PROFESSIONAL"},
		{PriceID: "price_ent", Tier: "ENTERPRISE"},
	}, cfg.PriceTable())
}

func TestEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("NOTIFY_TIMEOUT", "soon")
	assert.Equal(t, 10*time.Second, Load().NotifyTimeout)
}

func TestTierLimitsOverride(t *testing.T) {
	t.Setenv("TIER_LIMITS", `{"STARTER":{"documents_processed":3}}`)
	cfg := Load()
	require.NotNil(t, cfg.TierLimits)
	assert.Equal(t, int64(3), cfg.TierLimits["STARTER"]["documents_processed"])
}
