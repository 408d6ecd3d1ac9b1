package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"entitlesys/internal/billing"
	"entitlesys/internal/metrics"
	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

// Decision is the outcome of CheckAndReserve. Remaining is billing.Unlimited
// for unlimited tiers.
type Decision struct {
	Allowed   bool                 `json:"allowed"`
	Remaining int64                `json:"remaining"`
	Limit     int64                `json:"limit"`
	Usage     int64                `json:"usage"`
	Tier      models.Tier          `json:"tier"`
	Resource  models.ResourceClass `json:"resource"`
	Period    models.Period        `json:"-"`
}

// ResourceUsage reports one counter. Allowed tells whether the next unit
// would currently be accepted.
type ResourceUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Allowed   bool  `json:"allowed"`
}

type UsageReport struct {
	AccountID   int64                                  `json:"account_id"`
	Tier        models.Tier                            `json:"tier"`
	PeriodStart time.Time                              `json:"period_start"`
	PeriodEnd   time.Time                              `json:"period_end"`
	Resources   map[models.ResourceClass]ResourceUsage `json:"resources"`
}

// currentPeriod resolves the account's open usage period from its live
// subscription or its trial window.
func (s *Service) currentPeriod(ctx context.Context, acct models.Account) (models.Period, error) {
	period, _, err := s.entitlement(ctx, acct)
	return period, err
}

// entitlement returns the open usage period and the tier enforced within it.
func (s *Service) entitlement(ctx context.Context, acct models.Account) (models.Period, models.Tier, error) {
	sub, err := s.store.LiveSubscription(ctx, acct.ID)
	if err != nil {
		return models.Period{}, "", storageErr(err)
	}
	now := s.now()
	period := billing.CurrentPeriod(sub, acct, now, s.config.FreePeriod(), s.config.TrialLength())
	return period, s.effectiveTier(acct, sub, now), nil
}

// effectiveTier is the stored tier, except that a TRIAL tier is enforced as
// the default tier once the trial is no longer active. The stored tier only
// changes on subscription events.
func (s *Service) effectiveTier(acct models.Account, sub *models.Subscription, now time.Time) models.Tier {
	if acct.Tier == models.TierTrial && billing.EvaluateTrial(acct, sub, now) != models.TrialActive {
		return s.defaultTier
	}
	return acct.Tier
}

func (s *Service) account(ctx context.Context, accountID int64) (models.Account, error) {
	if accountID <= 0 {
		return models.Account{}, ErrInvalidRequest
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return models.Account{}, storageErr(err)
	}
	return acct, nil
}

func validResource(resource models.ResourceClass) error {
	if !resource.Valid() {
		return fmt.Errorf("%w: unknown resource %q", ErrInvalidRequest, resource)
	}
	return nil
}

// Increment records one unit of consumption without a cap. It is a single
// atomic storage operation.
func (s *Service) Increment(ctx context.Context, accountID int64, resource models.ResourceClass) (int64, error) {
	if err := validResource(resource); err != nil {
		return 0, err
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	period, err := s.currentPeriod(ctx, acct)
	if err != nil {
		return 0, err
	}
	total, _, err := s.counters.Add(ctx, acct.ID, period, resource, store.Unlimited)
	if err != nil {
		return 0, storageErr(err)
	}
	metrics.UsageIncrementsTotal.WithLabelValues(string(resource)).Inc()
	return total, nil
}

// Read returns the current period's total for display. Gating decisions go
// through CheckAndReserve.
func (s *Service) Read(ctx context.Context, accountID int64, resource models.ResourceClass) (int64, error) {
	if err := validResource(resource); err != nil {
		return 0, err
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	period, err := s.currentPeriod(ctx, acct)
	if err != nil {
		return 0, err
	}
	snap, err := s.counters.Snapshot(ctx, acct.ID, period)
	if err != nil {
		return 0, storageErr(err)
	}
	return snap.Count(resource), nil
}

// Usage reports every resource of the current period against its limit.
func (s *Service) Usage(ctx context.Context, accountID int64) (UsageReport, error) {
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return UsageReport{}, err
	}
	period, tier, err := s.entitlement(ctx, acct)
	if err != nil {
		return UsageReport{}, err
	}
	snap, err := s.counters.Snapshot(ctx, acct.ID, period)
	if err != nil {
		return UsageReport{}, storageErr(err)
	}
	report := UsageReport{
		AccountID:   acct.ID,
		Tier:        tier,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Resources:   make(map[models.ResourceClass]ResourceUsage, len(models.AllResources)),
	}
	for _, resource := range models.AllResources {
		used := snap.Count(resource)
		d := billing.Decide(s.limits.Limit(tier, resource), used)
		report.Resources[resource] = ResourceUsage{
			Used:      used,
			Limit:     d.Limit,
			Remaining: billing.Remaining(d.Limit, used),
			Allowed:   d.Allowed,
		}
	}
	return report, nil
}

// CheckAndReserve consumes one unit of resource for accountID when the
// tier's limit allows it. The check and the increment are one atomic
// storage operation. A denial returns the decision together with
// ErrLimitExceeded.
func (s *Service) CheckAndReserve(ctx context.Context, tier models.Tier, resource models.ResourceClass, accountID int64) (Decision, error) {
	if !tier.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, tier)
	}
	if err := validResource(resource); err != nil {
		return Decision{}, err
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	period, err := s.currentPeriod(ctx, acct)
	if err != nil {
		return Decision{}, err
	}

	limit := s.limits.Limit(tier, resource)
	total, applied, err := s.counters.Add(ctx, acct.ID, period, resource, limit)
	if err != nil {
		return Decision{}, storageErr(err)
	}
	d := Decision{
		Allowed:  applied,
		Limit:    limit,
		Usage:    total,
		Tier:     tier,
		Resource: resource,
		Period:   period,
	}
	if applied {
		d.Remaining = billing.Remaining(limit, total)
		metrics.LimitDecisionsTotal.WithLabelValues(string(tier), string(resource), "allowed").Inc()
		return d, nil
	}
	metrics.LimitDecisionsTotal.WithLabelValues(string(tier), string(resource), "denied").Inc()
	log.Info().
		Int64("account_id", acct.ID).
		Str("tier", string(tier)).
		Str("resource", string(resource)).
		Int64("usage", total).
		Int64("limit", limit).
		Msg("usage limit reached")
	return d, fmt.Errorf("%w: %s limit %d reached for tier %s", ErrLimitExceeded, resource, limit, tier)
}

// Reserve runs CheckAndReserve against the account's denormalized tier, or
// the default tier once a trial has lapsed.
func (s *Service) Reserve(ctx context.Context, accountID int64, resource models.ResourceClass) (Decision, error) {
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	_, tier, err := s.entitlement(ctx, acct)
	if err != nil {
		return Decision{}, err
	}
	return s.CheckAndReserve(ctx, tier, resource, accountID)
}
