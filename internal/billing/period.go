package billing

import (
	"time"

	"entitlesys/internal/models"
)

// DefaultFreeWindow is used when no free window length is configured.
const DefaultFreeWindow = 30 * 24 * time.Hour

// CurrentPeriod returns the usage period containing now.
//
// A live subscription whose period has begun owns the window; when a renewal
// has not been delivered yet its bounds are rolled forward by whole period
// lengths. Otherwise the window is a rolling freeWindow anchored at trial
// start, or at account creation for accounts that never started a trial.
func CurrentPeriod(sub *models.Subscription, acct models.Account, now time.Time, freeWindow, trialLength time.Duration) models.Period {
	now = now.UTC()
	if p, ok := subscriptionPeriod(sub, now); ok {
		return p
	}
	if freeWindow <= 0 {
		freeWindow = DefaultFreeWindow
	}
	anchor := acct.CreatedAt
	if acct.TrialStarted && acct.TrialExpiresAt != nil {
		anchor = acct.TrialExpiresAt.Add(-trialLength)
	}
	if anchor.IsZero() || anchor.After(now) {
		anchor = now
	}
	return roll(anchor.UTC().Truncate(time.Second), freeWindow, now)
}

func subscriptionPeriod(sub *models.Subscription, now time.Time) (models.Period, bool) {
	if sub == nil || sub.Status.Terminal() {
		return models.Period{}, false
	}
	start, end := sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC()
	if start.IsZero() || !end.After(start) || now.Before(start) {
		return models.Period{}, false
	}
	return roll(start, end.Sub(start), now), true
}

// roll returns the window of the given length, stepped from anchor by whole
// lengths, that contains now.
func roll(anchor time.Time, length time.Duration, now time.Time) models.Period {
	elapsed := now.Sub(anchor)
	if elapsed < 0 {
		elapsed = 0
	}
	start := anchor.Add(time.Duration(elapsed/length) * length)
	return models.Period{Start: start, End: start.Add(length)}
}
