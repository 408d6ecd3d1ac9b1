package billing

import (
	"time"

	"entitlesys/internal/models"
)

const day = 24 * time.Hour

// EvaluateTrial computes the trial status of acct at now.
//
// SUBSCRIBED wins whenever a paying subscription's period has begun, and is
// sticky once persisted. An expired trial reads EXPIRED only after now is
// strictly past trial_expires_at.
func EvaluateTrial(acct models.Account, sub *models.Subscription, now time.Time) models.TrialStatus {
	if sub != nil && sub.Status.Paying() && sub.Begun(now) {
		return models.TrialSubscribed
	}
	if acct.TrialStatus == models.TrialSubscribed {
		return models.TrialSubscribed
	}
	if !acct.TrialStarted || acct.TrialExpiresAt == nil {
		return models.TrialNotStarted
	}
	if now.After(*acct.TrialExpiresAt) {
		return models.TrialExpired
	}
	return models.TrialActive
}

// DaysRemaining rounds the time left in the trial up to whole days.
func DaysRemaining(acct models.Account, now time.Time) int {
	if acct.TrialExpiresAt == nil {
		return 0
	}
	left := acct.TrialExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + day - 1) / day)
}

// ReminderDue returns the reminder owed for status, if any. With perKind
// false a single sent flag gates every kind; with perKind true each kind is
// sent at most once.
func ReminderDue(acct models.Account, status models.TrialStatus, now time.Time, window time.Duration, perKind bool) (models.NotificationKind, bool) {
	var kind models.NotificationKind
	switch status {
	case models.TrialActive:
		if acct.TrialExpiresAt == nil || acct.TrialExpiresAt.Sub(now) > window {
			return "", false
		}
		kind = models.NotificationTrialEndingSoon
	case models.TrialExpired:
		kind = models.NotificationTrialExpired
	default:
		return "", false
	}
	if perKind {
		return kind, !acct.HasNotification(kind)
	}
	return kind, !acct.TrialReminderSent
}
