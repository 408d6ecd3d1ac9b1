package models

import (
	"strings"
	"time"
)

type Tier string

const (
	TierTrial        Tier = "TRIAL"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierBusiness     Tier = "BUSINESS"
	TierEnterprise   Tier = "ENTERPRISE"
)

// AllTiers is ordered from the least to the most capable tier.
var AllTiers = []Tier{TierTrial, TierStarter, TierProfessional, TierBusiness, TierEnterprise}

func (t Tier) Valid() bool {
	for _, known := range AllTiers {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTier accepts tier names in any case.
func ParseTier(raw string) (Tier, bool) {
	t := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	return t, t.Valid()
}

type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "ACTIVE"
	SubscriptionTrialing   SubscriptionStatus = "TRIALING"
	SubscriptionPastDue    SubscriptionStatus = "PAST_DUE"
	SubscriptionUnpaid     SubscriptionStatus = "UNPAID"
	SubscriptionIncomplete SubscriptionStatus = "INCOMPLETE"
	SubscriptionPaused     SubscriptionStatus = "PAUSED"
	SubscriptionCancelled  SubscriptionStatus = "CANCELLED"
)

// SubscriptionStatusFromStripe maps the processor's lowercase status strings.
func SubscriptionStatusFromStripe(raw string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "past_due":
		return SubscriptionPastDue
	case "unpaid":
		return SubscriptionUnpaid
	case "incomplete":
		return SubscriptionIncomplete
	case "paused":
		return SubscriptionPaused
	case "canceled", "cancelled", "incomplete_expired":
		return SubscriptionCancelled
	default:
		return ""
	}
}

// Terminal reports whether the status ends the subscription's entitlement.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCancelled
}

// Paying reports whether a subscription in this status counts as a paid
// subscription for the trial lifecycle.
func (s SubscriptionStatus) Paying() bool {
	return s == SubscriptionActive || s == SubscriptionPastDue
}

// Entitles reports whether a subscription in this status grants its tier.
// Unpaid, incomplete and paused subscriptions stay on record without
// granting anything.
func (s SubscriptionStatus) Entitles() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing || s == SubscriptionPastDue
}

type ResourceClass string

const (
	ResourceWorkflowRuns       ResourceClass = "workflow_runs"
	ResourceDocumentsProcessed ResourceClass = "documents_processed"
	ResourceAPICalls           ResourceClass = "api_calls"
)

var AllResources = []ResourceClass{ResourceWorkflowRuns, ResourceDocumentsProcessed, ResourceAPICalls}

func (r ResourceClass) Valid() bool {
	switch r {
	case ResourceWorkflowRuns, ResourceDocumentsProcessed, ResourceAPICalls:
		return true
	}
	return false
}

type TrialStatus string

const (
	TrialNotStarted TrialStatus = "NOT_STARTED"
	TrialActive     TrialStatus = "ACTIVE"
	TrialExpired    TrialStatus = "EXPIRED"
	TrialSubscribed TrialStatus = "SUBSCRIBED"
)

type NotificationKind string

const (
	NotificationTrialEndingSoon NotificationKind = "TRIAL_ENDING_SOON"
	NotificationTrialExpired    NotificationKind = "TRIAL_EXPIRED"
)

type Account struct {
	ID                int64
	Email             string
	Tier              Tier
	TrialStarted      bool
	TrialExpiresAt    *time.Time
	TrialReminderSent bool
	TrialStatus       TrialStatus
	NotificationsSent []NotificationKind
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasNotification reports whether a reminder of the given kind was recorded.
func (a Account) HasNotification(kind NotificationKind) bool {
	for _, k := range a.NotificationsSent {
		if k == kind {
			return true
		}
	}
	return false
}

type Subscription struct {
	ID                     int64
	ExternalSubscriptionID string
	ExternalCustomerID     string
	AccountID              int64
	Tier                   Tier
	PriceID                string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	LastEventAt            time.Time
	LastEventID            string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Begun reports whether the subscription's current period has started at now.
func (s Subscription) Begun(now time.Time) bool {
	return !s.CurrentPeriodStart.IsZero() && !now.Before(s.CurrentPeriodStart)
}

// Period is a half-open [Start, End) usage window.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

type UsagePeriod struct {
	AccountID          int64
	PeriodStart        time.Time
	PeriodEnd          time.Time
	WorkflowRuns       int64
	DocumentsProcessed int64
	APICalls           int64
}

// Count returns the counter for one resource class.
func (u UsagePeriod) Count(resource ResourceClass) int64 {
	switch resource {
	case ResourceWorkflowRuns:
		return u.WorkflowRuns
	case ResourceDocumentsProcessed:
		return u.DocumentsProcessed
	case ResourceAPICalls:
		return u.APICalls
	}
	return 0
}

// Set overwrites one counter; used by stores when assembling snapshots.
func (u *UsagePeriod) Set(resource ResourceClass, value int64) {
	switch resource {
	case ResourceWorkflowRuns:
		u.WorkflowRuns = value
	case ResourceDocumentsProcessed:
		u.DocumentsProcessed = value
	case ResourceAPICalls:
		u.APICalls = value
	}
}
