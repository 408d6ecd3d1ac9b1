// Package store defines the persistence contracts of the entitlement engine
// and ships the in-memory and Redis implementations. The Postgres
// implementation lives in internal/db.
package store

import (
	"context"
	"errors"
	"time"

	"entitlesys/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// SubscriptionWrite carries the fields of one verified event. Zero values
// mean "keep what is stored" for Tier, PriceID, period bounds and
// CancelAtPeriodEnd.
type SubscriptionWrite struct {
	ExternalID        string
	CustomerID        string
	AccountID         int64
	Tier              models.Tier
	PriceID           string
	Status            models.SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd *bool
	EventAt           time.Time
	EventID           string
	// CreateOnly marks a creation event: it inserts the row but never
	// overwrites an existing one, whatever its event time.
	CreateOnly bool
}

type UpsertResult struct {
	Subscription models.Subscription
	// Applied is false when the event was older than the stored state.
	Applied     bool
	AccountTier models.Tier
}

type Store interface {
	CreateAccount(ctx context.Context, email string, tier models.Tier) (models.Account, error)
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	// StartTrial moves a NOT_STARTED account without a live subscription to
	// an active TRIAL. Any other state yields ErrConflict.
	StartTrial(ctx context.Context, id int64, expiresAt time.Time) (models.Account, error)
	ListTrialAccounts(ctx context.Context) ([]int64, error)
	// UpdateTrialStatus writes to only when the stored status is still from.
	// A write to EXPIRED is also refused while a paying subscription whose
	// period has begun exists.
	UpdateTrialStatus(ctx context.Context, id int64, from, to models.TrialStatus, now time.Time) (bool, error)
	// RecordNotification marks kind as sent. With single set, it succeeds
	// only while the account's reminder flag is still clear.
	RecordNotification(ctx context.Context, id int64, kind models.NotificationKind, single bool) (bool, error)

	// UpsertSubscription applies w when it is not older than the stored row
	// and denormalizes the resulting tier onto the account in the same unit
	// of work. A CANCELLED row keeps its status. The account takes the tier
	// of its preferred entitling subscription; without one it falls back to
	// TRIAL while its trial is active, else to defaultTier.
	UpsertSubscription(ctx context.Context, w SubscriptionWrite, defaultTier models.Tier) (UpsertResult, error)
	GetSubscription(ctx context.Context, externalID string) (models.Subscription, error)
	// LiveSubscription returns the account's current non-cancelled
	// subscription, preferring paying ones.
	LiveSubscription(ctx context.Context, accountID int64) (*models.Subscription, error)
	AccountIDForCustomer(ctx context.Context, customerID string) (int64, error)
}

// Counters is the usage meter storage. Add is a single atomic
// increment-if-below-cap: limit < 0 is unlimited, and a refused call leaves
// the counter untouched and returns the current total.
type Counters interface {
	Add(ctx context.Context, accountID int64, period models.Period, resource models.ResourceClass, limit int64) (total int64, applied bool, err error)
	Snapshot(ctx context.Context, accountID int64, period models.Period) (models.UsagePeriod, error)
}

// Unlimited mirrors the limit sentinel understood by Counters.Add.
const Unlimited int64 = -1
