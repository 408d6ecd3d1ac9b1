package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"entitlesys/internal/models"
)

// Memory implements Store and Counters behind one mutex. It keeps the same
// atomicity contract as the Postgres store and backs tests and local runs.
type Memory struct {
	mu       sync.Mutex
	nextAcct int64
	nextSub  int64
	accounts map[int64]*models.Account
	subs     map[string]*models.Subscription
	usage    map[usageKey]*models.UsagePeriod
	now      func() time.Time
}

type usageKey struct {
	accountID int64
	start     int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts: map[int64]*models.Account{},
		subs:     map[string]*models.Subscription{},
		usage:    map[usageKey]*models.UsagePeriod{},
		now:      time.Now,
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) CreateAccount(_ context.Context, email string, tier models.Tier) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.accounts {
		if acct.Email == email {
			return models.Account{}, ErrConflict
		}
	}
	m.nextAcct++
	now := m.now().UTC()
	acct := &models.Account{
		ID:          m.nextAcct,
		Email:       email,
		Tier:        tier,
		TrialStatus: models.TrialNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.accounts[acct.ID] = acct
	return copyAccount(acct), nil
}

func (m *Memory) GetAccount(_ context.Context, id int64) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return copyAccount(acct), nil
}

func (m *Memory) StartTrial(_ context.Context, id int64, expiresAt time.Time) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	if acct.TrialStarted || acct.TrialStatus != models.TrialNotStarted || m.liveLocked(id) != nil {
		return models.Account{}, ErrConflict
	}
	exp := expiresAt.UTC()
	acct.TrialStarted = true
	acct.TrialExpiresAt = &exp
	acct.TrialStatus = models.TrialActive
	acct.Tier = models.TierTrial
	acct.UpdatedAt = m.now().UTC()
	return copyAccount(acct), nil
}

func (m *Memory) ListTrialAccounts(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, acct := range m.accounts {
		if acct.TrialStarted && (acct.TrialStatus == models.TrialActive || acct.TrialStatus == models.TrialExpired) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) UpdateTrialStatus(_ context.Context, id int64, from, to models.TrialStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if acct.TrialStatus != from {
		return false, nil
	}
	if to == models.TrialExpired {
		for _, sub := range m.subs {
			if sub.AccountID == id && sub.Status.Paying() && sub.Begun(now) {
				return false, nil
			}
		}
	}
	acct.TrialStatus = to
	acct.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *Memory) RecordNotification(_ context.Context, id int64, kind models.NotificationKind, single bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if single && acct.TrialReminderSent {
		return false, nil
	}
	if !single && acct.HasNotification(kind) {
		return false, nil
	}
	acct.TrialReminderSent = true
	if !acct.HasNotification(kind) {
		acct.NotificationsSent = append(acct.NotificationsSent, kind)
	}
	acct.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, w SubscriptionWrite, defaultTier models.Tier) (UpsertResult, error) {
	if w.ExternalID == "" {
		return UpsertResult{}, fmt.Errorf("subscription id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	sub, exists := m.subs[w.ExternalID]
	if exists && (w.CreateOnly || w.EventAt.Before(sub.LastEventAt)) {
		acct := m.accounts[sub.AccountID]
		return UpsertResult{Subscription: *sub, Applied: false, AccountTier: acct.Tier}, nil
	}

	var next models.Subscription
	if exists {
		next = *sub
	} else {
		if _, ok := m.accounts[w.AccountID]; !ok {
			return UpsertResult{}, ErrNotFound
		}
		m.nextSub++
		next = models.Subscription{
			ID:                     m.nextSub,
			ExternalSubscriptionID: w.ExternalID,
			AccountID:              w.AccountID,
			Tier:                   defaultTier,
			CreatedAt:              now,
		}
	}
	if w.CustomerID != "" {
		next.ExternalCustomerID = w.CustomerID
	}
	if w.Tier != "" {
		next.Tier = w.Tier
	}
	if w.PriceID != "" {
		next.PriceID = w.PriceID
	}
	if w.Status != "" && !next.Status.Terminal() {
		next.Status = w.Status
	}
	if !w.PeriodStart.IsZero() {
		next.CurrentPeriodStart = w.PeriodStart.UTC()
	}
	if !w.PeriodEnd.IsZero() {
		next.CurrentPeriodEnd = w.PeriodEnd.UTC()
	}
	if w.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *w.CancelAtPeriodEnd
	}
	next.LastEventAt = w.EventAt.UTC()
	next.LastEventID = w.EventID
	next.UpdatedAt = now
	m.subs[w.ExternalID] = &next

	acct := m.accounts[next.AccountID]
	acct.Tier = m.entitledTierLocked(acct, defaultTier)
	acct.UpdatedAt = now
	return UpsertResult{Subscription: next, Applied: true, AccountTier: acct.Tier}, nil
}

func (m *Memory) GetSubscription(_ context.Context, externalID string) (models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[externalID]
	if !ok {
		return models.Subscription{}, ErrNotFound
	}
	return *sub, nil
}

func (m *Memory) LiveSubscription(_ context.Context, accountID int64) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.liveLocked(accountID)
	if live == nil {
		return nil, nil
	}
	out := *live
	return &out, nil
}

func (m *Memory) AccountIDForCustomer(_ context.Context, customerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Subscription
	for _, sub := range m.subs {
		if sub.ExternalCustomerID != customerID {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil || customerID == "" {
		return 0, ErrNotFound
	}
	return best.AccountID, nil
}

func (m *Memory) liveLocked(accountID int64) *models.Subscription {
	var best *models.Subscription
	for _, sub := range m.subs {
		if sub.AccountID != accountID || sub.Status.Terminal() {
			continue
		}
		if best == nil || preferSubscription(sub, best) {
			best = sub
		}
	}
	return best
}

func (m *Memory) entitledTierLocked(acct *models.Account, defaultTier models.Tier) models.Tier {
	var best *models.Subscription
	for _, sub := range m.subs {
		if sub.AccountID != acct.ID || !sub.Status.Entitles() {
			continue
		}
		if best == nil || preferSubscription(sub, best) {
			best = sub
		}
	}
	if best != nil {
		return best.Tier
	}
	if acct.TrialStatus == models.TrialActive && acct.TrialExpiresAt != nil && !m.now().After(*acct.TrialExpiresAt) {
		return models.TierTrial
	}
	return defaultTier
}

// preferSubscription orders live subscriptions: paying first, then the most
// recent period start, then the most recent event.
func preferSubscription(a, b *models.Subscription) bool {
	if a.Status.Paying() != b.Status.Paying() {
		return a.Status.Paying()
	}
	if !a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) {
		return a.CurrentPeriodStart.After(b.CurrentPeriodStart)
	}
	return a.LastEventAt.After(b.LastEventAt)
}

func (m *Memory) Add(_ context.Context, accountID int64, period models.Period, resource models.ResourceClass, limit int64) (int64, bool, error) {
	if !resource.Valid() {
		return 0, false, fmt.Errorf("unknown resource %q", resource)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey{accountID: accountID, start: period.Start.UnixNano()}
	row, ok := m.usage[key]
	current := int64(0)
	if ok {
		current = row.Count(resource)
	}
	if limit >= 0 && current >= limit {
		return current, false, nil
	}
	if !ok {
		row = &models.UsagePeriod{AccountID: accountID, PeriodStart: period.Start, PeriodEnd: period.End}
		m.usage[key] = row
	}
	row.Set(resource, current+1)
	return current + 1, true, nil
}

func (m *Memory) Snapshot(_ context.Context, accountID int64, period models.Period) (models.UsagePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.usage[usageKey{accountID: accountID, start: period.Start.UnixNano()}]
	if !ok {
		return models.UsagePeriod{AccountID: accountID, PeriodStart: period.Start, PeriodEnd: period.End}, nil
	}
	return *row, nil
}

func copyAccount(a *models.Account) models.Account {
	out := *a
	out.NotificationsSent = append([]models.NotificationKind(nil), a.NotificationsSent...)
	if a.TrialExpiresAt != nil {
		exp := *a.TrialExpiresAt
		out.TrialExpiresAt = &exp
	}
	return out
}
