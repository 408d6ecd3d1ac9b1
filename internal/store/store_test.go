package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlesys/internal/models"
)

func testPeriod() models.Period {
	start := time.Now().UTC().Truncate(time.Second)
	return models.Period{Start: start, End: start.Add(30 * 24 * time.Hour)}
}

func newRedisCounters(t *testing.T) (*RedisCounters, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounters(client, time.Hour), mr
}

func counterBackends(t *testing.T) map[string]Counters {
	rc, _ := newRedisCounters(t)
	return map[string]Counters{
		"memory": NewMemory(),
		"redis":  rc,
	}
}

func TestCountersConcurrentIncrements(t *testing.T) {
	for name, counters := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			period := testPeriod()
			const n = 50

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, applied, err := counters.Add(ctx, 7, period, models.ResourceAPICalls, Unlimited)
					assert.NoError(t, err)
					assert.True(t, applied)
				}()
			}
			wg.Wait()

			snap, err := counters.Snapshot(ctx, 7, period)
			require.NoError(t, err)
			assert.Equal(t, int64(n), snap.APICalls)
			assert.Zero(t, snap.WorkflowRuns)
		})
	}
}

func TestCountersNeverOvershootCap(t *testing.T) {
	for name, counters := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			period := testPeriod()
			const limit = 10

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				granted int
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, applied, err := counters.Add(ctx, 3, period, models.ResourceDocumentsProcessed, limit)
					assert.NoError(t, err)
					if applied {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, limit, granted)
			snap, err := counters.Snapshot(ctx, 3, period)
			require.NoError(t, err)
			assert.Equal(t, int64(limit), snap.DocumentsProcessed)

			total, applied, err := counters.Add(ctx, 3, period, models.ResourceDocumentsProcessed, limit)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Equal(t, int64(limit), total)
		})
	}
}

func TestCountersZeroLimitDeniesWithoutWrite(t *testing.T) {
	for name, counters := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			period := testPeriod()
			total, applied, err := counters.Add(ctx, 1, period, models.ResourceWorkflowRuns, 0)
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Zero(t, total)
		})
	}
}

func TestCountersPeriodsAreIndependent(t *testing.T) {
	for name, counters := range counterBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := testPeriod()
			second := models.Period{Start: first.End, End: first.End.Add(first.End.Sub(first.Start))}

			_, _, err := counters.Add(ctx, 1, first, models.ResourceWorkflowRuns, 1)
			require.NoError(t, err)
			total, applied, err := counters.Add(ctx, 1, second, models.ResourceWorkflowRuns, 1)
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, int64(1), total)
		})
	}
}

func TestRedisCountersExpire(t *testing.T) {
	rc, mr := newRedisCounters(t)
	ctx := context.Background()
	period := testPeriod()

	_, _, err := rc.Add(ctx, 9, period, models.ResourceAPICalls, Unlimited)
	require.NoError(t, err)
	key := usageHashKey(9, period)
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), 30*24*time.Hour)
}

func TestRedisCountersRejectUnknownResource(t *testing.T) {
	rc, _ := newRedisCounters(t)
	_, _, err := rc.Add(context.Background(), 1, testPeriod(), models.ResourceClass("pages"), 5)
	assert.Error(t, err)
}

func TestMemoryStartTrial(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct, err := m.CreateAccount(ctx, "a@example.com", models.TierStarter)
	require.NoError(t, err)

	_, err = m.CreateAccount(ctx, "a@example.com", models.TierStarter)
	assert.ErrorIs(t, err, ErrConflict)

	expires := time.Now().Add(14 * 24 * time.Hour)
	started, err := m.StartTrial(ctx, acct.ID, expires)
	require.NoError(t, err)
	assert.True(t, started.TrialStarted)
	assert.Equal(t, models.TierTrial, started.Tier)
	assert.Equal(t, models.TrialActive, started.TrialStatus)

	_, err = m.StartTrial(ctx, acct.ID, expires)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.StartTrial(ctx, 999, expires)
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := m.ListTrialAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{acct.ID}, ids)
}

func TestMemoryUpsertOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct, err := m.CreateAccount(ctx, "b@example.com", models.TierStarter)
	require.NoError(t, err)

	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	res, err := m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID:  "sub_1",
		CustomerID:  "cus_1",
		AccountID:   acct.ID,
		Tier:        models.TierBusiness,
		Status:      models.SubscriptionActive,
		PeriodStart: t0,
		PeriodEnd:   t0.AddDate(0, 1, 0),
		EventAt:     t0.Add(time.Minute),
		EventID:     "evt_2",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, models.TierBusiness, res.AccountTier)

	stale, err := m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1",
		Status:     models.SubscriptionPastDue,
		EventAt:    t0,
		EventID:    "evt_1",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.False(t, stale.Applied)
	assert.Equal(t, models.SubscriptionActive, stale.Subscription.Status)

	cancelled, err := m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1",
		Status:     models.SubscriptionCancelled,
		EventAt:    t0.Add(time.Hour),
		EventID:    "evt_3",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.True(t, cancelled.Applied)
	assert.Equal(t, models.TierStarter, cancelled.AccountTier)
	assert.Equal(t, models.TierBusiness, cancelled.Subscription.Tier)
	assert.Equal(t, acct.ID, cancelled.Subscription.AccountID)

	owner, err := m.AccountIDForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, owner)

	_, err = m.UpsertSubscription(ctx, SubscriptionWrite{ExternalID: "sub_2", AccountID: 404, EventAt: t0}, models.TierStarter)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertCreateOnlyAndCancelledStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct, err := m.CreateAccount(ctx, "d@example.com", models.TierStarter)
	require.NoError(t, err)
	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	res, err := m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1", AccountID: acct.ID, Tier: models.TierProfessional,
		Status: models.SubscriptionActive, PeriodStart: t0, PeriodEnd: t0.AddDate(0, 1, 0),
		EventAt: t0, EventID: "evt_update",
	}, models.TierStarter)
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1", AccountID: acct.ID, Tier: models.TierProfessional,
		Status: models.SubscriptionIncomplete, EventAt: t0, EventID: "evt_create", CreateOnly: true,
	}, models.TierStarter)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, models.SubscriptionActive, res.Subscription.Status)
	assert.Equal(t, models.TierProfessional, res.AccountTier)

	_, err = m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1", Status: models.SubscriptionCancelled, EventAt: t0.Add(time.Second), EventID: "evt_delete",
	}, models.TierStarter)
	require.NoError(t, err)
	res, err = m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_1", Status: models.SubscriptionActive, EventAt: t0.Add(time.Second), EventID: "evt_late",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, res.Subscription.Status)
	assert.Equal(t, models.TierStarter, res.AccountTier)
}

func TestMemoryTierFallsBackToRunningTrial(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	acct, err := m.CreateAccount(ctx, "e@example.com", models.TierStarter)
	require.NoError(t, err)
	_, err = m.StartTrial(ctx, acct.ID, now.Add(14*24*time.Hour))
	require.NoError(t, err)

	res, err := m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_unpaid", AccountID: acct.ID, Tier: models.TierBusiness,
		Status: models.SubscriptionIncomplete, EventAt: now, EventID: "evt_1",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, res.AccountTier)

	res, err = m.UpsertSubscription(ctx, SubscriptionWrite{
		ExternalID: "sub_unpaid", Status: models.SubscriptionCancelled, EventAt: now.Add(time.Minute), EventID: "evt_2",
	}, models.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, res.AccountTier)
}

func TestMemoryRecordNotificationPolicies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct, err := m.CreateAccount(ctx, "c@example.com", models.TierStarter)
	require.NoError(t, err)

	ok, err := m.RecordNotification(ctx, acct.ID, models.NotificationTrialEndingSoon, true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.RecordNotification(ctx, acct.ID, models.NotificationTrialExpired, true)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.RecordNotification(ctx, acct.ID, models.NotificationTrialExpired, false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.RecordNotification(ctx, acct.ID, models.NotificationTrialExpired, false)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := m.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.TrialReminderSent)
	assert.ElementsMatch(t, []models.NotificationKind{models.NotificationTrialEndingSoon, models.NotificationTrialExpired}, got.NotificationsSent)
}
