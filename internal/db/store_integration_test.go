//go:build integration

package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

func setupPostgres(t *testing.T) (*Store, *Counters) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("entitlesys_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	// applying twice must be harmless
	require.NoError(t, Migrate(ctx, pool))

	return NewStore(pool), NewCounters(pool)
}

func TestPostgresStore(t *testing.T) {
	st, counters := setupPostgres(t)
	ctx := context.Background()

	t.Run("subscription upsert is ordered and idempotent", func(t *testing.T) {
		acct, err := st.CreateAccount(ctx, "ordered@example.com", models.TierStarter)
		require.NoError(t, err)

		t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		w := store.SubscriptionWrite{
			ExternalID:  "sub_ordered",
			CustomerID:  "cus_ordered",
			AccountID:   acct.ID,
			Tier:        models.TierBusiness,
			PriceID:     "price_biz",
			Status:      models.SubscriptionActive,
			PeriodStart: t0,
			PeriodEnd:   t0.AddDate(0, 1, 0),
			EventAt:     t0.Add(time.Minute),
			EventID:     "evt_1",
		}
		first, err := st.UpsertSubscription(ctx, w, models.TierStarter)
		require.NoError(t, err)
		require.True(t, first.Applied)
		assert.Equal(t, models.TierBusiness, first.AccountTier)

		again, err := st.UpsertSubscription(ctx, w, models.TierStarter)
		require.NoError(t, err)
		assert.Equal(t, first.Subscription.ID, again.Subscription.ID)
		assert.Equal(t, first.Subscription.Status, again.Subscription.Status)
		assert.True(t, first.Subscription.CurrentPeriodEnd.Equal(again.Subscription.CurrentPeriodEnd))

		stale, err := st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_ordered",
			Status:     models.SubscriptionPastDue,
			EventAt:    t0,
			EventID:    "evt_0",
		}, models.TierStarter)
		require.NoError(t, err)
		assert.False(t, stale.Applied)
		assert.Equal(t, models.SubscriptionActive, stale.Subscription.Status)

		cancelled, err := st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_ordered",
			Status:     models.SubscriptionCancelled,
			EventAt:    t0.Add(time.Hour),
			EventID:    "evt_2",
		}, models.TierStarter)
		require.NoError(t, err)
		assert.True(t, cancelled.Applied)
		assert.Equal(t, models.TierStarter, cancelled.AccountTier)
		assert.Equal(t, "price_biz", cancelled.Subscription.PriceID)

		owner, err := st.AccountIDForCustomer(ctx, "cus_ordered")
		require.NoError(t, err)
		assert.Equal(t, acct.ID, owner)

		_, err = st.UpsertSubscription(ctx, store.SubscriptionWrite{ExternalID: "sub_orphan", AccountID: 999999, EventAt: t0}, models.TierStarter)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("same second events keep the newer state", func(t *testing.T) {
		acct, err := st.CreateAccount(ctx, "tie@example.com", models.TierStarter)
		require.NoError(t, err)
		t0 := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

		_, err = st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_tie", AccountID: acct.ID, Tier: models.TierBusiness,
			Status: models.SubscriptionActive, PeriodStart: t0, PeriodEnd: t0.AddDate(0, 1, 0),
			EventAt: t0, EventID: "evt_update",
		}, models.TierStarter)
		require.NoError(t, err)

		created, err := st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_tie", AccountID: acct.ID, Tier: models.TierBusiness,
			Status: models.SubscriptionIncomplete, EventAt: t0, EventID: "evt_create", CreateOnly: true,
		}, models.TierStarter)
		require.NoError(t, err)
		assert.False(t, created.Applied)
		assert.Equal(t, models.SubscriptionActive, created.Subscription.Status)
		assert.Equal(t, models.TierBusiness, created.AccountTier)

		_, err = st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_tie", Status: models.SubscriptionCancelled, EventAt: t0.Add(time.Second), EventID: "evt_delete",
		}, models.TierStarter)
		require.NoError(t, err)
		revived, err := st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_tie", Status: models.SubscriptionActive, EventAt: t0.Add(time.Second), EventID: "evt_late",
		}, models.TierStarter)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionCancelled, revived.Subscription.Status)
		assert.Equal(t, models.TierStarter, revived.AccountTier)
	})

	t.Run("unpaid subscription leaves a running trial in place", func(t *testing.T) {
		acct, err := st.CreateAccount(ctx, "unpaid@example.com", models.TierStarter)
		require.NoError(t, err)
		now := time.Now().UTC()
		_, err = st.StartTrial(ctx, acct.ID, now.Add(14*24*time.Hour))
		require.NoError(t, err)

		res, err := st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_unpaid", AccountID: acct.ID, Tier: models.TierBusiness,
			Status: models.SubscriptionIncomplete, EventAt: now, EventID: "evt_u1",
		}, models.TierStarter)
		require.NoError(t, err)
		assert.Equal(t, models.TierTrial, res.AccountTier)

		res, err = st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID: "sub_unpaid", Status: models.SubscriptionCancelled, EventAt: now.Add(time.Minute), EventID: "evt_u2",
		}, models.TierStarter)
		require.NoError(t, err)
		assert.Equal(t, models.TierTrial, res.AccountTier)
	})

	t.Run("trial lifecycle writes are conditional", func(t *testing.T) {
		acct, err := st.CreateAccount(ctx, "trial@example.com", models.TierStarter)
		require.NoError(t, err)
		_, err = st.CreateAccount(ctx, "trial@example.com", models.TierStarter)
		assert.ErrorIs(t, err, store.ErrConflict)

		now := time.Now().UTC()
		started, err := st.StartTrial(ctx, acct.ID, now.Add(14*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.TierTrial, started.Tier)
		assert.Equal(t, models.TrialActive, started.TrialStatus)

		_, err = st.StartTrial(ctx, acct.ID, now)
		assert.ErrorIs(t, err, store.ErrConflict)

		ok, err := st.UpdateTrialStatus(ctx, acct.ID, models.TrialNotStarted, models.TrialExpired, now)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID:  "sub_trial",
			AccountID:   acct.ID,
			Tier:        models.TierProfessional,
			Status:      models.SubscriptionActive,
			PeriodStart: now.Add(-time.Hour),
			PeriodEnd:   now.Add(720 * time.Hour),
			EventAt:     now,
		}, models.TierStarter)
		require.NoError(t, err)

		ok, err = st.UpdateTrialStatus(ctx, acct.ID, models.TrialActive, models.TrialExpired, now)
		require.NoError(t, err)
		assert.False(t, ok, "paying subscription blocks expiry")

		ok, err = st.UpdateTrialStatus(ctx, acct.ID, models.TrialActive, models.TrialSubscribed, now)
		require.NoError(t, err)
		assert.True(t, ok)

		sent, err := st.RecordNotification(ctx, acct.ID, models.NotificationTrialEndingSoon, true)
		require.NoError(t, err)
		assert.True(t, sent)
		sent, err = st.RecordNotification(ctx, acct.ID, models.NotificationTrialExpired, true)
		require.NoError(t, err)
		assert.False(t, sent)

		got, err := st.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TierProfessional, got.Tier)
		assert.Equal(t, []models.NotificationKind{models.NotificationTrialEndingSoon}, got.NotificationsSent)

		live, err := st.LiveSubscription(ctx, acct.ID)
		require.NoError(t, err)
		require.NotNil(t, live)
		assert.Equal(t, "sub_trial", live.ExternalSubscriptionID)
	})

	t.Run("usage counters cap under concurrency", func(t *testing.T) {
		acct, err := st.CreateAccount(ctx, "usage@example.com", models.TierStarter)
		require.NoError(t, err)
		start := time.Now().UTC().Truncate(time.Second)
		period := models.Period{Start: start, End: start.Add(30 * 24 * time.Hour)}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, applied, err := counters.Add(ctx, acct.ID, period, models.ResourceDocumentsProcessed, 10)
				assert.NoError(t, err)
				if applied {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 10, granted)

		total, applied, err := counters.Add(ctx, acct.ID, period, models.ResourceWorkflowRuns, 0)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Zero(t, total)

		snap, err := counters.Snapshot(ctx, acct.ID, period)
		require.NoError(t, err)
		assert.Equal(t, int64(10), snap.DocumentsProcessed)
		assert.Zero(t, snap.WorkflowRuns)

		_, _, err = counters.Add(ctx, 999999, period, models.ResourceAPICalls, store.Unlimited)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
