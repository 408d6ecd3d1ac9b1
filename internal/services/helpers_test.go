package services

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"entitlesys/internal/config"
	"entitlesys/internal/email"
	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

const testWebhookSecret = "whsec_test_secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts every mutating call that reaches the store.
type countingStore struct {
	store.Store
	writes atomic.Int64
}

func (c *countingStore) CreateAccount(ctx context.Context, email string, tier models.Tier) (models.Account, error) {
	c.writes.Add(1)
	return c.Store.CreateAccount(ctx, email, tier)
}

func (c *countingStore) StartTrial(ctx context.Context, id int64, expiresAt time.Time) (models.Account, error) {
	c.writes.Add(1)
	return c.Store.StartTrial(ctx, id, expiresAt)
}

func (c *countingStore) UpdateTrialStatus(ctx context.Context, id int64, from, to models.TrialStatus, now time.Time) (bool, error) {
	c.writes.Add(1)
	return c.Store.UpdateTrialStatus(ctx, id, from, to, now)
}

func (c *countingStore) RecordNotification(ctx context.Context, id int64, kind models.NotificationKind, single bool) (bool, error) {
	c.writes.Add(1)
	return c.Store.RecordNotification(ctx, id, kind, single)
}

func (c *countingStore) UpsertSubscription(ctx context.Context, w store.SubscriptionWrite, defaultTier models.Tier) (store.UpsertResult, error) {
	c.writes.Add(1)
	return c.Store.UpsertSubscription(ctx, w, defaultTier)
}

type recordingNotifier struct {
	mu       sync.Mutex
	accept   bool
	received []email.TrialReminder
}

func (n *recordingNotifier) Enqueue(r email.TrialReminder) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, r)
	return n.accept
}

func (n *recordingNotifier) Kinds() []models.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NotificationKind
	for _, r := range n.received {
		out = append(out, r.Kind)
	}
	return out
}

type fixture struct {
	svc      *Service
	mem      *store.Memory
	store    *countingStore
	clock    *testClock
	notifier *recordingNotifier
}

func testConfig() config.Config {
	return config.Config{
		StripeWebhookSecret:     testWebhookSecret,
		StripePriceBusiness:     "price_business",
		StripePriceEnterprise:   "price_enterprise",
		StripePriceProfessional: "price_pro",
		StripeTimeout:           time.Second,
		TrialDays:               14,
		TrialReminderDays:       3,
		TrialReminderPolicy:     config.ReminderPolicySingle,
		FreePeriodDays:          30,
		DefaultTier:             "STARTER",
		SweepConcurrency:        4,
	}
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...Option) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newTestClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)
	counting := &countingStore{Store: mem}
	notifier := &recordingNotifier{accept: true}

	all := append([]Option{WithClock(clock.Now), WithNotifier(notifier)}, opts...)
	svc, err := New(counting, mem, cfg, all...)
	require.NoError(t, err)
	return &fixture{svc: svc, mem: mem, store: counting, clock: clock, notifier: notifier}
}

func (f *fixture) account(t *testing.T, addr string) models.Account {
	t.Helper()
	acct, err := f.svc.CreateAccount(context.Background(), addr)
	require.NoError(t, err)
	return acct
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2023-10-16",
		"data":        map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func subscriptionObject(id, customer, status, priceID string, accountID int64, start, end time.Time) map[string]any {
	obj := map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
		"items": map[string]any{
			"data": []map[string]any{{"price": map[string]any{"id": priceID}}},
		},
		"metadata": map[string]string{},
	}
	if accountID > 0 {
		obj["metadata"] = map[string]string{"account_id": strconv.FormatInt(accountID, 10)}
	}
	return obj
}

func (f *fixture) ingest(t *testing.T, payload []byte) (IngestResult, error) {
	t.Helper()
	return f.svc.Ingest(context.Background(), payload, sign(payload, testWebhookSecret))
}
