package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

// Store is the Postgres implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `a.id, a.email, a.tier, a.trial_started, a.trial_expires_at, a.trial_reminder_sent,
	a.trial_status, a.created_at, a.updated_at,
	(SELECT COALESCE(array_agg(n.kind ORDER BY n.sent_at), '{}') FROM account_notifications n WHERE n.account_id = a.id)`

const subscriptionColumns = `id, external_subscription_id, external_customer_id, account_id, tier, price_id, status,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at, last_event_id, created_at, updated_at`

// liveOrder puts paying subscriptions first.
const liveOrder = `ORDER BY (status IN ('ACTIVE', 'PAST_DUE')) DESC, current_period_start DESC NULLS LAST, last_event_at DESC`

func scanAccount(row pgx.Row) (models.Account, error) {
	var (
		acct  models.Account
		tier  string
		trial string
		kinds []string
	)
	err := row.Scan(&acct.ID, &acct.Email, &tier, &acct.TrialStarted, &acct.TrialExpiresAt, &acct.TrialReminderSent,
		&trial, &acct.CreatedAt, &acct.UpdatedAt, &kinds)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, store.ErrNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	acct.Tier = models.Tier(tier)
	acct.TrialStatus = models.TrialStatus(trial)
	for _, k := range kinds {
		acct.NotificationsSent = append(acct.NotificationsSent, models.NotificationKind(k))
	}
	return acct, nil
}

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var (
		sub         models.Subscription
		tier        string
		status      string
		periodStart *time.Time
		periodEnd   *time.Time
	)
	err := row.Scan(&sub.ID, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID, &sub.AccountID, &tier, &sub.PriceID,
		&status, &periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &sub.LastEventAt, &sub.LastEventID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return models.Subscription{}, err
	}
	sub.Tier = models.Tier(tier)
	sub.Status = models.SubscriptionStatus(status)
	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return sub, nil
}

func (s *Store) CreateAccount(ctx context.Context, email string, tier models.Tier) (models.Account, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, tier, trial_status)
		VALUES ($1, $2, $3)
		RETURNING id`, email, tier, models.TrialNotStarted).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Account{}, store.ErrConflict
		}
		return models.Account{}, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1`, id))
}

func (s *Store) StartTrial(ctx context.Context, id int64, expiresAt time.Time) (models.Account, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET trial_started = TRUE, trial_expires_at = $2, trial_status = $3, tier = $4, updated_at = NOW()
		WHERE id = $1 AND NOT trial_started AND trial_status = $5
			AND NOT EXISTS (
				SELECT 1 FROM subscriptions WHERE account_id = $1 AND status <> $6
			)`,
		id, expiresAt.UTC(), models.TrialActive, models.TierTrial, models.TrialNotStarted, models.SubscriptionCancelled)
	if err != nil {
		return models.Account{}, err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return models.Account{}, err
		}
		return models.Account{}, store.ErrConflict
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) ListTrialAccounts(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM accounts
		WHERE trial_started AND trial_status IN ($1, $2)
		ORDER BY id`, models.TrialActive, models.TrialExpired)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *Store) UpdateTrialStatus(ctx context.Context, id int64, from, to models.TrialStatus, now time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET trial_status = $3::text, updated_at = NOW()
		WHERE id = $1 AND trial_status = $2
			AND ($3::text <> $4 OR NOT EXISTS (
				SELECT 1 FROM subscriptions
				WHERE account_id = $1 AND status IN ($5, $6) AND current_period_start <= $7
			))`,
		id, from, string(to), models.TrialExpired, models.SubscriptionActive, models.SubscriptionPastDue, now.UTC())
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RecordNotification(ctx context.Context, id int64, kind models.NotificationKind, single bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if single {
		ct, err := tx.Exec(ctx, `
			UPDATE accounts SET trial_reminder_sent = TRUE, updated_at = NOW()
			WHERE id = $1 AND NOT trial_reminder_sent`, id)
		if err != nil {
			return false, err
		}
		if ct.RowsAffected() == 0 {
			if _, err := s.GetAccount(ctx, id); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO account_notifications (account_id, kind)
		VALUES ($1, $2)
		ON CONFLICT (account_id, kind) DO NOTHING`, id, kind)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, store.ErrNotFound
		}
		return false, err
	}
	if !single {
		if ct.RowsAffected() == 0 {
			return false, nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET trial_reminder_sent = TRUE, updated_at = NOW()
			WHERE id = $1`, id); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// UpsertSubscription writes the subscription row with one conditional
// INSERT ... ON CONFLICT statement. A stale event matches no row in the
// conflict branch and returns nothing, which leaves the transaction empty.
func (s *Store) UpsertSubscription(ctx context.Context, w store.SubscriptionWrite, defaultTier models.Tier) (store.UpsertResult, error) {
	if w.ExternalID == "" {
		return store.UpsertResult{}, fmt.Errorf("subscription id required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.UpsertResult{}, err
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubscription(tx.QueryRow(ctx, `
		INSERT INTO subscriptions (external_subscription_id, external_customer_id, account_id, tier, price_id, status,
			current_period_start, current_period_end, cancel_at_period_end, last_event_at, last_event_id)
		VALUES ($1, $2, $3, COALESCE(NULLIF($4::text, ''), $12::text), $5, COALESCE(NULLIF($6::text, ''), $13::text),
			$7, $8, COALESCE($9::boolean, FALSE), $10, $11)
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			external_customer_id = COALESCE(NULLIF($2, ''), subscriptions.external_customer_id),
			tier = COALESCE(NULLIF($4::text, ''), subscriptions.tier),
			price_id = COALESCE(NULLIF($5, ''), subscriptions.price_id),
			status = CASE WHEN subscriptions.status = $15::text THEN subscriptions.status
				ELSE COALESCE(NULLIF($6::text, ''), subscriptions.status) END,
			current_period_start = COALESCE($7, subscriptions.current_period_start),
			current_period_end = COALESCE($8, subscriptions.current_period_end),
			cancel_at_period_end = COALESCE($9::boolean, subscriptions.cancel_at_period_end),
			last_event_at = EXCLUDED.last_event_at,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = NOW()
		WHERE subscriptions.last_event_at <= EXCLUDED.last_event_at AND NOT $14::boolean
		RETURNING `+subscriptionColumns,
		w.ExternalID, w.CustomerID, w.AccountID, string(w.Tier), w.PriceID, string(w.Status),
		nullableTime(w.PeriodStart), nullableTime(w.PeriodEnd), w.CancelAtPeriodEnd, w.EventAt.UTC(), w.EventID,
		string(defaultTier), string(models.SubscriptionIncomplete), w.CreateOnly, string(models.SubscriptionCancelled),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetSubscription(ctx, w.ExternalID)
		if err != nil {
			return store.UpsertResult{}, err
		}
		acct, err := s.GetAccount(ctx, current.AccountID)
		if err != nil {
			return store.UpsertResult{}, err
		}
		return store.UpsertResult{Subscription: current, Applied: false, AccountTier: acct.Tier}, nil
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.UpsertResult{}, store.ErrNotFound
		}
		return store.UpsertResult{}, err
	}

	// Lock the account row so concurrent events for one account serialize their tier writes.
	if _, err := tx.Exec(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, sub.AccountID); err != nil {
		return store.UpsertResult{}, err
	}
	var tier string
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET tier = COALESCE((
				SELECT s.tier FROM subscriptions s
				WHERE s.account_id = $1 AND s.status IN ($2, $3, $4)
				`+liveOrder+`
				LIMIT 1
			), CASE WHEN trial_status = $5 AND trial_expires_at >= NOW() THEN $6 ELSE $7 END), updated_at = NOW()
		WHERE id = $1
		RETURNING tier`,
		sub.AccountID, models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionPastDue,
		models.TrialActive, string(models.TierTrial), string(defaultTier)).Scan(&tier)
	if err != nil {
		return store.UpsertResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.UpsertResult{}, err
	}
	return store.UpsertResult{Subscription: sub, Applied: true, AccountTier: models.Tier(tier)}, nil
}

func (s *Store) GetSubscription(ctx context.Context, externalID string) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE external_subscription_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, store.ErrNotFound
	}
	return sub, err
}

func (s *Store) LiveSubscription(ctx context.Context, accountID int64) (*models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1 AND status <> $2
		`+liveOrder+`
		LIMIT 1`, accountID, models.SubscriptionCancelled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) AccountIDForCustomer(ctx context.Context, customerID string) (int64, error) {
	if customerID == "" {
		return 0, store.ErrNotFound
	}
	var accountID int64
	err := s.pool.QueryRow(ctx, `
		SELECT account_id FROM subscriptions
		WHERE external_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1`, customerID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return accountID, err
}
