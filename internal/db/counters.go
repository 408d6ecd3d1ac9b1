package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

// Counters keeps usage in usage_periods, one row per account and period.
type Counters struct {
	pool *pgxpool.Pool
}

func NewCounters(pool *pgxpool.Pool) *Counters {
	return &Counters{pool: pool}
}

func usageColumn(resource models.ResourceClass) (string, error) {
	switch resource {
	case models.ResourceWorkflowRuns:
		return "workflow_runs", nil
	case models.ResourceDocumentsProcessed:
		return "documents_processed", nil
	case models.ResourceAPICalls:
		return "api_calls", nil
	}
	return "", fmt.Errorf("unknown resource %q", resource)
}

// Add is the increment-if-below-cap statement. The row lock taken by ON
// CONFLICT DO UPDATE makes the cap check and the increment one step.
func (c *Counters) Add(ctx context.Context, accountID int64, period models.Period, resource models.ResourceClass, limit int64) (int64, bool, error) {
	col, err := usageColumn(resource)
	if err != nil {
		return 0, false, err
	}
	var total int64
	err = c.pool.QueryRow(ctx, `
		INSERT INTO usage_periods (account_id, period_start, period_end, `+col+`)
		SELECT $1::bigint, $2::timestamptz, $3::timestamptz, 1 WHERE $4::bigint <> 0
		ON CONFLICT (account_id, period_start) DO UPDATE
		SET `+col+` = usage_periods.`+col+` + 1, updated_at = NOW()
		WHERE $4::bigint < 0 OR usage_periods.`+col+` < $4::bigint
		RETURNING `+col,
		accountID, period.Start.UTC(), period.End.UTC(), limit).Scan(&total)
	if err == nil {
		return total, true, nil
	}
	if isForeignKeyViolation(err) {
		return 0, false, store.ErrNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = c.pool.QueryRow(ctx, `
		SELECT `+col+` FROM usage_periods
		WHERE account_id = $1 AND period_start = $2`, accountID, period.Start.UTC()).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return total, false, nil
}

func (c *Counters) Snapshot(ctx context.Context, accountID int64, period models.Period) (models.UsagePeriod, error) {
	out := models.UsagePeriod{AccountID: accountID, PeriodStart: period.Start, PeriodEnd: period.End}
	err := c.pool.QueryRow(ctx, `
		SELECT period_start, period_end, workflow_runs, documents_processed, api_calls
		FROM usage_periods
		WHERE account_id = $1 AND period_start = $2`, accountID, period.Start.UTC(),
	).Scan(&out.PeriodStart, &out.PeriodEnd, &out.WorkflowRuns, &out.DocumentsProcessed, &out.APICalls)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	return out, err
}
