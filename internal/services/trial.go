package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"entitlesys/internal/billing"
	"entitlesys/internal/config"
	"entitlesys/internal/email"
	"entitlesys/internal/metrics"
	"entitlesys/internal/models"
	"entitlesys/internal/store"
)

type TrialView struct {
	AccountID         int64                     `json:"account_id"`
	Status            models.TrialStatus        `json:"status"`
	Tier              models.Tier               `json:"tier"`
	TrialStarted      bool                      `json:"trial_started"`
	ExpiresAt         *time.Time                `json:"trial_expires_at,omitempty"`
	DaysRemaining     int                       `json:"days_remaining"`
	NotificationsSent []models.NotificationKind `json:"notifications_sent"`
}

type SweepReport struct {
	Evaluated   int `json:"evaluated"`
	Transitions int `json:"transitions"`
	Reminders   int `json:"reminders"`
	Raced       int `json:"raced"`
	Failed      int `json:"failed"`
}

// StartTrial is legal only from NOT_STARTED with no live subscription.
func (s *Service) StartTrial(ctx context.Context, accountID int64) (models.Account, error) {
	if accountID <= 0 {
		return models.Account{}, ErrInvalidRequest
	}
	expiresAt := s.now().UTC().Add(s.config.TrialLength())
	acct, err := s.store.StartTrial(ctx, accountID, expiresAt)
	if errors.Is(err, store.ErrConflict) {
		return models.Account{}, ErrTrialNotStartable
	}
	if err != nil {
		return models.Account{}, storageErr(err)
	}
	metrics.TrialTransitionsTotal.WithLabelValues(string(models.TrialNotStarted), string(models.TrialActive)).Inc()
	log.Info().Int64("account_id", acct.ID).Time("trial_expires_at", expiresAt).Msg("trial started")
	return acct, nil
}

// TrialStatus evaluates one account without writing anything.
func (s *Service) TrialStatus(ctx context.Context, accountID int64) (TrialView, error) {
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return TrialView{}, err
	}
	sub, err := s.store.LiveSubscription(ctx, acct.ID)
	if err != nil {
		return TrialView{}, storageErr(err)
	}
	now := s.now()
	return trialView(acct, billing.EvaluateTrial(acct, sub, now), now), nil
}

func trialView(acct models.Account, status models.TrialStatus, now time.Time) TrialView {
	v := TrialView{
		AccountID:         acct.ID,
		Status:            status,
		Tier:              acct.Tier,
		TrialStarted:      acct.TrialStarted,
		ExpiresAt:         acct.TrialExpiresAt,
		NotificationsSent: acct.NotificationsSent,
	}
	if status == models.TrialActive {
		v.DaysRemaining = billing.DaysRemaining(acct, now)
	}
	if v.NotificationsSent == nil {
		v.NotificationsSent = []models.NotificationKind{}
	}
	return v
}

// SweepTrials evaluates every trial account independently. Per-account
// failures are counted and logged; only failing to list accounts is fatal.
func (s *Service) SweepTrials(ctx context.Context) (SweepReport, error) {
	ids, err := s.store.ListTrialAccounts(ctx)
	if err != nil {
		return SweepReport{}, storageErr(err)
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := s.config.SweepConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			outcome, err := s.sweepAccount(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			if err != nil {
				report.Failed++
				log.Error().Err(err).Int64("account_id", id).Msg("trial sweep failed for account")
				return nil
			}
			if outcome.transitioned {
				report.Transitions++
			}
			if outcome.reminded {
				report.Reminders++
			}
			if outcome.raced {
				report.Raced++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("evaluated", report.Evaluated).
		Int("transitions", report.Transitions).
		Int("reminders", report.Reminders).
		Int("raced", report.Raced).
		Int("failed", report.Failed).
		Msg("trial sweep finished")
	return report, nil
}

// SweepAccount runs the sweep for one account, for operators and external
// schedulers that target a single account.
func (s *Service) SweepAccount(ctx context.Context, accountID int64) (SweepReport, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return SweepReport{}, err
	}
	outcome, err := s.sweepAccount(ctx, accountID)
	if err != nil {
		return SweepReport{Evaluated: 1, Failed: 1}, err
	}
	report := SweepReport{Evaluated: 1}
	if outcome.transitioned {
		report.Transitions = 1
	}
	if outcome.reminded {
		report.Reminders = 1
	}
	if outcome.raced {
		report.Raced = 1
	}
	return report, nil
}

type sweepOutcome struct {
	transitioned bool
	reminded     bool
	raced        bool
}

func (s *Service) sweepAccount(ctx context.Context, accountID int64) (sweepOutcome, error) {
	var out sweepOutcome
	// Re-read right before writing so a concurrent webhook is not overwritten.
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return out, storageErr(err)
	}
	sub, err := s.store.LiveSubscription(ctx, accountID)
	if err != nil {
		return out, storageErr(err)
	}
	now := s.now()
	status := billing.EvaluateTrial(acct, sub, now)

	if status != acct.TrialStatus {
		ok, err := s.store.UpdateTrialStatus(ctx, acct.ID, acct.TrialStatus, status, now)
		if err != nil {
			return out, storageErr(err)
		}
		if !ok {
			out.raced = true
			log.Info().Int64("account_id", acct.ID).Str("to", string(status)).Msg("trial status changed concurrently, skipping")
			return out, nil
		}
		out.transitioned = true
		metrics.TrialTransitionsTotal.WithLabelValues(string(acct.TrialStatus), string(status)).Inc()
		log.Info().
			Int64("account_id", acct.ID).
			Str("from", string(acct.TrialStatus)).
			Str("to", string(status)).
			Msg("trial status updated")
	}

	perKind := s.config.TrialReminderPolicy == config.ReminderPolicyPerKind
	kind, due := billing.ReminderDue(acct, status, now, s.config.TrialReminderWindow(), perKind)
	if !due {
		return out, nil
	}
	recorded, err := s.store.RecordNotification(ctx, acct.ID, kind, !perKind)
	if err != nil {
		return out, storageErr(err)
	}
	if !recorded {
		return out, nil
	}
	out.reminded = true
	s.notify(email.TrialReminder{
		AccountID: acct.ID,
		Email:     acct.Email,
		Kind:      kind,
		DaysLeft:  billing.DaysRemaining(acct, now),
		ExpiresAt: derefTime(acct.TrialExpiresAt),
	})
	return out, nil
}

// notify hands the reminder off. Delivery problems are logged here and
// never reach the caller.
func (s *Service) notify(r email.TrialReminder) {
	logger := log.With().Int64("account_id", r.AccountID).Str("kind", string(r.Kind)).Logger()
	if s.notifier == nil {
		logger.Warn().Err(ErrNotificationDelivery).Msg("no notifier configured, reminder not sent")
		metrics.RemindersTotal.WithLabelValues(string(r.Kind), "skipped").Inc()
		return
	}
	if !s.notifier.Enqueue(r) {
		logger.Error().Err(ErrNotificationDelivery).Msg("reminder not accepted by notifier")
		return
	}
	logger.Debug().Msg("reminder queued")
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
