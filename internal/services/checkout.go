package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"entitlesys/internal/payments"
)

// CreateCheckout opens a processor checkout for tier. The subscription it
// creates reaches local state only through verified webhooks. An account
// with a live subscription changes plans on that subscription instead.
func (s *Service) CreateCheckout(ctx context.Context, accountID int64, tier, successURL, cancelURL string) (payments.Checkout, error) {
	if s.payments == nil || !s.payments.IsConfigured() {
		return payments.Checkout{}, ErrStripeNotConfigured
	}
	if strings.TrimSpace(successURL) == "" || strings.TrimSpace(cancelURL) == "" {
		return payments.Checkout{}, fmt.Errorf("%w: success_url and cancel_url are required", ErrInvalidRequest)
	}
	priceID, ok := s.config.PriceForTier(tier)
	if !ok {
		return payments.Checkout{}, fmt.Errorf("%w: no price configured for tier %q", ErrInvalidRequest, tier)
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return payments.Checkout{}, err
	}
	live, err := s.store.LiveSubscription(ctx, acct.ID)
	if err != nil {
		return payments.Checkout{}, storageErr(err)
	}
	if live != nil {
		return payments.Checkout{}, fmt.Errorf("%w: %s", ErrSubscriptionExists, live.ExternalSubscriptionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.StripeTimeout)
	defer cancel()
	out, err := s.payments.CreateCheckout(callCtx, acct, priceID, successURL, cancelURL)
	if err != nil {
		return payments.Checkout{}, s.paymentsErr(err)
	}
	log.Info().Int64("account_id", acct.ID).Str("price_id", priceID).Str("session_id", out.SessionID).Msg("checkout session created")
	return out, nil
}

// CancelSubscription schedules the account's live subscription to end at
// period end.
func (s *Service) CancelSubscription(ctx context.Context, accountID int64) error {
	if s.payments == nil || !s.payments.IsConfigured() {
		return ErrStripeNotConfigured
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return err
	}
	sub, err := s.store.LiveSubscription(ctx, acct.ID)
	if err != nil {
		return storageErr(err)
	}
	if sub == nil {
		return ErrNotFound
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.StripeTimeout)
	defer cancel()
	if err := s.payments.CancelAtPeriodEnd(callCtx, sub.ExternalSubscriptionID); err != nil {
		return s.paymentsErr(err)
	}
	log.Info().Int64("account_id", acct.ID).Str("subscription_id", sub.ExternalSubscriptionID).Msg("cancel at period end requested")
	return nil
}

func (s *Service) paymentsErr(err error) error {
	if errors.Is(err, payments.ErrNotConfigured) {
		return ErrStripeNotConfigured
	}
	return err
}
