package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"entitlesys/internal/billing"
	"entitlesys/internal/config"
	"entitlesys/internal/email"
	"entitlesys/internal/models"
	"entitlesys/internal/payments"
	"entitlesys/internal/store"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAccountExists        = errors.New("account already exists")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnhandledEventKind   = errors.New("unhandled event kind")
	ErrTransientStorage     = errors.New("storage unavailable")
	ErrLimitExceeded        = errors.New("usage limit exceeded")
	ErrNotificationDelivery = errors.New("notification delivery failed")
	ErrTrialNotStartable    = errors.New("trial cannot be started")
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	ErrStripeNotConfigured  = errors.New("stripe not configured")
	ErrAccountUnresolved    = errors.New("cannot resolve account for subscription")
	ErrSubscriptionExists   = errors.New("account already has a live subscription")
)

// Notifier accepts reminders for asynchronous delivery.
type Notifier interface {
	Enqueue(r email.TrialReminder) bool
}

// Payments is the outbound processor API.
type Payments interface {
	IsConfigured() bool
	CreateCheckout(ctx context.Context, acct models.Account, priceID, successURL, cancelURL string) (payments.Checkout, error)
	CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error
}

type Service struct {
	store    store.Store
	counters store.Counters
	config   config.Config

	resolver    *billing.TierResolver
	limits      billing.Limits
	defaultTier models.Tier
	handlers    map[EventKind]eventHandler

	notifier Notifier
	payments Payments
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithPayments(p Payments) Option {
	return func(s *Service) { s.payments = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, counters store.Counters, cfg config.Config, opts ...Option) (*Service, error) {
	var rules []billing.PriceRule
	for _, entry := range cfg.PriceTable() {
		tier, ok := models.ParseTier(entry.Tier)
		if !ok {
			return nil, fmt.Errorf("price %q: unknown tier %q", entry.PriceID, entry.Tier)
		}
		rules = append(rules, billing.PriceRule{PriceID: entry.PriceID, Tier: tier})
	}
	resolver, err := billing.NewTierResolver(rules)
	if err != nil {
		return nil, err
	}
	limits, err := billing.DefaultLimits.WithOverrides(cfg.TierLimits)
	if err != nil {
		return nil, err
	}
	defaultTier, ok := models.ParseTier(cfg.DefaultTier)
	if !ok || defaultTier == models.TierTrial {
		return nil, fmt.Errorf("invalid default tier %q", cfg.DefaultTier)
	}
	if cfg.TrialReminderPolicy != config.ReminderPolicySingle && cfg.TrialReminderPolicy != config.ReminderPolicyPerKind {
		return nil, fmt.Errorf("invalid trial reminder policy %q", cfg.TrialReminderPolicy)
	}

	s := &Service{
		store:       st,
		counters:    counters,
		config:      cfg,
		resolver:    resolver,
		limits:      limits,
		defaultTier: defaultTier,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = s.eventHandlers()
	return s, nil
}

// storageErr maps store failures onto the service taxonomy. Anything that is
// not a known business outcome is reported as transient so webhook senders
// retry.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	}
}

func (s *Service) CreateAccount(ctx context.Context, emailAddr string) (models.Account, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return models.Account{}, ErrInvalidRequest
	}
	acct, err := s.store.CreateAccount(ctx, emailAddr, s.defaultTier)
	if errors.Is(err, store.ErrConflict) {
		return models.Account{}, ErrAccountExists
	}
	if err != nil {
		return models.Account{}, storageErr(err)
	}
	log.Info().Int64("account_id", acct.ID).Str("tier", string(acct.Tier)).Msg("account created")
	return acct, nil
}

func (s *Service) GetAccount(ctx context.Context, id int64) (models.Account, error) {
	if id <= 0 {
		return models.Account{}, ErrInvalidRequest
	}
	acct, err := s.store.GetAccount(ctx, id)
	return acct, storageErr(err)
}

// ResolveTier exposes the price table for diagnostics.
func (s *Service) ResolveTier(priceID string) models.Tier {
	return s.resolver.Resolve(priceID)
}

func (s *Service) DefaultTier() models.Tier {
	return s.defaultTier
}

// PriceRules returns the ordered price table in effect.
func (s *Service) PriceRules() []billing.PriceRule {
	return s.resolver.Rules()
}
