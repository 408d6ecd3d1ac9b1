package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"entitlesys/internal/metrics"
	"entitlesys/internal/models"
	"entitlesys/internal/payments"
	"entitlesys/internal/store"
)

type EventKind int

const (
	EventUnhandled EventKind = iota
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventInvoicePaymentSucceeded
	EventInvoicePaymentFailed
)

// AllEventKinds lists every kind, including EventUnhandled.
var AllEventKinds = []EventKind{
	EventUnhandled,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventInvoicePaymentSucceeded,
	EventInvoicePaymentFailed,
}

var eventKinds = map[stripe.EventType]EventKind{
	"customer.subscription.created": EventSubscriptionCreated,
	"customer.subscription.updated": EventSubscriptionUpdated,
	"customer.subscription.deleted": EventSubscriptionDeleted,
	"invoice.payment_succeeded":     EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        EventInvoicePaymentFailed,
}

func ClassifyEvent(t stripe.EventType) EventKind {
	if kind, ok := eventKinds[t]; ok {
		return kind
	}
	return EventUnhandled
}

func (k EventKind) String() string {
	switch k {
	case EventSubscriptionCreated:
		return "subscription_created"
	case EventSubscriptionUpdated:
		return "subscription_updated"
	case EventSubscriptionDeleted:
		return "subscription_deleted"
	case EventInvoicePaymentSucceeded:
		return "invoice_payment_succeeded"
	case EventInvoicePaymentFailed:
		return "invoice_payment_failed"
	default:
		return "unhandled"
	}
}

type eventHandler func(ctx context.Context, event stripe.Event) (bool, error)

func (s *Service) eventHandlers() map[EventKind]eventHandler {
	return map[EventKind]eventHandler{
		EventUnhandled:               s.handleUnhandled,
		EventSubscriptionCreated:     s.handleSubscription(EventSubscriptionCreated),
		EventSubscriptionUpdated:     s.handleSubscription(EventSubscriptionUpdated),
		EventSubscriptionDeleted:     s.handleSubscription(EventSubscriptionDeleted),
		EventInvoicePaymentSucceeded: s.handleInvoice(models.SubscriptionActive),
		EventInvoicePaymentFailed:    s.handleInvoice(models.SubscriptionPastDue),
	}
}

// IngestResult describes one accepted delivery.
type IngestResult struct {
	EventID   string
	EventType string
	Kind      EventKind
	// Applied is false for unhandled kinds, stale events and no-op invoices.
	Applied bool
}

// Ingest verifies and dispatches one webhook delivery using the configured
// secret.
func (s *Service) Ingest(ctx context.Context, rawBody []byte, signatureHeader string) (IngestResult, error) {
	return s.IngestWithSecret(ctx, rawBody, signatureHeader, s.config.StripeWebhookSecret)
}

// IngestWithSecret verifies rawBody against signatureHeader before anything
// is parsed. A failed verification returns ErrInvalidSignature and touches
// no state.
func (s *Service) IngestWithSecret(ctx context.Context, rawBody []byte, signatureHeader, secret string) (IngestResult, error) {
	if strings.TrimSpace(secret) == "" {
		return IngestResult{}, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return IngestResult{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	kind := ClassifyEvent(event.Type)
	result := IngestResult{EventID: event.ID, EventType: string(event.Type), Kind: kind}
	if kind != EventUnhandled && (event.Data == nil || len(event.Data.Raw) == 0) {
		return result, fmt.Errorf("%w: event %s has no data", ErrInvalidRequest, event.ID)
	}

	applied, err := s.handlers[kind](ctx, event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("webhook processing failed")
		return result, err
	}
	result.Applied = applied
	return result, nil
}

func (s *Service) handleUnhandled(_ context.Context, event stripe.Event) (bool, error) {
	log.Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Err(ErrUnhandledEventKind).
		Msg("webhook acknowledged without handling")
	return false, nil
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// stripeSubscription is the subset of the subscription object the engine
// reads. Period bounds moved from the subscription onto its items in newer
// API versions; both places are read.
type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

func (s *stripeSubscription) Period() (time.Time, time.Time) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if start == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixOrZero(start), unixOrZero(end)
}

type stripeInvoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *stripeInvoice) SubscriptionID() string {
	if id := strings.TrimSpace(string(inv.Subscription)); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(string(inv.Parent.SubscriptionDetails.Subscription))
	}
	return ""
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func eventTime(event stripe.Event) time.Time {
	return time.Unix(event.Created, 0).UTC()
}

// handleSubscription applies a subscription lifecycle event. Event times only
// have second resolution, so a creation event never overwrites a row that a
// later event of the same second already wrote.
func (s *Service) handleSubscription(kind EventKind) eventHandler {
	return func(ctx context.Context, event stripe.Event) (bool, error) {
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("%w: decode subscription: %v", ErrInvalidRequest, err)
		}
		if sub.ID == "" {
			return false, fmt.Errorf("%w: subscription without id", ErrInvalidRequest)
		}
		accountID, err := s.resolveAccount(ctx, sub)
		if err != nil {
			return false, err
		}

		status := models.SubscriptionStatusFromStripe(sub.Status)
		if kind == EventSubscriptionDeleted {
			status = models.SubscriptionCancelled
		}
		if status == "" {
			log.Warn().Str("event_id", event.ID).Str("status", sub.Status).Msg("unknown subscription status, keeping stored status")
		}
		priceID := sub.FirstPriceID()
		start, end := sub.Period()
		cancelAtPeriodEnd := sub.CancelAtPeriodEnd

		res, err := s.UpsertSubscription(ctx, store.SubscriptionWrite{
			ExternalID:        sub.ID,
			CustomerID:        string(sub.Customer),
			AccountID:         accountID,
			Tier:              s.resolver.Resolve(priceID),
			PriceID:           priceID,
			Status:            status,
			PeriodStart:       start,
			PeriodEnd:         end,
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
			EventAt:           eventTime(event),
			EventID:           event.ID,
			CreateOnly:        kind == EventSubscriptionCreated,
		})
		if err != nil {
			return false, err
		}
		if !res.Applied {
			metrics.StaleEventsTotal.WithLabelValues(string(event.Type)).Inc()
			return false, nil
		}
		return true, s.markSubscribed(ctx, res.Subscription)
	}
}

func (s *Service) handleInvoice(status models.SubscriptionStatus) eventHandler {
	return func(ctx context.Context, event stripe.Event) (bool, error) {
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("%w: decode invoice: %v", ErrInvalidRequest, err)
		}
		subID := inv.SubscriptionID()
		if subID == "" {
			log.Info().Str("event_id", event.ID).Str("invoice_id", inv.ID).Msg("invoice without subscription ignored")
			return false, nil
		}
		_, err := s.store.GetSubscription(ctx, subID)
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Str("event_id", event.ID).Str("subscription_id", subID).Msg("invoice for unknown subscription ignored")
			return false, nil
		}
		if err != nil {
			return false, storageErr(err)
		}

		write := store.SubscriptionWrite{
			ExternalID: subID,
			CustomerID: string(inv.Customer),
			Status:     status,
			EventAt:    eventTime(event),
			EventID:    event.ID,
		}
		if status == models.SubscriptionActive && len(inv.Lines.Data) > 0 {
			write.PeriodStart = unixOrZero(inv.Lines.Data[0].Period.Start)
			write.PeriodEnd = unixOrZero(inv.Lines.Data[0].Period.End)
		}

		res, err := s.UpsertSubscription(ctx, write)
		if err != nil {
			return false, err
		}
		if !res.Applied {
			metrics.StaleEventsTotal.WithLabelValues(string(event.Type)).Inc()
			return false, nil
		}
		return true, s.markSubscribed(ctx, res.Subscription)
	}
}

// resolveAccount finds the owning account: subscription metadata first, then
// an already stored subscription, then the account linked to the customer.
func (s *Service) resolveAccount(ctx context.Context, sub stripeSubscription) (int64, error) {
	if raw := strings.TrimSpace(sub.Metadata[payments.AccountMetadataKey]); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id, nil
		}
		log.Warn().Str("subscription_id", sub.ID).Str("account_id", raw).Msg("ignoring malformed account metadata")
	}
	existing, err := s.store.GetSubscription(ctx, sub.ID)
	if err == nil {
		return existing.AccountID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, storageErr(err)
	}
	id, err := s.store.AccountIDForCustomer(ctx, string(sub.Customer))
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: subscription %s customer %s", ErrAccountUnresolved, sub.ID, sub.Customer)
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return id, nil
}

// UpsertSubscription persists one subscription change with event-time
// ordering and tier denormalization.
func (s *Service) UpsertSubscription(ctx context.Context, w store.SubscriptionWrite) (store.UpsertResult, error) {
	if w.ExternalID == "" || w.EventAt.IsZero() {
		return store.UpsertResult{}, ErrInvalidRequest
	}
	res, err := s.store.UpsertSubscription(ctx, w, s.defaultTier)
	if errors.Is(err, store.ErrNotFound) {
		return store.UpsertResult{}, fmt.Errorf("%w: account %d", ErrAccountUnresolved, w.AccountID)
	}
	if err != nil {
		return store.UpsertResult{}, storageErr(err)
	}
	logger := log.With().
		Str("subscription_id", w.ExternalID).
		Str("event_id", w.EventID).
		Int64("account_id", res.Subscription.AccountID).
		Logger()
	if !res.Applied {
		logger.Info().
			Time("event_at", w.EventAt).
			Time("stored_event_at", res.Subscription.LastEventAt).
			Msg("stale subscription event discarded")
		return res, nil
	}
	logger.Info().
		Str("status", string(res.Subscription.Status)).
		Str("tier", string(res.AccountTier)).
		Msg("subscription upserted")
	return res, nil
}

// markSubscribed persists SUBSCRIBED once a paying subscription's period has
// begun. Evaluation on read already reports it; the write keeps the sweep
// from touching the account again.
func (s *Service) markSubscribed(ctx context.Context, sub models.Subscription) error {
	now := s.now()
	if !sub.Status.Paying() || !sub.Begun(now) {
		return nil
	}
	acct, err := s.store.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return storageErr(err)
	}
	if acct.TrialStatus == models.TrialSubscribed {
		return nil
	}
	ok, err := s.store.UpdateTrialStatus(ctx, acct.ID, acct.TrialStatus, models.TrialSubscribed, now)
	if err != nil {
		return storageErr(err)
	}
	if ok {
		metrics.TrialTransitionsTotal.WithLabelValues(string(acct.TrialStatus), string(models.TrialSubscribed)).Inc()
	}
	return nil
}
