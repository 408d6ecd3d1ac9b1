// Package payments wraps the outbound Stripe calls. None of them change
// local state; the resulting subscription changes arrive as webhooks.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/subscription"

	"entitlesys/internal/models"
)

var ErrNotConfigured = errors.New("stripe not configured")

// AccountMetadataKey carries the internal account id on checkout sessions
// and the subscriptions they create.
const AccountMetadataKey = "account_id"

type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type Client struct {
	configured bool

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	updateSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewClient configures the Stripe API backend with a bounded HTTP client.
func NewClient(secretKey string, timeout time.Duration) *Client {
	key := strings.TrimSpace(secretKey)
	if key != "" {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		stripe.Key = key
		stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: timeout},
			MaxNetworkRetries: stripe.Int64(1),
		}))
	}
	return &Client{
		configured:            key != "",
		createCheckoutSession: session.New,
		updateSubscription:    subscription.Update,
	}
}

func (c *Client) IsConfigured() bool {
	return c.configured
}

// CreateCheckout opens a subscription checkout for acct on priceID.
func (c *Client) CreateCheckout(ctx context.Context, acct models.Account, priceID, successURL, cancelURL string) (Checkout, error) {
	if !c.configured {
		return Checkout{}, ErrNotConfigured
	}
	accountID := strconv.FormatInt(acct.ID, 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{AccountMetadataKey: accountID},
		},
		Metadata: map[string]string{AccountMetadataKey: accountID},
	}
	if acct.Email != "" {
		params.CustomerEmail = stripe.String(acct.Email)
	}
	params.Context = ctx

	sess, err := c.createCheckoutSession(params)
	if err != nil {
		return Checkout{}, describe(err)
	}
	return Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

// CancelAtPeriodEnd asks Stripe to stop renewing the subscription.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string) error {
	if !c.configured {
		return ErrNotConfigured
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := c.updateSubscription(externalSubscriptionID, params); err != nil {
		return describe(err)
	}
	return nil
}

func describe(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe error: %s - %s: %w", stripeErr.Code, stripeErr.Msg, err)
	}
	return err
}
