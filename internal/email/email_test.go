package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitlesys/internal/models"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	done     chan struct{}
}

func (f *flakySender) SendTrialReminder(_ context.Context, _ string, _ TrialReminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	close(f.done)
	return nil
}

func (f *flakySender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		From:            "noreply@example.com",
		Workers:         1,
		QueueSize:       4,
		Timeout:         time.Second,
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	sender := &flakySender{failures: 2, err: ErrSendFailed, done: make(chan struct{})}
	d := NewDispatcher(sender, fastConfig())
	d.Start(context.Background())
	defer d.Close()

	require.True(t, d.Enqueue(TrialReminder{AccountID: 1, Email: "a@example.com", Kind: models.NotificationTrialEndingSoon}))

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reminder was not delivered")
	}
	assert.Equal(t, 3, sender.Calls())
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	sender := &flakySender{failures: 100, err: ErrEmailNotConfigured, done: make(chan struct{})}
	d := NewDispatcher(sender, fastConfig())
	d.Start(context.Background())

	require.True(t, d.Enqueue(TrialReminder{AccountID: 2, Kind: models.NotificationTrialExpired}))
	d.Close()

	assert.Equal(t, 1, sender.Calls())
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	sender := &flakySender{failures: 100, err: errors.New("boom"), done: make(chan struct{})}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	d := NewDispatcher(sender, cfg)
	d.Start(context.Background())

	require.True(t, d.Enqueue(TrialReminder{AccountID: 3, Kind: models.NotificationTrialExpired}))
	d.Close()

	assert.Equal(t, 3, sender.Calls())
	assert.False(t, d.Enqueue(TrialReminder{AccountID: 3}))
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	sender := &flakySender{done: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(sender, cfg)
	// no workers started: the queue only fills
	assert.True(t, d.Enqueue(TrialReminder{AccountID: 1}))
	assert.False(t, d.Enqueue(TrialReminder{AccountID: 2}))
}

func TestResendClientSendsTrialReminder(t *testing.T) {
	var got sendEmailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_test", time.Second).WithEndpoint(srv.URL)
	err := c.SendTrialReminder(context.Background(), "noreply@example.com", TrialReminder{
		Email:     "user@example.com",
		Kind:      models.NotificationTrialEndingSoon,
		DaysLeft:  2,
		ExpiresAt: time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user@example.com"}, got.To)
	assert.Equal(t, "Your trial ends in 2 day(s)", got.Subject)
	assert.Contains(t, got.HTML, "July 3, 2026")
}

func TestResendClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewResendClient("re_test", time.Second).WithEndpoint(srv.URL)
	err := c.SendEmail(context.Background(), "noreply@example.com", "u@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrSendFailed)

	err = NewResendClient("", time.Second).SendEmail(context.Background(), "noreply@example.com", "u@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrEmailNotConfigured)
}
