package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"entitlesys/internal/metrics"
)

// Sender delivers one reminder.
type Sender interface {
	SendTrialReminder(ctx context.Context, fromEmail string, r TrialReminder) error
}

type DispatcherConfig struct {
	From            string
	Workers         int
	QueueSize       int
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type job struct {
	id       string
	reminder TrialReminder
}

// Dispatcher delivers reminders on its own goroutines. Enqueue never blocks
// and delivery errors stay inside the dispatcher.
type Dispatcher struct {
	sender Sender
	cfg    DispatcherConfig
	queue  chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Minute
	}
	return &Dispatcher{
		sender: sender,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is done or Close drains
// the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Enqueue schedules r and reports whether it was accepted.
func (d *Dispatcher) Enqueue(r TrialReminder) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	j := job{id: uuid.NewString(), reminder: r}
	select {
	case d.queue <- j:
		metrics.NotifyQueueDepth.Inc()
		return true
	default:
		log.Warn().Int64("account_id", r.AccountID).Str("kind", string(r.Kind)).Msg("notification queue full, dropping reminder")
		metrics.RemindersTotal.WithLabelValues(string(r.Kind), "dropped").Inc()
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			metrics.NotifyQueueDepth.Dec()
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	logger := log.With().
		Str("job_id", j.id).
		Int64("account_id", j.reminder.AccountID).
		Str("kind", string(j.reminder.Kind)).
		Logger()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.cfg.InitialInterval),
		backoff.WithMaxInterval(d.cfg.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		err := d.sender.SendTrialReminder(attemptCtx, d.cfg.From, j.reminder)
		if errors.Is(err, ErrEmailNotConfigured) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reminder delivery failed")
	})
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempt).Msg("reminder delivery abandoned")
		metrics.RemindersTotal.WithLabelValues(string(j.reminder.Kind), "failed").Inc()
		return
	}
	logger.Info().Int("attempts", attempt).Msg("reminder delivered")
	metrics.RemindersTotal.WithLabelValues(string(j.reminder.Kind), "sent").Inc()
}
