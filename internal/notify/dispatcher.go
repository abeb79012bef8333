package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/metrics"
	"fleetalert/internal/permanent"

	"github.com/google/uuid"
)

const (
	dropReasonOverflow  = "overflow"
	dropReasonPermanent = "permanent"
	dropReasonExhausted = "attempts_exhausted"
)

// job is one pending delivery of a rendered message to one channel.
// Params: identity, payload, destination sender, and retry bookkeeping.
// Returns: queue unit consumed by the delivery worker.
type job struct {
	id        string
	eventType domain.EventType
	alertID   string
	msg       Message
	sender    Sender
	attempts  int
	notBefore time.Time
	createdAt time.Time
}

// Dispatcher queues rendered notifications and delivers them asynchronously.
// Params: bounded FIFO queue, configured senders, and retry policy.
// Returns: delivery pipeline decoupled from alert evaluation.
type Dispatcher struct {
	cfg     config.QueueConfig
	timeout time.Duration
	senders []Sender
	clk     clock.Clock
	logger  *slog.Logger
	met     *metrics.Metrics

	mu    sync.Mutex
	queue []*job

	disabled     bool
	disabledOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher builds the delivery pipeline from notify configuration.
// Params: notify config, clock, logger, and metrics handle.
// Returns: dispatcher; disabled (with one-time warning) when no channel is configured.
func NewDispatcher(cfg config.NotifyConfig, clk clock.Clock, logger *slog.Logger, met *metrics.Metrics) *Dispatcher {
	var senders []Sender
	if cfg.Webhook.Enabled() {
		senders = append(senders, NewWebhookSender(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		senders = append(senders, NewTelegramSender(cfg.Telegram))
	}

	return &Dispatcher{
		cfg:      cfg.Queue,
		timeout:  time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
		senders:  senders,
		clk:      clk,
		logger:   logger,
		met:      met,
		queue:    make([]*job, 0, cfg.Queue.Capacity),
		disabled: len(senders) == 0,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the single delivery worker.
// Params: none.
// Returns: worker goroutine side effect; no-op when disabled.
func (d *Dispatcher) Start() {
	if d.disabled {
		close(d.done)
		return
	}
	go d.run()
}

// Close stops the worker and waits for it to exit.
// Params: none.
// Returns: nil.
func (d *Dispatcher) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
	return nil
}

// Publish renders one event and enqueues a delivery job per configured channel.
// Params: notification event from the lifecycle manager.
// Returns: enqueue side effects; never blocks the evaluation path.
func (d *Dispatcher) Publish(event Event) {
	if d.disabled {
		// Evaluation and state tracking continue without delivery; the
		// warning fires once so a misconfigured deploy is still visible.
		d.disabledOnce.Do(func() {
			d.logger.Warn("notification delivery disabled: no webhook url or telegram channel configured")
		})
		return
	}

	msg := FormatEvent(event)
	now := d.clk.Now()
	for _, sender := range d.senders {
		d.enqueue(&job{
			id:        uuid.NewString(),
			eventType: event.Type,
			alertID:   event.Alert.ID,
			msg:       msg,
			sender:    sender,
			notBefore: now,
			createdAt: now,
		})
	}
}

// enqueue appends one job, evicting the oldest job when the queue is full.
// Params: prepared delivery job.
// Returns: queue mutation side effects.
func (d *Dispatcher) enqueue(next *job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= d.cfg.Capacity {
		evicted := d.queue[0]
		d.queue = d.queue[1:]
		d.met.NotifyOverflowTotal.Inc()
		d.met.NotifyDroppedTotal.WithLabelValues(dropReasonOverflow).Inc()
		d.logger.Warn("notify queue full, dropping oldest job",
			"dropped_job", evicted.id, "channel", evicted.sender.Channel(), "event", string(evicted.eventType))
	}
	d.queue = append(d.queue, next)
	d.met.NotifyEnqueuedTotal.Inc()
	d.met.NotifyQueueDepth.Set(float64(len(d.queue)))
}

// run scans the queue on a fixed cadence until stopped.
// Params: none.
// Returns: exits after draining signal.
func (d *Dispatcher) run() {
	defer close(d.done)
	ticker := time.NewTicker(time.Duration(d.cfg.ScanMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.processDue(d.clk.Now())
		}
	}
}

// processDue delivers every job whose retry deadline has passed.
// Params: current scan time.
// Returns: queue mutations; jobs stay FIFO-ordered between retries.
func (d *Dispatcher) processDue(now time.Time) {
	for {
		next := d.popDue(now)
		if next == nil {
			return
		}
		d.deliver(next, now)
	}
}

// popDue removes and returns the first due job in FIFO order.
// Params: current scan time.
// Returns: due job or nil when nothing is ready.
func (d *Dispatcher) popDue(now time.Time) *job {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, candidate := range d.queue {
		if candidate.notBefore.After(now) {
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		d.met.NotifyQueueDepth.Set(float64(len(d.queue)))
		return candidate
	}
	return nil
}

// deliver attempts one job and reschedules or drops it on failure.
// Params: due job and current scan time.
// Returns: delivery side effects and retry bookkeeping.
func (d *Dispatcher) deliver(pending *job, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	_, err := pending.sender.Send(ctx, pending.msg)
	cancel()

	channel := pending.sender.Channel()
	if err == nil {
		d.met.NotifySentTotal.WithLabelValues(channel).Inc()
		d.logger.Info("notification delivered",
			"job", pending.id, "channel", channel, "event", string(pending.eventType), "alert", pending.alertID)
		return
	}

	pending.attempts++
	d.met.NotifyFailedTotal.WithLabelValues(channel).Inc()

	if permanent.Is(err) || isPermanentStatus(err) {
		d.met.NotifyDroppedTotal.WithLabelValues(dropReasonPermanent).Inc()
		d.logger.Error("notification rejected permanently, dropping job",
			"job", pending.id, "channel", channel, "attempt", pending.attempts, "error", err.Error())
		return
	}
	if pending.attempts >= d.cfg.MaxAttempts {
		d.met.NotifyDroppedTotal.WithLabelValues(dropReasonExhausted).Inc()
		d.logger.Error("notification delivery failed, attempts exhausted",
			"job", pending.id, "channel", channel, "attempts", pending.attempts, "error", err.Error())
		return
	}

	delay := d.cfg.Backoff(pending.attempts)
	var statusErr StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		// Upstream rate limit hint wins over the local schedule but never
		// extends the attempt budget.
		delay = statusErr.RetryAfter
		d.met.NotifyRateLimitTotal.Inc()
	}
	pending.notBefore = now.Add(delay)
	d.met.NotifyRetriesTotal.Inc()
	d.logger.Warn("notification delivery failed, scheduling retry",
		"job", pending.id, "channel", channel, "attempt", pending.attempts,
		"retry_in", delay.String(), "error", err.Error())
	d.requeue(pending)
}

// requeue returns one failed job to the queue preserving FIFO arrival order.
// Params: job with updated retry deadline.
// Returns: queue mutation; the job is dropped when capacity shrank meanwhile.
func (d *Dispatcher) requeue(pending *job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= d.cfg.Capacity {
		d.met.NotifyDroppedTotal.WithLabelValues(dropReasonOverflow).Inc()
		d.logger.Warn("notify queue full, dropping retry job", "job", pending.id)
		return
	}
	inserted := false
	for i, queued := range d.queue {
		if pending.createdAt.Before(queued.createdAt) {
			d.queue = append(d.queue[:i], append([]*job{pending}, d.queue[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		d.queue = append(d.queue, pending)
	}
	d.met.NotifyQueueDepth.Set(float64(len(d.queue)))
}

// isPermanentStatus reports whether a status error must never be retried.
// Params: delivery error.
// Returns: true for 4xx responses other than 429.
func isPermanentStatus(err error) bool {
	var statusErr StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Code >= 400 && statusErr.Code < 500 && statusErr.Code != 429
}

// QueueDepth reports the number of pending jobs.
// Params: none.
// Returns: current queue length.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Enabled reports whether any delivery channel is configured.
// Params: none.
// Returns: false when notifications are disabled.
func (d *Dispatcher) Enabled() bool {
	return !d.disabled
}
