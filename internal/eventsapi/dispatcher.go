package eventsapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentworkforce/slackrelay/internal/clock"
)

// Sink receives each queued envelope. A non-nil error schedules a retry.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

type SinkFunc func(ctx context.Context, env Envelope) error

func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error { return f(ctx, env) }

const maxDeadLetters = 100

type DispatcherOptions struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	// DedupeWindow is how long an event_id is remembered. Slack retries a
	// failed delivery for about an hour.
	DedupeWindow time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	// Registerer receives the dispatcher collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

type DeadLetter struct {
	EnvelopeID    string    `json:"envelopeId"`
	EventID       string    `json:"eventId,omitempty"`
	TeamID        string    `json:"teamId,omitempty"`
	EventType     string    `json:"eventType,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
	Attempts      int       `json:"attemptCount"`
	LastError     string    `json:"lastError"`
}

type seenEvent struct {
	envelopeID string
	at         time.Time
}

// Dispatcher moves event_callback envelopes from intake through the
// queue to a Sink with bounded retries.
type Dispatcher struct {
	queue        EnvelopeQueue
	sink         Sink
	workers      int
	maxAttempts  int
	retryDelay   time.Duration
	dedupeWindow time.Duration
	clock        clock.Clock
	logger       *zap.Logger

	envelopes *prometheus.CounterVec
	depth     prometheus.GaugeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	seen        map[string]seenEvent
	retries     map[string]clock.Timer
	deadLetters []DeadLetter
}

func NewDispatcher(queue EnvelopeQueue, sink Sink, opts DispatcherOptions) *Dispatcher {
	if queue == nil {
		queue = NewInMemoryEnvelopeQueue(0)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:        queue,
		sink:         sink,
		workers:      opts.Workers,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		dedupeWindow: opts.DedupeWindow,
		clock:        opts.Clock,
		logger:       opts.Logger,
		ctx:          ctx,
		cancel:       cancel,
		seen:         map[string]seenEvent{},
		retries:      map[string]clock.Timer{},
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slackrelay_eventsapi_envelopes_total",
			Help: "Events API envelopes, by intake or delivery result.",
		}, []string{"result"}),
	}
	d.depth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "slackrelay_eventsapi_queue_depth",
		Help: "Envelopes waiting in the delivery queue.",
	}, func() float64 { return float64(queue.Depth()) })
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(d.envelopes, d.depth)
	}
	return d
}

// Ingest queues an event_callback envelope. A repeated event_id inside
// the dedupe window returns the original envelope id with ErrDuplicate.
func (d *Dispatcher) Ingest(env Envelope) (Queued, error) {
	env.TeamID = strings.TrimSpace(env.TeamID)
	env.EventID = strings.TrimSpace(env.EventID)
	if env.Type != TypeEventCallback || env.TeamID == "" || env.Event == nil {
		d.count("invalid")
		return Queued{}, ErrInvalidInput
	}
	stamp(&env)
	env.Attempts = 0

	now := d.clock.Now()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Queued{}, ErrClosed
	}
	d.pruneSeenLocked(now)
	if env.EventID != "" {
		if prior, ok := d.seen[env.EventID]; ok {
			d.mu.Unlock()
			d.count("duplicate")
			return Queued{Status: "duplicate", ID: prior.envelopeID, CorrelationID: env.CorrelationID}, ErrDuplicate
		}
		d.seen[env.EventID] = seenEvent{envelopeID: env.EnvelopeID, at: now}
	}
	d.mu.Unlock()

	payload, err := encodeEnvelope(env)
	if err == nil && d.queue.TryEnqueue(payload) {
		d.count("accepted")
		return Queued{Status: "queued", ID: env.EnvelopeID, CorrelationID: env.CorrelationID}, nil
	}
	d.forget(env.EventID, env.EnvelopeID)
	if err != nil {
		d.count("invalid")
		return Queued{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	d.count("dropped")
	return Queued{}, ErrQueueFull
}

// Start launches the workers. They stop when ctx ends or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	context.AfterFunc(ctx, d.cancel)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Close stops the workers and pending retries. Envelopes still in a
// durable queue are delivered by the next process.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, timer := range d.retries {
		timer.Stop()
		delete(d.retries, id)
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

func (d *Dispatcher) Depth() int {
	return d.queue.Depth()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		payload, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		env, err := decodeEnvelope(payload)
		if err != nil {
			d.count("invalid")
			d.logger.Warn("envelope_decode_failed", zap.Error(err))
			continue
		}
		d.deliver(env)
	}
}

func (d *Dispatcher) deliver(env Envelope) {
	env.Attempts++
	err := d.sink.Deliver(d.ctx, env)
	if err == nil {
		d.count("delivered")
		return
	}
	if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		d.requeue(env)
		return
	}
	if env.Attempts >= d.maxAttempts {
		d.deadLetter(env, err)
		return
	}
	d.count("retried")
	d.logger.Warn("envelope_dispatch_failed",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("event_id", env.EventID),
		zap.String("team_id", env.TeamID),
		zap.Int("attempt", env.Attempts),
		zap.Duration("retry_in", d.retryDelay),
		zap.Error(err),
	)
	d.scheduleRetry(env)
}

func (d *Dispatcher) scheduleRetry(env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.retries[env.EnvelopeID] = d.clock.AfterFunc(d.retryDelay, func() {
		d.mu.Lock()
		delete(d.retries, env.EnvelopeID)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.requeue(env)
		}
	})
}

// requeue puts env back without counting it as a new intake. A queue
// that stays full until shutdown loses the envelope.
func (d *Dispatcher) requeue(env Envelope) {
	payload, err := encodeEnvelope(env)
	if err != nil {
		d.deadLetter(env, err)
		return
	}
	if d.queue.TryEnqueue(payload) {
		return
	}
	go func() {
		if !d.queue.Enqueue(d.ctx, payload) {
			d.logger.Warn("envelope_requeue_abandoned",
				zap.String("envelope_id", env.EnvelopeID),
				zap.String("event_id", env.EventID),
			)
		}
	}()
}

func (d *Dispatcher) deadLetter(env Envelope, cause error) {
	d.count("dead_lettered")
	d.logger.Error("envelope_dead_lettered",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("event_id", env.EventID),
		zap.String("team_id", env.TeamID),
		zap.String("event_type", env.EventType()),
		zap.Int("attempts", env.Attempts),
		zap.Error(cause),
	)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadLetters = append(d.deadLetters, DeadLetter{
		EnvelopeID:    env.EnvelopeID,
		EventID:       env.EventID,
		TeamID:        env.TeamID,
		EventType:     env.EventType(),
		CorrelationID: env.CorrelationID,
		FailedAt:      d.clock.Now().UTC(),
		Attempts:      env.Attempts,
		LastError:     cause.Error(),
	})
	if over := len(d.deadLetters) - maxDeadLetters; over > 0 {
		d.deadLetters = append([]DeadLetter(nil), d.deadLetters[over:]...)
	}
}

func (d *Dispatcher) forget(eventID, envelopeID string) {
	if eventID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prior, ok := d.seen[eventID]; ok && prior.envelopeID == envelopeID {
		delete(d.seen, eventID)
	}
}

func (d *Dispatcher) pruneSeenLocked(now time.Time) {
	for id, entry := range d.seen {
		if now.Sub(entry.at) > d.dedupeWindow {
			delete(d.seen, id)
		}
	}
}

func (d *Dispatcher) count(result string) {
	d.envelopes.WithLabelValues(result).Inc()
}
