package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/event"
)

// Kind names the event type a delivery carries.
type Kind string

const (
	KindObjectCreated       Kind = "object-created"
	KindJobCompleted        Kind = "job-completed"
	KindValidationCompleted Kind = "validation-completed"
)

const (
	retryBase = time.Second
	retryCap  = 5 * time.Minute
)

// Delivery is one attempt to hand an event to its handler.
type Delivery struct {
	ID      string
	Kind    Kind
	Payload []byte
	Attempt int
}

// Handler processes one event payload.
type Handler func(ctx context.Context, payload []byte) error

// Queue delivers events to handlers at least once, in-process. Failed
// deliveries are retried with backoff while the error is retryable.
type Queue struct {
	deliveries    chan Delivery
	handlers      map[Kind]Handler
	mu            sync.RWMutex
	concurrency   int
	maxDeliveries int
	logger        *slog.Logger
	backoff       func(attempt int) time.Duration
	inflight      sync.WaitGroup
}

// New creates a new Queue.
func New(cfg *config.Config, logger *slog.Logger) *Queue {
	return &Queue{
		deliveries:    make(chan Delivery, cfg.QueueSize),
		handlers:      make(map[Kind]Handler),
		concurrency:   cfg.Concurrency,
		maxDeliveries: cfg.MaxDeliveries,
		logger:        logger,
		backoff:       jitter,
	}
}

// Handle registers h for kind, replacing any previous handler.
func (q *Queue) Handle(kind Kind, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

// Enqueue adds an event to the queue and returns its delivery id. Returns an
// error if the queue is full or nothing handles kind.
func (q *Queue) Enqueue(kind Kind, payload []byte) (string, error) {
	q.mu.RLock()
	_, ok := q.handlers[kind]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for %s events", kind)
	}

	d := Delivery{ID: uuid.NewString(), Kind: kind, Payload: payload, Attempt: 1}
	q.inflight.Add(1)
	select {
	case q.deliveries <- d:
		return d.ID, nil
	default:
		q.inflight.Done()
		return "", fmt.Errorf("queue full: cannot enqueue %s event", kind)
	}
}

// Publish hands a domain event to the local validation-completed handler.
// It lets the validation stage run without an external event bus.
func (q *Queue) Publish(_ context.Context, e *event.DomainEvent) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode domain event: %w", err)
	}
	id, err := q.Enqueue(KindValidationCompleted, payload)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamInvocation, "queue.publish", err, "publish %s", e.DetailType)
	}
	return id, nil
}

// Len reports how many deliveries are waiting for a worker.
func (q *Queue) Len() int {
	return len(q.deliveries)
}

// Start launches N workers (cfg.Concurrency) as goroutines.
func (q *Queue) Start(ctx context.Context) {
	for range q.concurrency {
		go q.runWorker(ctx)
	}
}

// Drain blocks until every accepted delivery has been handled, dropped or
// abandoned, or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker is a worker loop: dequeues deliveries and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.deliveries:
			q.process(ctx, d)
		}
	}
}

func (q *Queue) process(ctx context.Context, d Delivery) {
	q.mu.RLock()
	h := q.handlers[d.Kind]
	q.mu.RUnlock()

	log := q.logger.With("delivery_id", d.ID, "kind", d.Kind, "attempt", d.Attempt)

	err := q.invoke(ctx, h, d)
	if err == nil {
		log.Debug("delivery handled")
		q.inflight.Done()
		return
	}

	if !apperr.Retryable(err) {
		log.Error("delivery dropped", "error", err, "error_kind", apperr.KindOf(err))
		q.inflight.Done()
		return
	}
	if d.Attempt >= q.maxDeliveries {
		log.Error("delivery abandoned: attempts exhausted", "error", err, "error_kind", apperr.KindOf(err))
		q.inflight.Done()
		return
	}

	delay := q.backoff(d.Attempt)
	log.Warn("delivery failed, will redeliver", "error", err, "error_kind", apperr.KindOf(err), "delay", delay)
	d.Attempt++
	time.AfterFunc(delay, func() { q.redeliver(ctx, d) })
}

// invoke runs h, turning a panic into an error so one bad event cannot stop a worker.
func (q *Queue) invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d.Payload)
}

func (q *Queue) redeliver(ctx context.Context, d Delivery) {
	if ctx.Err() != nil {
		q.inflight.Done()
		return
	}
	select {
	case q.deliveries <- d:
	default:
		q.logger.Error("redelivery dropped: queue full", "delivery_id", d.ID, "kind", d.Kind)
		q.inflight.Done()
	}
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
// Full jitter prevents synchronized retries when many deliveries fail at the same time.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt) // base * 2^attempt
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}
