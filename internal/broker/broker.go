// Package broker holds dispatchable task envelopes in per-category FIFO queues
// and carries worker reports back to the scheduler.
//
// Queues live in memory only. After a restart the scheduler rebuilds them from
// the store, so nothing here needs to survive the process.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/missionctl/internal/mission"
)

var (
	ErrClosed          = errors.New("broker is closed")
	ErrUnknownDelivery = errors.New("unknown or expired delivery")
)

// LeaseExpired is the error recorded when a worker neither acknowledged nor
// reported a delivery in time.
const LeaseExpired = "lease expired"

// Outcome is the kind of a worker report.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"   // Worker acknowledged the delivery
	OutcomeSucceeded Outcome = "succeeded" // Output attached
	OutcomeFailed    Outcome = "failed"    // Error attached
)

// Envelope is the message unit a worker consumes.
type Envelope struct {
	DeliveryID string           `json:"delivery_id"`
	TaskID     string           `json:"task_id"`
	MissionID  string           `json:"mission_id"`
	Category   mission.Category `json:"category"`
	Input      json.RawMessage  `json:"input,omitempty"`
	Attempt    int              `json:"attempt"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Report is a worker's account of one delivery.
type Report struct {
	DeliveryID string             `json:"delivery_id,omitempty"`
	TaskID     string             `json:"task_id"`
	MissionID  string             `json:"mission_id"`
	Attempt    int                `json:"attempt"`
	Outcome    Outcome            `json:"outcome"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
	Error      string             `json:"error,omitempty"`
	FollowUps  []mission.TaskSpec `json:"follow_ups,omitempty"`
}

// Validate checks the fields every report needs.
func (r Report) Validate() error {
	if r.TaskID == "" || r.MissionID == "" {
		return &mission.ValidationError{Field: "report", Reason: "task_id and mission_id are required"}
	}
	if r.Attempt <= 0 {
		return &mission.ValidationError{Field: "attempt", Reason: "must be positive"}
	}
	switch r.Outcome {
	case OutcomeStarted, OutcomeSucceeded, OutcomeFailed:
		return nil
	}
	return &mission.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", r.Outcome)}
}

// Options configures a Broker.
type Options struct {
	AckTimeout   time.Duration            // Dequeue -> ack
	LeaseTimeout time.Duration            // Ack -> report
	Concurrency  map[mission.Category]int // Max in-flight deliveries per category
	ReportBuffer int
	Logger       *slog.Logger
}

const (
	defaultAckTimeout   = 30 * time.Second
	defaultLeaseTimeout = 15 * time.Minute
	defaultConcurrency  = 4
	defaultReportBuffer = 1024
)

type queue struct {
	items  []Envelope
	notify chan struct{} // capacity 1; signalled when items may be available
	sem    *semaphore.Weighted
	leased int
}

type lease struct {
	env   Envelope
	acked bool
	timer *time.Timer
}

// Broker is an in-memory queue broker with per-category admission control.
type Broker struct {
	mu      sync.Mutex
	queues  map[mission.Category]*queue
	leases  map[string]*lease // deliveryID -> lease
	reports chan Report
	done    chan struct{}
	closed  bool

	ackTimeout   time.Duration
	leaseTimeout time.Duration
	logger       *slog.Logger
}

// New creates a broker with one queue per known category.
func New(opts Options) *Broker {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = defaultLeaseTimeout
	}
	if opts.ReportBuffer <= 0 {
		opts.ReportBuffer = defaultReportBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Broker{
		queues:       make(map[mission.Category]*queue),
		leases:       make(map[string]*lease),
		reports:      make(chan Report, opts.ReportBuffer),
		done:         make(chan struct{}),
		ackTimeout:   opts.AckTimeout,
		leaseTimeout: opts.LeaseTimeout,
		logger:       opts.Logger,
	}

	for _, cat := range mission.Categories() {
		limit := opts.Concurrency[cat]
		if limit <= 0 {
			limit = defaultConcurrency
		}
		b.queues[cat] = &queue{
			notify: make(chan struct{}, 1),
			sem:    semaphore.NewWeighted(int64(limit)),
		}
	}
	return b
}

func (b *Broker) queue(cat mission.Category) (*queue, error) {
	q, ok := b.queues[cat]
	if !ok {
		return nil, &mission.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", cat)}
	}
	return q, nil
}

// Enqueue appends an envelope to its category queue and assigns a delivery ID.
func (b *Broker) Enqueue(env Envelope) (Envelope, error) {
	q, err := b.queue(env.Category)
	if err != nil {
		return Envelope{}, err
	}

	env.DeliveryID = uuid.NewString()
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	q.items = append(q.items, env)
	b.mu.Unlock()

	signal(q.notify)
	return env, nil
}

// Dequeue blocks until an envelope of category is available and the category's
// in-flight count is below its limit, then leases it to the caller. The caller
// must Ack within the ack timeout and Report within the lease timeout after that.
func (b *Broker) Dequeue(ctx context.Context, category mission.Category) (Envelope, error) {
	q, err := b.queue(category)
	if err != nil {
		return Envelope{}, err
	}

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return Envelope{}, err
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			q.sem.Release(1)
			return Envelope{}, ErrClosed
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.leased++
			id := env.DeliveryID
			b.leases[id] = &lease{
				env:   env,
				timer: time.AfterFunc(b.ackTimeout, func() { b.expire(id) }),
			}
			more := len(q.items) > 0
			b.mu.Unlock()

			// Wake the next waiter if work remains.
			if more {
				signal(q.notify)
			}
			return env, nil
		}
		b.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			q.sem.Release(1)
			return Envelope{}, ctx.Err()
		case <-b.done:
			q.sem.Release(1)
			return Envelope{}, ErrClosed
		}
	}
}

// TryDequeue waits at most wait for an envelope. It returns false when none arrived.
func (b *Broker) TryDequeue(ctx context.Context, category mission.Category, wait time.Duration) (Envelope, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	env, err := b.Dequeue(ctx, category)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Ack acknowledges a delivery before the worker causes side effects.
// The scheduler receives a started report and the lease timeout begins.
func (b *Broker) Ack(deliveryID string) error {
	b.mu.Lock()
	l, ok := b.leases[deliveryID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownDelivery
	}
	if l.acked {
		b.mu.Unlock()
		return nil
	}
	l.acked = true
	l.timer.Stop()
	l.timer = time.AfterFunc(b.leaseTimeout, func() { b.expire(deliveryID) })
	env := l.env
	b.mu.Unlock()

	return b.forward(Report{
		DeliveryID: deliveryID,
		TaskID:     env.TaskID,
		MissionID:  env.MissionID,
		Attempt:    env.Attempt,
		Outcome:    OutcomeStarted,
	})
}

// Report ends a delivery's lease and forwards the report to the scheduler.
// Reports for unknown or expired deliveries are still forwarded; the scheduler
// decides whether they are current.
func (b *Broker) Report(r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Outcome == OutcomeStarted {
		if r.DeliveryID != "" {
			return b.Ack(r.DeliveryID)
		}
		return b.forward(r)
	}

	if r.DeliveryID != "" {
		b.release(r.DeliveryID)
	}
	return b.forward(r)
}

// Reports is the stream of worker reports for the scheduler.
func (b *Broker) Reports() <-chan Report {
	return b.reports
}

// Purge removes queued envelopes of a mission. Leased envelopes are left to
// finish or expire. Returns the number of envelopes removed.
func (b *Broker) Purge(missionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, q := range b.queues {
		kept := q.items[:0]
		for _, env := range q.items {
			if env.MissionID == missionID {
				removed++
				continue
			}
			kept = append(kept, env)
		}
		q.items = kept
	}
	return removed
}

// Len returns the number of queued envelopes for a category.
func (b *Broker) Len(category mission.Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[category]; ok {
		return len(q.items)
	}
	return 0
}

// InFlight returns the number of leased envelopes for a category.
func (b *Broker) InFlight(category mission.Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[category]; ok {
		return q.leased
	}
	return 0
}

// Close stops the broker. Blocked Dequeue calls return ErrClosed.
// Safe to call multiple times.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, l := range b.leases {
		l.timer.Stop()
		delete(b.leases, id)
	}
}

// release ends a lease and frees its admission slot. Returns the lease if it existed.
func (b *Broker) release(deliveryID string) (*lease, bool) {
	b.mu.Lock()
	l, ok := b.leases[deliveryID]
	if ok {
		delete(b.leases, deliveryID)
		l.timer.Stop()
		q := b.queues[l.env.Category]
		q.leased--
		q.sem.Release(1)
	}
	b.mu.Unlock()
	return l, ok
}

// expire synthesises a failure for a delivery whose worker went silent, so the
// scheduler's retry policy redispatches it as the next attempt.
func (b *Broker) expire(deliveryID string) {
	l, ok := b.release(deliveryID)
	if !ok {
		return
	}

	b.logger.Warn("delivery lease expired",
		"delivery_id", deliveryID,
		"task_id", l.env.TaskID,
		"mission_id", l.env.MissionID,
		"attempt", l.env.Attempt,
		"acked", l.acked)

	if err := b.forward(Report{
		DeliveryID: deliveryID,
		TaskID:     l.env.TaskID,
		MissionID:  l.env.MissionID,
		Attempt:    l.env.Attempt,
		Outcome:    OutcomeFailed,
		Error:      LeaseExpired,
	}); err != nil {
		b.logger.Debug("dropping expiry report", "delivery_id", deliveryID, "error", err)
	}
}

func (b *Broker) forward(r Report) error {
	select {
	case b.reports <- r:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
