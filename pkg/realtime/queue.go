package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
)

// Transport is what the delivery queue needs from a socket owner.
// Session implements it.
type Transport interface {
	// IsOpen reports whether the socket can be written to.
	IsOpen() bool

	// PausedUntil returns the end of the current rate limit window.
	PausedUntil() time.Time

	// Write sends one encoded message.
	Write(data []byte) error

	// Reconnect asks the transport to start its reconnect sequence.
	Reconnect()
}

// Item is one queued outbound message.
type Item struct {
	Type      string
	Payload   []byte
	Attempt   int
	NextTryAt time.Time
}

// Queue is a retrying, rate-limit-aware FIFO of outbound messages drained
// by a single worker, so the socket is never written concurrently.
type Queue struct {
	transport Transport
	config    *Config
	logger    *slog.Logger
	clock     clock.Clock

	mu    sync.Mutex
	items []*Item
	held  bool
	wake  chan struct{}

	onSent      func(Item)
	onExhausted func(*DeliveryError)

	sent      atomic.Int64
	exhausted atomic.Int64
}

// NewQueue creates a queue that writes through t.
func NewQueue(t Transport, cfg *Config) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		transport: t,
		config:    cfg,
		logger:    logger.With("component", "realtime.queue"),
		clock:     clk,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue appends msg. It never blocks and is safe for concurrent use.
func (q *Queue) Enqueue(msg Message) error {
	item, err := q.newItem(msg)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// EnqueueFront puts msg ahead of everything already queued. Used for the
// session configuration that must precede audio after a reconnect.
func (q *Queue) EnqueueFront(msg Message) error {
	item, err := q.newItem(msg)
	if err != nil {
		return err
	}
	q.pushFront(item)
	q.signal()
	return nil
}

// Wake ends any wakeable wait so the worker re-checks the head. The
// session calls it when the socket opens.
func (q *Queue) Wake() {
	q.signal()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Sent returns how many messages were written successfully.
func (q *Queue) Sent() int64 { return q.sent.Load() }

// Exhausted returns how many messages were dropped.
func (q *Queue) Exhausted() int64 { return q.exhausted.Load() }

// OnSent sets the callback run after each successful write.
func (q *Queue) OnSent(fn func(Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSent = fn
}

// OnExhausted sets the callback run when a message is dropped.
func (q *Queue) OnExhausted(fn func(*DeliveryError)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExhausted = fn
}

// Run drains the queue until ctx is done. Send failures are retried or
// dropped without stopping the loop. A panic stops the loop and is returned
// wrapped in ErrWorkerCrashed.
func (q *Queue) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("drain worker crashed", "panic", r)
			err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
		}
	}()

	for {
		if err := q.step(ctx); err != nil {
			return err
		}
	}
}

// step performs one drain decision. It returns only ctx errors.
func (q *Queue) step(ctx context.Context) error {
	now := q.clock.Now()

	if until := q.transport.PausedUntil(); now.Before(until) {
		q.logger.Debug("sends paused by rate limit", "remaining", until.Sub(now))
		return q.wait(ctx, until.Sub(now), false)
	}

	item := q.pop()
	if item == nil {
		return q.wait(ctx, 0, true)
	}

	if now.Before(item.NextTryAt) {
		q.pushFront(item)
		return q.wait(ctx, item.NextTryAt.Sub(now), true)
	}

	if !q.transport.IsOpen() {
		// One attempt per outage, not per check.
		q.mu.Lock()
		first := !q.held
		q.held = true
		q.mu.Unlock()
		if first {
			item.Attempt++
			q.logger.Debug("socket not open, holding messages",
				"type", item.Type,
				"attempt", item.Attempt,
			)
		}
		q.pushFront(item)
		q.transport.Reconnect()
		return q.wait(ctx, q.config.HoldInterval, true)
	}

	q.mu.Lock()
	q.held = false
	q.mu.Unlock()

	if err := q.transport.Write(item.Payload); err != nil {
		if item.Attempt < q.config.MaxSendAttempts {
			delay := clock.Backoff(item.Attempt, q.config.MaxRetryDelay)
			item.Attempt++
			item.NextTryAt = now.Add(delay)
			q.pushBack(item)
			q.logger.Warn("send failed, will retry",
				"type", item.Type,
				"attempt", item.Attempt,
				"backoff", delay,
				"error", err,
			)
			return nil
		}

		q.exhausted.Add(1)
		dErr := &DeliveryError{Type: item.Type, Attempts: item.Attempt + 1, Cause: err}
		q.logger.Error("dropping message", "type", item.Type, "attempts", dErr.Attempts, "error", err)
		q.emitExhausted(dErr)
		return nil
	}

	q.sent.Add(1)
	q.emitSent(*item)
	return nil
}

// wait sleeps for d (or indefinitely when d is zero) until ctx is done.
// When wakeable, an Enqueue or Wake ends the wait early.
func (q *Queue) wait(ctx context.Context, d time.Duration, wakeable bool) error {
	var timer <-chan time.Time
	if d > 0 {
		timer = q.clock.After(d)
	}
	var wake <-chan struct{}
	if wakeable || timer == nil {
		wake = q.wake
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
	case <-wake:
	}
	return nil
}

func (q *Queue) newItem(msg Message) (*Item, error) {
	out := make(Message, len(msg)+1)
	for k, v := range msg {
		out[k] = v
	}
	if _, ok := out["event_id"]; !ok {
		out["event_id"] = newEventID()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", msg.Type(), err)
	}
	return &Item{Type: msg.Type(), Payload: data, NextTryAt: q.clock.Now()}, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *Queue) pushFront(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*Item{item}, q.items...)
}

func (q *Queue) pushBack(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *Queue) emitSent(item Item) {
	q.mu.Lock()
	fn := q.onSent
	q.mu.Unlock()
	if fn != nil {
		fn(item)
	}
}

func (q *Queue) emitExhausted(err *DeliveryError) {
	q.mu.Lock()
	fn := q.onExhausted
	q.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
