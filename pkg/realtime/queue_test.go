package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
	"github.com/teslashibe/go-misty/internal/log"
)

// fakeTransport records writes and lets tests script failures.
type fakeTransport struct {
	mu         sync.Mutex
	open       bool
	paused     time.Time
	writes     []string
	failFor    map[string]int
	reconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true, failFor: make(map[string]int)}
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) PausedUntil() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeTransport) Write(data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	tag, _ := msg["tag"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[tag]; n != 0 {
		if n > 0 {
			f.failFor[tag] = n - 1
		}
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, tag)
	return nil
}

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeTransport) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func tagged(tag string) Message {
	return Message{"type": "test.message", "tag": tag}
}

func newTestQueue(t *testing.T, ft *fakeTransport) (*Queue, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := DefaultConfig()
	cfg.Logger = log.Discard()
	cfg.Clock = clk
	return NewQueue(ft, cfg), clk
}

// stepAsync runs one drain step on its own goroutine.
func stepAsync(q *Queue) <-chan error {
	done := make(chan error, 1)
	go func() { done <- q.step(context.Background()) }()
	return done
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueFIFO(t *testing.T) {
	ft := newFakeTransport()
	q, _ := newTestQueue(t, ft)

	for _, tag := range []string{"a", "b", "c"} {
		if err := q.Enqueue(tagged(tag)); err != nil {
			t.Fatalf("enqueue %s: %v", tag, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := q.step(context.Background()); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	if got := ft.written(); !equalTags(got, []string{"a", "b", "c"}) {
		t.Errorf("expected [a b c], got %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	if q.Sent() != 3 {
		t.Errorf("expected 3 sent, got %d", q.Sent())
	}
}

func TestQueueEnqueueFront(t *testing.T) {
	ft := newFakeTransport()
	q, _ := newTestQueue(t, ft)

	_ = q.Enqueue(tagged("audio"))
	_ = q.EnqueueFront(tagged("session"))

	for i := 0; i < 2; i++ {
		_ = q.step(context.Background())
	}

	if got := ft.written(); !equalTags(got, []string{"session", "audio"}) {
		t.Errorf("expected session first, got %v", got)
	}
}

func TestQueueEnqueueAddsEventID(t *testing.T) {
	ft := newFakeTransport()
	q, _ := newTestQueue(t, ft)

	msg := tagged("a")
	_ = q.Enqueue(msg)

	if _, ok := msg["event_id"]; ok {
		t.Error("enqueue should not mutate the caller's message")
	}

	item := q.pop()
	var decoded map[string]any
	if err := json.Unmarshal(item.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if id, _ := decoded["event_id"].(string); id == "" {
		t.Error("expected event_id on queued payload")
	}
	if item.Attempt != 0 {
		t.Errorf("expected attempt 0, got %d", item.Attempt)
	}
}

func TestQueueRateLimitPause(t *testing.T) {
	ft := newFakeTransport()
	q, clk := newTestQueue(t, ft)

	ft.paused = clk.Now().Add(60 * time.Second)
	_ = q.Enqueue(tagged("a"))
	_ = q.Enqueue(tagged("b"))

	done := stepAsync(q)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("drain loop did not wait on the rate limit window")
	}

	clk.Advance(59 * time.Second)
	if len(ft.written()) != 0 {
		t.Fatal("sent during rate limit window")
	}

	// The waiter was registered for the full 60s.
	clk.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("step: %v", err)
	}

	for i := 0; i < 2; i++ {
		_ = q.step(context.Background())
	}

	if got := ft.written(); !equalTags(got, []string{"a", "b"}) {
		t.Errorf("expected [a b] after window, got %v", got)
	}
}

func TestQueueRetryGoesToTail(t *testing.T) {
	ft := newFakeTransport()
	q, clk := newTestQueue(t, ft)
	ft.failFor["a"] = 1

	_ = q.Enqueue(tagged("a"))
	_ = q.Enqueue(tagged("b"))

	// a fails and moves behind b.
	_ = q.step(context.Background())
	// b sends.
	_ = q.step(context.Background())

	// a is not due for another second.
	done := stepAsync(q)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("expected wait on retry delay")
	}
	clk.Advance(time.Second)
	<-done

	_ = q.step(context.Background())

	if got := ft.written(); !equalTags(got, []string{"b", "a"}) {
		t.Errorf("expected [b a], got %v", got)
	}
}

func TestQueueRetryDelays(t *testing.T) {
	ft := newFakeTransport()
	q, clk := newTestQueue(t, ft)
	ft.failFor["a"] = -1

	_ = q.Enqueue(tagged("a"))

	want := []time.Duration{1, 2, 4, 8, 16}
	for i, w := range want {
		start := clk.Now()
		_ = q.step(context.Background())

		q.mu.Lock()
		item := q.items[0]
		q.mu.Unlock()

		if item.Attempt != i+1 {
			t.Errorf("retry %d: expected attempt %d, got %d", i, i+1, item.Attempt)
		}
		if got := item.NextTryAt.Sub(start); got != w*time.Second {
			t.Errorf("retry %d: expected delay %s, got %s", i, w*time.Second, got)
		}
		clk.Advance(time.Minute)
	}
}

func TestQueueExhaustion(t *testing.T) {
	ft := newFakeTransport()
	q, clk := newTestQueue(t, ft)
	ft.failFor["a"] = -1

	var dropped *DeliveryError
	q.OnExhausted(func(err *DeliveryError) { dropped = err })

	_ = q.Enqueue(tagged("a"))
	_ = q.Enqueue(tagged("b"))

	// b goes out first, then a is retried until it runs out of attempts.
	for i := 0; i < 7; i++ {
		clk.Advance(time.Minute)
		_ = q.step(context.Background())
	}

	if dropped == nil {
		t.Fatal("expected DeliveryExhausted report")
	}
	if !errors.Is(dropped, ErrDeliveryExhausted) {
		t.Errorf("expected ErrDeliveryExhausted, got %v", dropped)
	}
	if dropped.Attempts != 6 {
		t.Errorf("expected 6 attempts, got %d", dropped.Attempts)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after drop, got %d", q.Len())
	}
	if q.Exhausted() != 1 {
		t.Errorf("expected 1 exhausted, got %d", q.Exhausted())
	}
	if got := ft.written(); !equalTags(got, []string{"b"}) {
		t.Errorf("expected only b delivered, got %v", got)
	}
}

func (f *fakeTransport) setOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = open
}

func (f *fakeTransport) reconnectRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func headOf(t *testing.T, q *Queue) (string, int) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		t.Fatal("queue is empty")
	}
	var msg map[string]any
	_ = json.Unmarshal(q.items[0].Payload, &msg)
	tag, _ := msg["tag"].(string)
	return tag, q.items[0].Attempt
}

func TestQueueNotConnected(t *testing.T) {
	ft := newFakeTransport()
	ft.open = false
	q, clk := newTestQueue(t, ft)

	_ = q.Enqueue(tagged("a"))
	_ = q.Enqueue(tagged("b"))

	// Each check holds a at the head, asks for a reconnect and sleeps briefly.
	for i := 0; i < 3; i++ {
		done := stepAsync(q)
		if !clk.BlockUntil(1, time.Second) {
			t.Fatalf("check %d: expected a short hold", i)
		}
		clk.Advance(DefaultConfig().HoldInterval)
		if err := <-done; err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	if n := ft.reconnectRequests(); n != 3 {
		t.Errorf("expected 3 reconnect requests, got %d", n)
	}
	tag, attempt := headOf(t, q)
	if tag != "a" {
		t.Errorf("expected a to stay at the head, got %q", tag)
	}
	if attempt != 1 {
		t.Errorf("expected one attempt for the outage, got %d", attempt)
	}

	// Once the socket is back the held messages go out without any wait.
	ft.setOpen(true)
	for i := 0; i < 2; i++ {
		_ = q.step(context.Background())
	}
	if got := ft.written(); !equalTags(got, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestQueueSendsRightAfterReopen(t *testing.T) {
	ft := newFakeTransport()
	ft.open = false
	q, clk := newTestQueue(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	_ = q.Enqueue(tagged("audio"))

	// A long outage, checked every hold interval.
	for elapsed := time.Duration(0); elapsed < 15*time.Second; elapsed += time.Second {
		if !clk.BlockUntil(1, time.Second) {
			t.Fatal("drain loop is not holding")
		}
		clk.Advance(time.Second)
	}
	if len(ft.written()) != 0 {
		t.Fatal("sent while the socket was closed")
	}

	// The socket reopens and queues its configuration ahead of the backlog.
	ft.setOpen(true)
	_ = q.EnqueueFront(tagged("config"))

	deadline := time.After(time.Second)
	for len(ft.written()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("held messages not sent after reopen, got %v", ft.written())
		case <-time.After(time.Millisecond):
		}
	}
	if got := ft.written(); !equalTags(got, []string{"config", "audio"}) {
		t.Errorf("expected [config audio], got %v", got)
	}

	cancel()
	<-done
}

func TestQueueEnqueueFrontDuringRetryWait(t *testing.T) {
	ft := newFakeTransport()
	q, clk := newTestQueue(t, ft)
	ft.failFor["a"] = 1

	_ = q.Enqueue(tagged("a"))
	_ = q.step(context.Background())
	// Drop the wake left over from Enqueue.
	select {
	case <-q.wake:
	default:
	}

	// a is not due for a second; the worker waits on it.
	done := stepAsync(q)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("expected wait on retry delay")
	}

	_ = q.EnqueueFront(tagged("config"))
	if err := <-done; err != nil {
		t.Fatalf("step: %v", err)
	}
	_ = q.step(context.Background())

	if got := ft.written(); !equalTags(got, []string{"config"}) {
		t.Errorf("expected config to go out ahead of the delayed item, got %v", got)
	}
	if tag, _ := headOf(t, q); tag != "a" {
		t.Errorf("expected a to wait at the head, got %q", tag)
	}
}

func TestQueueRunStopsOnCancel(t *testing.T) {
	ft := newFakeTransport()
	q, _ := newTestQueue(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	_ = q.Enqueue(tagged("a"))
	deadline := time.After(time.Second)
	for len(ft.written()) == 0 {
		select {
		case <-deadline:
			t.Fatal("message not delivered")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestQueueRunRecoversPanic(t *testing.T) {
	ft := newFakeTransport()
	q, _ := newTestQueue(t, ft)
	q.OnSent(func(Item) { panic("boom") })

	_ = q.Enqueue(tagged("a"))

	err := q.Run(context.Background())
	if !errors.Is(err, ErrWorkerCrashed) {
		t.Errorf("expected ErrWorkerCrashed, got %v", err)
	}
}
