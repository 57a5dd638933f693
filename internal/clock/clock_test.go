package clock

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 32}
	for attempt, w := range want {
		if got := Backoff(attempt, 60*time.Second); got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w*time.Second)
		}
	}

	if got := Backoff(6, 60*time.Second); got != 60*time.Second {
		t.Errorf("Backoff(6) = %v, want cap of 60s", got)
	}
	if got := Backoff(3, 5*time.Second); got != 5*time.Second {
		t.Errorf("Backoff(3, 5s) = %v, want 5s", got)
	}
	if got := Backoff(100, time.Minute); got != time.Minute {
		t.Errorf("Backoff(100) = %v, want 1m", got)
	}
}

func TestFake(t *testing.T) {
	t.Run("after fires on advance", func(t *testing.T) {
		f := NewFake(time.Unix(0, 0))
		ch := f.After(time.Second)

		f.Advance(500 * time.Millisecond)
		select {
		case <-ch:
			t.Fatal("fired early")
		default:
		}

		f.Advance(500 * time.Millisecond)
		select {
		case <-ch:
		default:
			t.Fatal("did not fire")
		}
	})

	t.Run("stopped timer does not fire", func(t *testing.T) {
		f := NewFake(time.Unix(0, 0))
		fired := false
		tm := f.AfterFunc(time.Second, func() { fired = true })

		if !tm.Stop() {
			t.Error("first Stop should report true")
		}
		if tm.Stop() {
			t.Error("second Stop should report false")
		}
		f.Advance(2 * time.Second)
		if fired {
			t.Error("stopped timer fired")
		}
	})

	t.Run("fires in deadline order", func(t *testing.T) {
		f := NewFake(time.Unix(0, 0))
		var order []int
		f.AfterFunc(3*time.Second, func() { order = append(order, 3) })
		f.AfterFunc(1*time.Second, func() { order = append(order, 1) })
		f.AfterFunc(2*time.Second, func() { order = append(order, 2) })

		f.Advance(5 * time.Second)
		if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
			t.Errorf("order = %v, want [1 2 3]", order)
		}
	})

	t.Run("block until", func(t *testing.T) {
		f := NewFake(time.Unix(0, 0))
		go func() { <-f.After(time.Second) }()

		if !f.BlockUntil(1, time.Second) {
			t.Fatal("waiter never registered")
		}
		f.Advance(time.Second)
	})
}
