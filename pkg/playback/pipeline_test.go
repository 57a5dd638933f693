package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
	"github.com/teslashibe/go-misty/internal/log"
	"github.com/teslashibe/go-misty/pkg/misty"
)

// 4800 bytes at 24kHz is 100ms of audio.
const chunkBytes = 4800

type recorder struct {
	mu        sync.Mutex
	started   []Report
	finished  []Report
	responses []string
	complete  []string
}

func (r *recorder) startedUnits() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.started...)
}

func (r *recorder) finishedUnits() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.finished...)
}

func (r *recorder) completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.complete...)
}

func newTestPipeline(t *testing.T) (*Pipeline, *misty.Mock, *clock.Fake, *recorder) {
	t.Helper()
	m := misty.NewMock()
	clk := clock.NewFake(time.Unix(0, 0))
	p, err := New(m, WithLogger(log.Discard()), WithClock(clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	rec := &recorder{}
	p.OnUnitStarted(func(r Report) {
		rec.mu.Lock()
		rec.started = append(rec.started, r)
		rec.mu.Unlock()
	})
	p.OnUnitFinished(func(r Report) {
		rec.mu.Lock()
		rec.finished = append(rec.finished, r)
		rec.mu.Unlock()
	})
	p.OnResponseStart(func(id string) {
		rec.mu.Lock()
		rec.responses = append(rec.responses, id)
		rec.mu.Unlock()
	})
	p.OnResponseComplete(func(id string) {
		rec.mu.Lock()
		rec.complete = append(rec.complete, id)
		rec.mu.Unlock()
	})
	return p, m, clk, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pcm(n int) []byte {
	return make([]byte, n)
}

func addChunk(t *testing.T, p *Pipeline, id string, index int, final bool) {
	t.Helper()
	if err := p.AddChunk(id, index, pcm(chunkBytes), final); err != nil {
		t.Fatalf("AddChunk(%d): %v", index, err)
	}
}

func TestPipelinePlaysInOrderWithOneUploadAhead(t *testing.T) {
	p, m, _, rec := newTestPipeline(t)

	addChunk(t, p, "resp_1", 0, false)
	addChunk(t, p, "resp_1", 1, false)
	addChunk(t, p, "resp_1", 2, true)

	for i := 0; i < 3; i++ {
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == i+1 })
		cur := rec.startedUnits()[i]
		if cur.Index != i {
			t.Fatalf("started index %d, want %d", cur.Index, i)
		}

		// The unit after the current one is uploaded, never two ahead.
		wantSaves := i + 2
		if wantSaves > 3 {
			wantSaves = 3
		}
		waitFor(t, "pre-upload", func() bool { return len(m.CallsFor("save_audio")) == wantSaves })
		time.Sleep(10 * time.Millisecond)
		if got := len(m.CallsFor("save_audio")); got != wantSaves {
			t.Fatalf("after unit %d started: %d uploads, want %d", i, got, wantSaves)
		}

		p.NotifyPlaybackComplete(cur.Filename)
	}

	waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
	if got := rec.completed()[0]; got != "resp_1" {
		t.Errorf("completed %q, want resp_1", got)
	}

	plays := m.CallsFor("play_audio")
	if len(plays) != 3 {
		t.Fatalf("expected 3 plays, got %d", len(plays))
	}
	for i, c := range plays {
		if c.Name != rec.startedUnits()[i].Filename {
			t.Errorf("play %d was %q, want %q", i, c.Name, rec.startedUnits()[i].Filename)
		}
		if c.Volume != 100 {
			t.Errorf("play %d volume %d, want 100", i, c.Volume)
		}
	}
	for _, r := range rec.finishedUnits() {
		if r.Reason != ReasonEvent {
			t.Errorf("unit %d ended by %s, want event", r.Index, r.Reason)
		}
	}

	// Played files are removed from the device.
	waitFor(t, "cleanup", func() bool { return m.Files() == 0 })

	played, failed, byTimer, byEvent := p.Stats()
	if played != 3 || failed != 0 || byTimer != 0 || byEvent != 3 {
		t.Errorf("stats = %d/%d/%d/%d", played, failed, byTimer, byEvent)
	}
}

func TestPipelineReordersLateChunks(t *testing.T) {
	p, _, _, rec := newTestPipeline(t)

	addChunk(t, p, "resp_1", 0, false)
	addChunk(t, p, "resp_1", 2, true)
	addChunk(t, p, "resp_1", 1, false)

	for i := 0; i < 3; i++ {
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == i+1 })
		cur := rec.startedUnits()[i]
		if cur.Index != i {
			t.Fatalf("started index %d, want %d", cur.Index, i)
		}
		p.NotifyPlaybackComplete(cur.Filename)
	}
	waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
}

func TestPipelineFinishesOnceForEventAndTimer(t *testing.T) {
	t.Run("timer first", func(t *testing.T) {
		p, _, clk, rec := newTestPipeline(t)
		addChunk(t, p, "resp_1", 0, true)
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })

		// 100ms of audio plus the 300ms margin.
		clk.Advance(399 * time.Millisecond)
		if len(rec.finishedUnits()) != 0 {
			t.Fatal("timer fired early")
		}
		clk.Advance(time.Millisecond)
		p.NotifyPlaybackComplete(rec.startedUnits()[0].Filename)

		waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
		finished := rec.finishedUnits()
		if len(finished) != 1 {
			t.Fatalf("unit finished %d times, want 1", len(finished))
		}
		if finished[0].Reason != ReasonTimer {
			t.Errorf("reason %s, want timer", finished[0].Reason)
		}
	})

	t.Run("event first", func(t *testing.T) {
		p, _, clk, rec := newTestPipeline(t)
		addChunk(t, p, "resp_1", 0, true)
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })

		p.NotifyPlaybackComplete(rec.startedUnits()[0].Filename)
		if clk.Waiters() != 0 {
			t.Errorf("fallback timer still pending")
		}
		clk.Advance(time.Second)

		if len(rec.finishedUnits()) != 1 || len(rec.completed()) != 1 {
			t.Fatalf("finished=%d completed=%d, want 1/1", len(rec.finishedUnits()), len(rec.completed()))
		}
		if rec.finishedUnits()[0].Reason != ReasonEvent {
			t.Errorf("reason %s, want event", rec.finishedUnits()[0].Reason)
		}
	})
}

func TestPipelineIgnoresStaleEvents(t *testing.T) {
	p, _, _, rec := newTestPipeline(t)
	addChunk(t, p, "resp_1", 0, false)
	addChunk(t, p, "resp_1", 1, true)
	waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })
	first := rec.startedUnits()[0].Filename

	p.NotifyPlaybackComplete("realtime_response_deadbeef_0.wav")
	p.NotifyPlaybackComplete("")
	if len(rec.finishedUnits()) != 0 {
		t.Fatal("unrelated event finished the current unit")
	}

	p.NotifyPlaybackComplete(first)
	waitFor(t, "second unit", func() bool { return len(rec.startedUnits()) == 2 })

	// A repeated event for the first file must not end the second.
	p.NotifyPlaybackComplete(first)
	if len(rec.finishedUnits()) != 1 {
		t.Fatalf("expected 1 finished unit, got %d", len(rec.finishedUnits()))
	}
}

func TestPipelineSkipsFailedUploads(t *testing.T) {
	p, m, _, rec := newTestPipeline(t)
	m.FailOp("save_audio", 1)

	addChunk(t, p, "resp_1", 0, false)
	waitFor(t, "first upload", func() bool { return len(m.CallsFor("save_audio")) == 1 })
	addChunk(t, p, "resp_1", 1, true)

	waitFor(t, "second unit to start", func() bool { return len(rec.startedUnits()) == 1 })
	if got := rec.startedUnits()[0].Index; got != 1 {
		t.Fatalf("started index %d, want 1", got)
	}

	finished := rec.finishedUnits()
	if len(finished) != 1 || finished[0].Reason != ReasonUploadFailed {
		t.Fatalf("unexpected finished units %+v", finished)
	}
	if !errors.Is(finished[0].Err, ErrUploadFailed) {
		t.Errorf("expected ErrUploadFailed, got %v", finished[0].Err)
	}

	p.NotifyPlaybackComplete(rec.startedUnits()[0].Filename)
	waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
}

func TestPipelineFailedFinalStillCompletes(t *testing.T) {
	p, m, _, rec := newTestPipeline(t)
	m.FailOp("play_audio", 1)

	addChunk(t, p, "resp_1", 0, true)
	waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })

	finished := rec.finishedUnits()
	if len(finished) != 1 || finished[0].Reason != ReasonPlayFailed {
		t.Fatalf("unexpected finished units %+v", finished)
	}
	if !errors.Is(finished[0].Err, ErrPlayFailed) {
		t.Errorf("expected ErrPlayFailed, got %v", finished[0].Err)
	}
	if _, failed, _, _ := p.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestPipelineEmptyFinal(t *testing.T) {
	t.Run("alone", func(t *testing.T) {
		p, m, _, rec := newTestPipeline(t)
		if err := p.AddChunk("resp_1", 0, nil, true); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		if got := rec.completed(); len(got) != 1 || got[0] != "resp_1" {
			t.Fatalf("completed = %v", got)
		}
		if len(m.Calls()) != 0 {
			t.Errorf("empty final touched the device: %+v", m.Calls())
		}
		if r := rec.finishedUnits(); len(r) != 1 || r[0].Reason != ReasonEmpty {
			t.Errorf("unexpected finished units %+v", r)
		}
	})

	t.Run("after audio", func(t *testing.T) {
		p, m, _, rec := newTestPipeline(t)
		addChunk(t, p, "resp_1", 0, false)
		if err := p.AddChunk("resp_1", 1, nil, true); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })
		if len(rec.completed()) != 0 {
			t.Fatal("completed before the last audio played")
		}

		p.NotifyPlaybackComplete(rec.startedUnits()[0].Filename)
		waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
		if got := len(m.CallsFor("save_audio")); got != 1 {
			t.Errorf("uploads = %d, want 1", got)
		}
	})
}

func TestPipelineInterleavedResponses(t *testing.T) {
	p, _, _, rec := newTestPipeline(t)
	addChunk(t, p, "resp_a", 0, true)
	addChunk(t, p, "resp_b", 0, true)

	for i := 0; i < 2; i++ {
		waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == i+1 })
		p.NotifyPlaybackComplete(rec.startedUnits()[i].Filename)
	}
	waitFor(t, "both complete", func() bool { return len(rec.completed()) == 2 })
	if got := rec.completed(); got[0] != "resp_a" || got[1] != "resp_b" {
		t.Errorf("completion order %v", got)
	}
}

func TestPipelineClear(t *testing.T) {
	p, m, clk, rec := newTestPipeline(t)
	addChunk(t, p, "resp_1", 0, false)
	addChunk(t, p, "resp_1", 1, false)
	addChunk(t, p, "resp_1", 2, true)
	waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })
	waitFor(t, "pre-upload", func() bool { return len(m.CallsFor("save_audio")) == 2 })

	p.Clear()

	s := p.Snapshot()
	if s.Queued != 0 || s.Playing != "" || s.Speaking {
		t.Errorf("snapshot after clear = %+v", s)
	}
	waitFor(t, "stop", func() bool { return len(m.CallsFor("stop_audio")) == 1 })

	// Late signals for cleared units are ignored.
	clk.Advance(time.Second)
	p.NotifyPlaybackComplete(rec.startedUnits()[0].Filename)
	time.Sleep(10 * time.Millisecond)
	if len(rec.completed()) != 0 || len(rec.finishedUnits()) != 0 {
		t.Errorf("cleared units reported: completed=%v finished=%v", rec.completed(), rec.finishedUnits())
	}
	waitFor(t, "uploaded files removed", func() bool { return m.Files() == 0 })

	// The pipeline keeps working afterwards.
	addChunk(t, p, "resp_2", 0, true)
	waitFor(t, "new unit", func() bool { return len(rec.startedUnits()) == 2 })
	p.NotifyPlaybackComplete(rec.startedUnits()[1].Filename)
	waitFor(t, "response complete", func() bool { return len(rec.completed()) == 1 })
}

func TestPipelineClearLeavesQueueStorageAlone(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	playing := &unit{responseID: "resp_1", index: 0, upload: Uploaded, play: PlayPlaying}
	queued := &unit{responseID: "resp_1", index: 1}
	spare := &unit{responseID: "resp_9", index: 7}

	backing := []*unit{queued, spare}
	p.mu.Lock()
	p.current = playing
	p.queue = backing[:1]
	p.mu.Unlock()

	p.Clear()

	if backing[1] != spare {
		t.Error("Clear wrote into the queue's spare capacity")
	}
	if !playing.finished || !queued.finished {
		t.Errorf("finished: playing=%v queued=%v, want both", playing.finished, queued.finished)
	}
	if spare.finished {
		t.Error("unit outside the queue was abandoned")
	}
}

func TestPipelineSnapshot(t *testing.T) {
	p, _, _, rec := newTestPipeline(t)
	if p.Snapshot().Speaking {
		t.Error("idle pipeline reports speaking")
	}
	addChunk(t, p, "resp_1", 0, false)
	addChunk(t, p, "resp_1", 1, true)
	waitFor(t, "unit to start", func() bool { return len(rec.startedUnits()) == 1 })

	s := p.Snapshot()
	if !s.Speaking || s.Queued != 1 || s.ResponseID != "resp_1" || s.Playing != rec.startedUnits()[0].Filename {
		t.Errorf("unexpected snapshot %+v", s)
	}
}

func TestPipelineConfig(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr error
	}{
		{"defaults", nil, nil},
		{"depth 2", []Option{WithPipelineDepth(2)}, ErrUnsupportedDepth},
		{"depth 0", []Option{WithPipelineDepth(0)}, ErrUnsupportedDepth},
		{"volume", []Option{WithVolume(101)}, errAny},
		{"rates", []Option{WithSampleRates(0, 16000)}, errAny},
		{"margin", []Option{WithFallbackMargin(-time.Second)}, errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(misty.NewMock(), tt.opts...)
			switch {
			case tt.wantErr == nil && err != nil:
				t.Errorf("unexpected error %v", err)
			case tt.wantErr == errAny && err == nil:
				t.Error("expected error")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestPipelineClosed(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.AddChunk("resp_1", 0, pcm(chunkBytes), true); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestReasonFailed(t *testing.T) {
	for _, r := range []Reason{ReasonEvent, ReasonTimer, ReasonEmpty} {
		if r.Failed() {
			t.Errorf("%s reported as failed", r)
		}
	}
	for _, r := range []Reason{ReasonUploadFailed, ReasonPlayFailed} {
		if !r.Failed() {
			t.Errorf("%s not reported as failed", r)
		}
	}
}
