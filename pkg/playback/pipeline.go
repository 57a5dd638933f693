// Package playback drives chunked audio through a slow, non-streaming
// playback device.
//
// Each chunk becomes a unit that is converted to WAV, uploaded under a
// unique file name and played. While one unit plays, the next is uploaded
// so it can start the moment the current one ends. A unit ends on the
// device's completion event or on a fallback timer sized from its audio
// duration, whichever comes first; the later signal is ignored.
//
// Example usage:
//
//	p, err := playback.New(device, playback.WithVolume(100))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p.OnResponseComplete(func(id string) { device.ChangeLED(ctx, misty.ColorIdle) })
//	events.OnAudioPlayComplete(p.NotifyPlaybackComplete)
//
//	p.AddChunk(chunk.ResponseID, chunk.Index, chunk.PCM, chunk.Final)
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/teslashibe/go-misty/internal/clock"
	"github.com/teslashibe/go-misty/pkg/audioio"
)

// Device is the subset of the robot the pipeline needs.
type Device interface {
	SaveAudio(ctx context.Context, name string, data []byte) error
	PlayAudio(ctx context.Context, name string, volume int) error
	DeleteAudio(ctx context.Context, name string) error
}

// Stopper is implemented by devices that can stop playback early. Clear
// uses it when present.
type Stopper interface {
	StopAudio(ctx context.Context) error
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Queued     int
	Playing    string
	ResponseID string
	Speaking   bool
}

// Pipeline is the chunk playback pipeline. All state transitions happen
// under one lock; device calls and callbacks run outside it.
type Pipeline struct {
	config *Config
	device Device
	logger *slog.Logger
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []*unit
	current  *unit
	started  map[string]bool
	gen      uint64
	closed   bool
	inFlight sync.WaitGroup

	cbMu               sync.RWMutex
	onResponseStart    func(responseID string)
	onResponseComplete func(responseID string)
	onUnitStarted      func(Report)
	onUnitFinished     func(Report)

	played        atomic.Int64
	failed        atomic.Int64
	timerFinishes atomic.Int64
	eventFinishes atomic.Int64
}

// New creates a Pipeline that plays through device.
func New(device Device, opts ...Option) (*Pipeline, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		config:  cfg,
		device:  device,
		logger:  cfg.Logger.With("component", "playback.pipeline"),
		clock:   cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
		started: make(map[string]bool),
	}, nil
}

// OnResponseStart sets the callback run when the first unit of a response
// starts playing.
func (p *Pipeline) OnResponseStart(fn func(responseID string)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onResponseStart = fn
}

// OnResponseComplete sets the callback run when a response's final unit
// has finished, played or not.
func (p *Pipeline) OnResponseComplete(fn func(responseID string)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onResponseComplete = fn
}

// OnUnitStarted sets the callback run when a unit starts playing.
func (p *Pipeline) OnUnitStarted(fn func(Report)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onUnitStarted = fn
}

// OnUnitFinished sets the callback run exactly once per unit when its
// lifecycle ends. Units discarded by Clear are not reported.
func (p *Pipeline) OnUnitFinished(fn func(Report)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.onUnitFinished = fn
}

// AddChunk converts pcm and queues it for playback. It returns without
// waiting for the device.
func (p *Pipeline) AddChunk(responseID string, index int, pcm []byte, final bool) error {
	u := &unit{
		responseID: responseID,
		index:      index,
		final:      final,
		filename:   fmt.Sprintf("realtime_response_%s_%d.wav", uuid.NewString()[:8], index),
	}
	if len(pcm) >= 2 {
		u.wav = audioio.ToPlaybackWAV(pcm, p.config.SourceSampleRate, p.config.TargetSampleRate)
		u.duration = audioio.PCMDuration(len(u.wav)-audioio.WAVHeaderSize, p.config.TargetSampleRate, 1)
	}
	if u.empty() && !final {
		p.logger.Debug("skipping empty chunk", "response_id", responseID, "index", index)
		return nil
	}

	var ev events
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.insertLocked(u)
	p.logger.Debug("chunk queued",
		"response_id", responseID,
		"index", index,
		"final", final,
		"duration", u.duration,
		"queued", len(p.queue),
	)
	p.advanceLocked(&ev)
	p.mu.Unlock()

	ev.dispatch()
	return nil
}

// NotifyPlaybackComplete is the device's completion signal for filename.
// Signals for anything but the playing unit are ignored.
func (p *Pipeline) NotifyPlaybackComplete(filename string) {
	var ev events
	p.mu.Lock()
	u := p.current
	if u != nil && u.filename == filename && u.play == PlayPlaying && !u.finished {
		p.eventFinishes.Add(1)
		p.finishLocked(u, ReasonEvent, &ev)
		p.advanceLocked(&ev)
	}
	p.mu.Unlock()
	ev.dispatch()
}

// Clear abandons everything queued or playing. Uploads already in flight
// are left to finish and their results discarded.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	p.gen++
	var stale []string
	playing := p.current != nil && p.current.play == PlayPlaying
	abandon := func(u *unit) {
		if u.timer != nil {
			u.timer.Stop()
		}
		u.finished = true
		if u.upload == Uploaded {
			stale = append(stale, u.filename)
		}
	}
	for _, u := range p.queue {
		abandon(u)
	}
	if p.current != nil {
		abandon(p.current)
	}
	dropped := len(p.queue)
	if p.current != nil {
		dropped++
	}
	p.queue = nil
	p.current = nil
	p.started = make(map[string]bool)
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Info("playback cleared", "dropped_units", dropped)
	}
	if stopper, ok := p.device.(Stopper); ok && playing {
		p.async(func(ctx context.Context) {
			if err := stopper.StopAudio(ctx); err != nil {
				p.logger.Warn("failed to stop playback", "error", err)
			}
		})
	}
	for _, name := range stale {
		p.deleteAsync(name)
	}
}

// Close clears the pipeline, waits for background device calls and
// rejects further chunks.
func (p *Pipeline) Close() error {
	p.Clear()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.inFlight.Wait()
	p.cancel()
	return nil
}

// Snapshot returns the current queue state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{Queued: len(p.queue)}
	if p.current != nil {
		s.Playing = p.current.filename
		s.ResponseID = p.current.responseID
	}
	s.Speaking = p.current != nil || len(p.queue) > 0
	return s
}

// Stats returns counters: units played, units failed, and how many played
// units were ended by the fallback timer versus the device event.
func (p *Pipeline) Stats() (played, failed, byTimer, byEvent int64) {
	return p.played.Load(), p.failed.Load(), p.timerFinishes.Load(), p.eventFinishes.Load()
}

// insertLocked appends u, keeping units of one response in index order.
func (p *Pipeline) insertLocked(u *unit) {
	i := len(p.queue)
	for i > 0 && p.queue[i-1].responseID == u.responseID && p.queue[i-1].index > u.index {
		i--
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = u
}

// advanceLocked moves the queue forward until a unit is playing or waiting
// on its upload, then tops up pre-uploads.
func (p *Pipeline) advanceLocked(ev *events) {
	for p.current == nil && len(p.queue) > 0 {
		u := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.current = u

		switch {
		case u.empty():
			p.finishLocked(u, ReasonEmpty, ev)
		case u.upload == UploadFailed:
			p.finishLocked(u, ReasonUploadFailed, ev)
		case u.upload == Uploaded:
			p.playLocked(u, ev)
		case u.upload == UploadPending:
			p.uploadLocked(u)
		}
	}
	p.preUploadLocked()
}

// preUploadLocked keeps up to PipelineDepth queued units uploaded or
// uploading ahead of the current one.
func (p *Pipeline) preUploadLocked() {
	if p.current == nil {
		return
	}
	ahead := 0
	for _, u := range p.queue {
		if u.upload == UploadInFlight || u.upload == Uploaded {
			ahead++
		}
	}
	for _, u := range p.queue {
		if ahead >= p.config.PipelineDepth {
			return
		}
		if u.upload == UploadPending && !u.empty() {
			p.uploadLocked(u)
			ahead++
		}
	}
}

func (p *Pipeline) uploadLocked(u *unit) {
	u.upload = UploadInFlight
	u.uploadStart = p.clock.Now()
	gen := p.gen
	wav := u.wav

	p.async(func(ctx context.Context) {
		err := p.device.SaveAudio(ctx, u.filename, wav)
		p.uploadDone(u, gen, err)
	})
}

func (p *Pipeline) uploadDone(u *unit, gen uint64, err error) {
	var ev events
	p.mu.Lock()
	if gen != p.gen || u.finished {
		p.mu.Unlock()
		p.logger.Debug("discarding upload for cleared unit", "file", u.filename)
		if err == nil {
			p.deleteAsync(u.filename)
		}
		return
	}

	u.uploadTook = p.clock.Now().Sub(u.uploadStart)
	if err != nil {
		u.upload = UploadFailed
		u.err = fmt.Errorf("%w: %s: %v", ErrUploadFailed, u.filename, err)
		p.logger.Warn("upload failed, skipping unit",
			"response_id", u.responseID,
			"index", u.index,
			"error", err,
		)
		if p.current == u {
			p.finishLocked(u, ReasonUploadFailed, &ev)
		}
	} else {
		u.upload = Uploaded
		u.wav = nil
		p.logger.Debug("unit uploaded", "file", u.filename, "latency", u.uploadTook)
		if p.current == u && u.play == PlayQueued {
			p.playLocked(u, &ev)
		}
	}
	p.advanceLocked(&ev)
	p.mu.Unlock()
	ev.dispatch()
}

// playLocked issues play and arms the fallback timer at the same instant.
func (p *Pipeline) playLocked(u *unit, ev *events) {
	u.play = PlayPlaying
	gen := p.gen

	u.timer = p.clock.AfterFunc(u.duration+p.config.FallbackMargin, func() {
		p.timerFired(u, gen)
	})

	if !p.started[u.responseID] {
		p.started[u.responseID] = true
		id := u.responseID
		ev.add(func() { p.emitResponseStart(id) })
	}
	r := u.report(0)
	ev.add(func() { p.emitUnitStarted(r) })

	p.logger.Debug("playing unit", "file", u.filename, "index", u.index, "duration", u.duration)

	p.async(func(ctx context.Context) {
		err := p.device.PlayAudio(ctx, u.filename, p.config.Volume)
		if err != nil {
			p.playFailed(u, gen, err)
		}
	})
}

func (p *Pipeline) playFailed(u *unit, gen uint64, err error) {
	var ev events
	p.mu.Lock()
	if gen == p.gen && p.current == u && !u.finished {
		u.err = fmt.Errorf("%w: %s: %v", ErrPlayFailed, u.filename, err)
		p.logger.Warn("play failed, skipping unit",
			"response_id", u.responseID,
			"index", u.index,
			"error", err,
		)
		p.finishLocked(u, ReasonPlayFailed, &ev)
		p.advanceLocked(&ev)
	}
	p.mu.Unlock()
	ev.dispatch()
}

func (p *Pipeline) timerFired(u *unit, gen uint64) {
	var ev events
	p.mu.Lock()
	if gen == p.gen && p.current == u && !u.finished {
		p.timerFinishes.Add(1)
		p.logger.Debug("fallback timer ended unit", "file", u.filename)
		p.finishLocked(u, ReasonTimer, &ev)
		p.advanceLocked(&ev)
	}
	p.mu.Unlock()
	ev.dispatch()
}

// finishLocked ends the current unit exactly once. The caller advances.
func (p *Pipeline) finishLocked(u *unit, reason Reason, ev *events) {
	if u.finished {
		return
	}
	u.finished = true
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	if p.current == u {
		p.current = nil
	}

	if reason.Failed() {
		u.play = PlayFailed
		p.failed.Add(1)
	} else {
		u.play = PlayFinished
		if reason != ReasonEmpty {
			p.played.Add(1)
		}
	}

	if u.upload == Uploaded {
		p.deleteAsync(u.filename)
	}

	r := u.report(reason)
	ev.add(func() { p.emitUnitFinished(r) })

	if u.final {
		p.completeResponseLocked(u.responseID, ev)
	}
}

// completeResponseLocked drops any units of id still queued and reports
// the response complete.
func (p *Pipeline) completeResponseLocked(id string, ev *events) {
	kept := p.queue[:0]
	for _, q := range p.queue {
		if q.responseID == id {
			q.finished = true
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = kept
	delete(p.started, id)

	p.logger.Info("response playback complete", "response_id", id)
	ev.add(func() { p.emitResponseComplete(id) })
}

func (p *Pipeline) deleteAsync(name string) {
	p.async(func(ctx context.Context) {
		if err := p.device.DeleteAudio(ctx, name); err != nil {
			p.logger.Debug("failed to delete played file", "file", name, "error", err)
		}
	})
}

// async runs fn with a bounded device context on its own goroutine.
func (p *Pipeline) async(fn func(ctx context.Context)) {
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		ctx, cancel := context.WithTimeout(p.ctx, p.config.DeviceTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// events collects callbacks so they run after the lock is released.
type events struct {
	fns []func()
}

func (e *events) add(fn func()) {
	e.fns = append(e.fns, fn)
}

func (e *events) dispatch() {
	for _, fn := range e.fns {
		fn()
	}
}

// Emit helpers

func (p *Pipeline) emitResponseStart(id string) {
	p.cbMu.RLock()
	fn := p.onResponseStart
	p.cbMu.RUnlock()
	if fn != nil {
		fn(id)
	}
}

func (p *Pipeline) emitResponseComplete(id string) {
	p.cbMu.RLock()
	fn := p.onResponseComplete
	p.cbMu.RUnlock()
	if fn != nil {
		fn(id)
	}
}

func (p *Pipeline) emitUnitStarted(r Report) {
	p.cbMu.RLock()
	fn := p.onUnitStarted
	p.cbMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func (p *Pipeline) emitUnitFinished(r Report) {
	p.cbMu.RLock()
	fn := p.onUnitFinished
	p.cbMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}
