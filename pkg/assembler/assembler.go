// Package assembler turns the voice service's inbound delta stream into
// fixed-size audio chunks and whole transcripts.
//
// Messages are grouped by response id. Audio deltas accumulate until the
// chunk threshold is reached, at which point exactly one threshold-sized
// Chunk is emitted. A completion message flushes whatever is left as the
// final Chunk (possibly empty) together with the assembled transcript.
//
// Example usage:
//
//	a, err := assembler.New(assembler.WithChunkThreshold(48000))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a.OnChunk(func(c assembler.Chunk) {
//	    pipeline.AddChunk(c.ResponseID, c.Index, c.PCM, c.Final)
//	})
//	session.OnMessage(a.Feed)
//	go a.Run(ctx)
package assembler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Inbound message types the assembler understands.
const (
	TypeAudioDelta           = "response.audio.delta"
	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeOutputTextDelta      = "response.output_text.delta"
	TypeTextDelta            = "response.text.delta"
	TypeResponseDone         = "response.done"
	TypeResponseCompleted    = "response.completed"
	TypeError                = "error"

	userTranscriptPrefix = "conversation.item.input_audio_transcription."
)

// finishedMemory bounds how many completed response ids are remembered to
// swallow duplicate completions and late deltas.
const finishedMemory = 64

// ResponseState is the accumulation buffer for one in-progress response.
type ResponseState struct {
	ID        string
	StartedAt time.Time

	// pending holds audio not yet emitted as a chunk.
	pending    []byte
	chunkIndex int
	audioBytes int
	transcript strings.Builder
}

// Config configures an Assembler.
type Config struct {
	// ChunkThreshold is the chunk size in bytes. It must be even.
	ChunkThreshold int

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns one second of 24kHz PCM16 per chunk.
func DefaultConfig() *Config {
	return &Config{
		ChunkThreshold: 48000,
		Logger:         slog.Default(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ChunkThreshold <= 0 || c.ChunkThreshold%2 != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, c.ChunkThreshold)
	}
	return nil
}

// Option configures an Assembler.
type Option func(*Config)

// WithChunkThreshold sets the chunk size in bytes.
func WithChunkThreshold(n int) Option {
	return func(c *Config) {
		c.ChunkThreshold = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Assembler demultiplexes inbound messages into chunks and transcripts.
type Assembler struct {
	threshold int
	logger    *slog.Logger

	mu       sync.Mutex
	states   map[string]*ResponseState
	finished []string

	inMu  sync.Mutex
	inbox [][]byte
	wake  chan struct{}

	cbMu         sync.RWMutex
	onChunk      func(Chunk)
	onTranscript func(Transcript)
	onError      func(error)

	chunks atomic.Int64
}

// New creates an Assembler.
func New(opts ...Option) (*Assembler, error) {
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

	return &Assembler{
		threshold: cfg.ChunkThreshold,
		logger:    cfg.Logger.With("component", "assembler"),
		states:    make(map[string]*ResponseState),
		wake:      make(chan struct{}, 1),
	}, nil
}

// OnChunk sets the chunk callback.
func (a *Assembler) OnChunk(fn func(Chunk)) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.onChunk = fn
}

// OnTranscript sets the transcript callback. Assistant text arrives as
// deltas and then once more, whole, with Final set when the response
// completes.
func (a *Assembler) OnTranscript(fn func(Transcript)) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.onTranscript = fn
}

// OnError sets the callback for ProtocolErrors and recovered handler panics.
func (a *Assembler) OnError(fn func(error)) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.onError = fn
}

// Feed queues one raw inbound message for Run. It never blocks, so it is
// safe to call from the socket receive loop.
func (a *Assembler) Feed(data []byte) {
	a.inMu.Lock()
	a.inbox = append(a.inbox, data)
	a.inMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run dispatches fed messages in order until ctx is done.
func (a *Assembler) Run(ctx context.Context) error {
	for {
		for {
			data, ok := a.next()
			if !ok {
				break
			}
			a.safeDispatch(data)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
		}
	}
}

// Dispatch handles one inbound message synchronously and reports what it
// was. Callbacks run before Dispatch returns, outside the state lock.
func (a *Assembler) Dispatch(data []byte) Result {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		perr := &ProtocolError{Type: "invalid", Message: "not a JSON object", Cause: fmt.Errorf("%w: %v", ErrMalformed, err)}
		a.emitError(perr)
		return Result{Kind: KindError, Err: perr}
	}

	var out emissions
	a.mu.Lock()
	res := a.dispatchLocked(msg, &out)
	a.mu.Unlock()

	a.logger.Debug("dispatched", "type", res.Type, "kind", res.Kind, "response_id", res.ResponseID)
	out.flush(a)
	return res
}

// Reset abandons every in-progress response. Late deltas and completions
// for them are ignored.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.states {
		a.markFinishedLocked(id)
	}
	a.states = make(map[string]*ResponseState)
}

// Active returns the number of in-progress responses.
func (a *Assembler) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// ChunksEmitted returns the number of chunks emitted, final ones included.
func (a *Assembler) ChunksEmitted() int64 {
	return a.chunks.Load()
}

func (a *Assembler) dispatchLocked(msg map[string]any, out *emissions) Result {
	typ, _ := msg["type"].(string)

	switch {
	case typ == TypeAudioDelta:
		return a.audioLocked(typ, msg, out)

	case typ == TypeAudioTranscriptDelta || typ == TypeOutputTextDelta || typ == TypeTextDelta:
		return a.assistantTextLocked(typ, msg, out)

	case strings.HasPrefix(typ, userTranscriptPrefix) && msg["error"] == nil:
		return a.userTextLocked(typ, msg, out)

	case isCompletion(typ, msg):
		return a.completeLocked(typ, msg, out)

	case msg["error"] != nil || typ == TypeError:
		perr := serviceError(typ, msg)
		out.errs = append(out.errs, perr)
		return Result{Kind: KindError, Type: typ, ResponseID: responseID(msg), Err: perr}
	}

	return Result{Kind: KindIgnored, Type: typ}
}

func (a *Assembler) audioLocked(typ string, msg map[string]any, out *emissions) Result {
	id := responseID(msg)
	if a.isFinishedLocked(id) {
		return Result{Kind: KindIgnored, Type: typ, ResponseID: id}
	}

	b64, ok := firstString(msg, audioShapes)
	if !ok {
		perr := &ProtocolError{Type: typ, Message: "no audio payload"}
		out.errs = append(out.errs, perr)
		return Result{Kind: KindError, Type: typ, ResponseID: id, Err: perr}
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		perr := &ProtocolError{Type: typ, Message: "invalid base64 audio", Cause: err}
		out.errs = append(out.errs, perr)
		return Result{Kind: KindError, Type: typ, ResponseID: id, Err: perr}
	}

	st := a.stateLocked(id)
	st.pending = append(st.pending, pcm...)
	st.audioBytes += len(pcm)

	for len(st.pending) >= a.threshold {
		chunk := make([]byte, a.threshold)
		copy(chunk, st.pending)
		st.pending = st.pending[a.threshold:]

		out.chunks = append(out.chunks, Chunk{ResponseID: id, Index: st.chunkIndex, PCM: chunk})
		st.chunkIndex++
	}

	return Result{Kind: KindAudio, Type: typ, ResponseID: id, Bytes: len(pcm)}
}

func (a *Assembler) assistantTextLocked(typ string, msg map[string]any, out *emissions) Result {
	id := responseID(msg)
	if a.isFinishedLocked(id) {
		return Result{Kind: KindIgnored, Type: typ, ResponseID: id}
	}

	text, ok := firstString(msg, textShapes)
	if !ok {
		return Result{Kind: KindIgnored, Type: typ, ResponseID: id}
	}

	st := a.stateLocked(id)
	st.transcript.WriteString(text)
	out.transcripts = append(out.transcripts, Transcript{ResponseID: id, Role: RoleAssistant, Text: text})

	return Result{Kind: KindTranscript, Type: typ, ResponseID: id}
}

// userTextLocked handles input transcription events. They are keyed by
// conversation item, not response, and are not accumulated here.
func (a *Assembler) userTextLocked(typ string, msg map[string]any, out *emissions) Result {
	text, ok := firstString(msg, textShapes)
	if !ok {
		return Result{Kind: KindIgnored, Type: typ}
	}
	itemID, _ := firstString(msg, userItemShapes)
	final := strings.HasSuffix(typ, ".completed")

	out.transcripts = append(out.transcripts, Transcript{ResponseID: itemID, Role: RoleUser, Text: text, Final: final})
	return Result{Kind: KindTranscript, Type: typ, ResponseID: itemID}
}

func (a *Assembler) completeLocked(typ string, msg map[string]any, out *emissions) Result {
	id := responseID(msg)
	if a.isFinishedLocked(id) {
		return Result{Kind: KindIgnored, Type: typ, ResponseID: id}
	}

	final := Chunk{ResponseID: id, Final: true}
	var transcript string

	if st, ok := a.states[id]; ok {
		final.Index = st.chunkIndex
		if len(st.pending) > 0 {
			final.PCM = append([]byte(nil), st.pending...)
		}
		transcript = st.transcript.String()
		delete(a.states, id)

		a.logger.Debug("response complete",
			"response_id", id,
			"chunks", st.chunkIndex+1,
			"audio_bytes", st.audioBytes,
			"duration", time.Since(st.StartedAt),
		)
	}

	out.chunks = append(out.chunks, final)
	if transcript != "" {
		out.transcripts = append(out.transcripts, Transcript{ResponseID: id, Role: RoleAssistant, Text: transcript, Final: true})
	}
	a.markFinishedLocked(id)

	return Result{Kind: KindCompletion, Type: typ, ResponseID: id}
}

func (a *Assembler) stateLocked(id string) *ResponseState {
	st, ok := a.states[id]
	if !ok {
		st = &ResponseState{ID: id, StartedAt: time.Now()}
		a.states[id] = st
	}
	return st
}

func (a *Assembler) isFinishedLocked(id string) bool {
	for _, f := range a.finished {
		if f == id {
			return true
		}
	}
	return false
}

// markFinishedLocked remembers id as done. The default id is never
// remembered since unrelated responses share it.
func (a *Assembler) markFinishedLocked(id string) {
	if id == DefaultResponseID || a.isFinishedLocked(id) {
		return
	}
	a.finished = append(a.finished, id)
	if len(a.finished) > finishedMemory {
		a.finished = a.finished[len(a.finished)-finishedMemory:]
	}
}

func (a *Assembler) next() ([]byte, bool) {
	a.inMu.Lock()
	defer a.inMu.Unlock()
	if len(a.inbox) == 0 {
		return nil, false
	}
	data := a.inbox[0]
	a.inbox[0] = nil
	a.inbox = a.inbox[1:]
	return data, true
}

func (a *Assembler) safeDispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic dispatching message", "panic", r)
			a.emitError(fmt.Errorf("assembler: handler panic: %v", r))
		}
	}()
	a.Dispatch(data)
}

// isCompletion reports whether msg ends a response, either by type or by a
// nested status of "completed".
func isCompletion(typ string, msg map[string]any) bool {
	if typ == TypeResponseDone || typ == TypeResponseCompleted {
		return true
	}
	if !strings.HasPrefix(typ, "response.") {
		return false
	}
	status, _ := firstString(msg, statusShapes)
	return status == "completed"
}

// serviceError builds a ProtocolError from an "error" field, which may be
// an object or a bare string.
func serviceError(typ string, msg map[string]any) *ProtocolError {
	perr := &ProtocolError{Type: typ, Message: "unknown error"}
	switch e := msg["error"].(type) {
	case string:
		perr.Message = e
	case map[string]any:
		if m, ok := e["message"].(string); ok && m != "" {
			perr.Message = m
		}
		if c, ok := e["code"].(string); ok {
			perr.Code = c
		} else if t, ok := e["type"].(string); ok {
			perr.Code = t
		}
	}
	return perr
}

// emissions collects callback work so it can run outside the state lock.
type emissions struct {
	chunks      []Chunk
	transcripts []Transcript
	errs        []error
}

func (e *emissions) flush(a *Assembler) {
	a.cbMu.RLock()
	onChunk, onTranscript := a.onChunk, a.onTranscript
	a.cbMu.RUnlock()

	for _, c := range e.chunks {
		a.chunks.Add(1)
		if onChunk != nil {
			onChunk(c)
		}
	}
	for _, t := range e.transcripts {
		if onTranscript != nil {
			onTranscript(t)
		}
	}
	for _, err := range e.errs {
		a.logger.Warn("protocol error", "error", err)
		a.emitError(err)
	}
}

func (a *Assembler) emitError(err error) {
	a.cbMu.RLock()
	fn := a.onError
	a.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
