// Package realtime owns the streaming connection to the OpenAI Realtime API.
//
// A Session keeps one websocket open, reconnects with exponential backoff
// when it breaks, and pauses outbound traffic when the service reports a
// rate limit. Every outbound message goes through a Queue drained by a
// single worker, so callers never touch the socket directly.
//
// Example usage:
//
//	s, err := realtime.NewSession(
//	    realtime.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    realtime.WithVoice("sage"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s.OnMessage(assembler.Feed)
//	if err := s.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Disconnect()
//
//	s.ProcessAudio(pcm, "")
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-misty/internal/clock"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is a long-lived connection to the voice service.
type Session struct {
	config *Config
	logger *slog.Logger
	clock  clock.Clock
	queue  *Queue

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	state        State
	pausedUntil  time.Time
	reconnecting bool
	fatal        bool
	closed       bool
	runCtx       context.Context
	runCancel    context.CancelFunc
	workerDone   chan struct{}

	writeMu sync.Mutex

	// Callbacks
	onMessage func(data []byte)
	onState   func(State)
	onError   func(err error)
	onFatal   func(err error)
	onPause   func(d time.Duration)

	// Metrics
	messagesReceived atomic.Int64
	reconnects       atomic.Int64
}

// NewSession creates a Session. It does not connect.
func NewSession(opts ...Option) (*Session, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	s := &Session{
		config: cfg,
		logger: cfg.Logger.With("component", "realtime.session"),
		clock:  cfg.Clock,
		state:  StateDisconnected,
	}
	s.queue = NewQueue(s, cfg)
	return s, nil
}

// Queue returns the outbound delivery queue.
func (s *Session) Queue() *Queue {
	return s.queue
}

// Connect opens the socket and waits up to ConnectTimeout for it to open.
// On success the session configuration is queued ahead of pending messages
// and the drain worker is started if it is not already running.
//
// Connect fails with ErrConnectInProgress while another dial or the
// background reconnect sequence is running. After the reconnect sequence
// gives up, only Connect starts a new one.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateOpen:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case s.state == StateConnecting || s.reconnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.closed = false
	s.fatal = false
	s.state = StateConnecting
	if s.runCtx == nil {
		done := make(chan struct{})
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
		s.workerDone = done
		go s.runWorker(s.runCtx, done)
	}
	s.mu.Unlock()

	s.emitState(StateConnecting)
	return s.dial(ctx)
}

// Disconnect closes the socket and stops background work. It is idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed && s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	connCancel := s.connCancel
	s.connCancel = nil
	runCancel := s.runCancel
	workerDone := s.workerDone
	s.runCtx, s.runCancel, s.workerDone = nil, nil, nil
	s.state = StateClosing
	s.mu.Unlock()

	s.emitState(StateClosing)

	if connCancel != nil {
		connCancel()
	}
	if runCancel != nil {
		runCancel()
	}
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	// A later Connect must not start a second writer.
	if workerDone != nil {
		<-workerDone
	}

	s.setState(StateDisconnected)
	s.logger.Info("disconnected from realtime API")
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsOpen reports whether the socket is open.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// PausedUntil returns the end of the current rate limit window.
func (s *Session) PausedUntil() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pausedUntil
}

// Pause stops outbound sends for d from now. A shorter pause never cuts an
// existing window short.
func (s *Session) Pause(d time.Duration) {
	until := s.clock.Now().Add(d)
	s.mu.Lock()
	if until.After(s.pausedUntil) {
		s.pausedUntil = until
	}
	s.mu.Unlock()

	s.logger.Warn("rate limited, pausing sends", "duration", d)
	s.emitPause(d)
}

// Reconnects returns how many reconnect dials were attempted.
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

// MessagesReceived returns how many inbound messages were read.
func (s *Session) MessagesReceived() int64 { return s.messagesReceived.Load() }

// Write sends one encoded message. Only the queue worker calls it.
func (s *Session) Write(data []byte) error {
	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()

	if conn == nil || state != StateOpen {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()

	if err != nil {
		s.connectionLost(conn, err)
		return NewConnectionError("write failed", err, true)
	}
	return nil
}

// Reconnect starts the backoff reconnect sequence unless one is running,
// the socket is open, the caller disconnected, or an earlier sequence gave
// up. In the last case only Connect tries again.
func (s *Session) Reconnect() {
	s.mu.Lock()
	if s.closed || s.fatal || s.reconnecting || s.runCtx == nil ||
		s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	ctx := s.runCtx
	s.mu.Unlock()

	go s.reconnectLoop(ctx)
}

// Send queues msg for delivery.
func (s *Session) Send(msg Message) error {
	return s.queue.Enqueue(msg)
}

// SendAudio queues pcm as input_audio_buffer.append messages of 100ms each.
func (s *Session) SendAudio(pcm []byte) error {
	for _, piece := range SplitPCM(pcm, s.config.SampleRate, 100*time.Millisecond) {
		if err := s.queue.Enqueue(AppendAudio(piece)); err != nil {
			return err
		}
	}
	return nil
}

// Commit queues input_audio_buffer.commit.
func (s *Session) Commit() error {
	return s.queue.Enqueue(CommitAudio())
}

// CreateResponse queues response.create with text and audio modalities.
func (s *Session) CreateResponse(instructions string) error {
	return s.queue.Enqueue(CreateResponse(instructions))
}

// CancelResponse queues response.cancel.
func (s *Session) CancelResponse() error {
	return s.queue.Enqueue(CancelResponse())
}

// ProcessAudio sends one complete user utterance: append, commit, then
// request a response.
func (s *Session) ProcessAudio(pcm []byte, instructions string) error {
	if err := s.SendAudio(pcm); err != nil {
		return err
	}
	if err := s.Commit(); err != nil {
		return err
	}
	return s.CreateResponse(instructions)
}

// OnMessage sets the callback for every inbound message. It runs on the
// receive loop and must not block.
func (s *Session) OnMessage(fn func(data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnStateChange sets the lifecycle callback.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// OnError sets the callback for non-fatal transport errors.
func (s *Session) OnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnFatal sets the callback for errors that stop the pipeline: reconnect
// exhaustion or a crashed drain worker.
func (s *Session) OnFatal(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFatal = fn
}

// OnPause sets the callback run when a rate limit pause starts.
func (s *Session) OnPause(fn func(d time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPause = fn
}

// dial opens the socket. The caller has already moved the state to
// StateConnecting.
func (s *Session) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	target := fmt.Sprintf("%s?model=%s", s.config.URL, url.QueryEscape(s.config.Model))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	// dctx bounds the whole dial, handshake included.
	dialer := websocket.Dialer{
		Proxy: http.ProxyFromEnvironment,
	}

	s.logger.Info("connecting to realtime API", "model", s.config.Model)

	conn, resp, err := dialer.DialContext(dctx, target, headers)
	if err != nil {
		s.setState(StateDisconnected)
		if isTimeout(dctx, err) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, s.config.ConnectTimeout, err)
		}
		if resp != nil {
			return NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				err,
				resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			)
		}
		return NewConnectionError("dial failed", err, true)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		connCancel()
		conn.Close()
		s.setState(StateDisconnected)
		return ErrSessionClosed
	}
	s.conn = conn
	s.connCancel = connCancel
	s.state = StateOpen
	s.mu.Unlock()

	s.emitState(StateOpen)
	s.logger.Info("connected to realtime API")

	update := SessionUpdate(s.config.Voice, s.config.Instructions, s.config.TranscriptionModel)
	if err := s.queue.EnqueueFront(update); err != nil {
		s.logger.Error("failed to queue session config", "error", err)
	}
	s.queue.Wake()

	go s.readLoop(conn)
	if s.config.PingInterval > 0 {
		go s.keepAlive(connCtx, conn)
	}
	return nil
}

func (s *Session) reconnectLoop(ctx context.Context) {
	attempts := s.config.MaxReconnectAttempts
	for k := 0; k < attempts; k++ {
		wait := clock.Backoff(k, s.config.MaxBackoff)
		s.logger.Info("reconnecting to realtime API", "attempt", k+1, "wait", wait)

		if err := clock.Sleep(ctx, s.clock, wait); err != nil {
			s.finishReconnect()
			return
		}

		s.mu.Lock()
		closed, state := s.closed, s.state
		if !closed && state == StateDisconnected {
			s.state = StateConnecting
		}
		s.mu.Unlock()
		if closed || state != StateDisconnected {
			s.finishReconnect()
			return
		}
		s.emitState(StateConnecting)

		s.reconnects.Add(1)
		err := s.dial(ctx)
		if err == nil {
			s.logger.Info("reconnect successful", "attempt", k+1)
			s.finishReconnect()
			return
		}
		s.logger.Debug("reconnect attempt failed", "attempt", k+1, "error", err)
	}

	s.mu.Lock()
	s.reconnecting = false
	s.fatal = true
	s.mu.Unlock()
	err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts)
	s.logger.Error("giving up on realtime API", "error", err)
	s.emitFatal(err)
}

func (s *Session) finishReconnect() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

func (s *Session) runWorker(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := s.queue.Run(ctx)
	if errors.Is(err, ErrWorkerCrashed) {
		s.emitFatal(err)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("connection closed by server")
			} else {
				s.logger.Warn("read error", "error", err)
			}
			s.connectionLost(conn, err)
			return
		}

		s.messagesReceived.Add(1)
		s.dispatch(data)
	}
}

// dispatch handles one inbound message. A panic in a handler is logged and
// reported as an error; the receive loop keeps running.
func (s *Session) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling message", "panic", r)
			s.emitError(fmt.Errorf("realtime: message handler panic: %v", r))
		}
	}()

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err == nil && head.Type == TypeRateLimitsUpdated {
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err == nil {
			s.handleRateLimit(msg)
		}
	}

	s.mu.RLock()
	fn := s.onMessage
	s.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (s *Session) handleRateLimit(msg map[string]any) {
	d, ok := RateLimitHint(msg)
	if !ok {
		d = s.config.RateLimitCooldown
	}
	s.Pause(d)
}

func (s *Session) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(10*time.Second)); err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// isTimeout reports whether a dial error is a timeout, either from the
// context deadline or from the network layer.
func isTimeout(dctx context.Context, err error) bool {
	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// connectionLost tears down conn once and schedules a reconnect.
func (s *Session) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	connCancel := s.connCancel
	s.connCancel = nil
	s.state = StateDisconnected
	closed := s.closed
	s.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	conn.Close()

	s.emitState(StateDisconnected)
	s.emitError(NewConnectionError("connection lost", cause, true))

	if !closed {
		s.Reconnect()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.emitState(state)
	}
}

// Emit helpers

func (s *Session) emitState(state State) {
	s.mu.RLock()
	fn := s.onState
	s.mu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

func (s *Session) emitError(err error) {
	s.mu.RLock()
	fn := s.onError
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) emitFatal(err error) {
	s.mu.RLock()
	fn := s.onFatal
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (s *Session) emitPause(d time.Duration) {
	s.mu.RLock()
	fn := s.onPause
	s.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

// Ensure Session satisfies the queue's transport contract.
var _ Transport = (*Session)(nil)
