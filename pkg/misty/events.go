package misty

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-misty/internal/clock"
)

// Device event types.
const (
	EventAudioPlayComplete   = "AudioPlayComplete"
	EventVoiceRecord         = "VoiceRecord"
	EventKeyPhraseRecognized = "KeyPhraseRecognized"
)

// Event is one pubsub notification.
type Event struct {
	// Name is the subscription's event name.
	Name string

	// Type is the device event type, e.g. AudioPlayComplete.
	Type string

	// Message is the event payload.
	Message map[string]any
}

// VoiceRecord reports a finished speech capture.
type VoiceRecord struct {
	Filename     string
	Success      bool
	ErrorMessage string
}

// EventConfig configures an EventSubscriber.
type EventConfig struct {
	// URL is the pubsub endpoint, e.g. ws://192.168.1.100/pubsub.
	URL string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// MaxBackoff caps the reconnect wait.
	MaxBackoff time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Clock drives reconnect waits.
	Clock clock.Clock
}

type subscription struct {
	eventType string
	handler   func(Event)
}

// EventSubscriber keeps a pubsub connection to the device and dispatches
// events to registered handlers. It reconnects with exponential backoff and
// re-subscribes everything after each reconnect.
type EventSubscriber struct {
	config EventConfig
	logger *slog.Logger
	clock  clock.Clock

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]subscription

	connected atomic.Bool
	received  atomic.Int64
}

// NewEventSubscriber creates a subscriber. Call Run to connect.
func NewEventSubscriber(cfg EventConfig) *EventSubscriber {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &EventSubscriber{
		config: cfg,
		logger: cfg.Logger.With("component", "misty.events"),
		clock:  cfg.Clock,
		subs:   make(map[string]subscription),
	}
}

// Subscribe registers handler for eventType and returns the event name
// used on the wire. It may be called before or after Run.
func (s *EventSubscriber) Subscribe(eventType string, handler func(Event)) string {
	name := fmt.Sprintf("%s-%s", eventType, uuid.NewString()[:8])

	s.mu.Lock()
	s.subs[name] = subscription{eventType: eventType, handler: handler}
	conn := s.conn
	var err error
	if conn != nil {
		err = conn.WriteJSON(subscribeMessage(eventType, name))
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("subscribe failed, will retry on reconnect", "event", eventType, "error", err)
	}
	return name
}

// OnAudioPlayComplete calls fn with the name of each file that finished
// playing.
func (s *EventSubscriber) OnAudioPlayComplete(fn func(filename string)) string {
	return s.Subscribe(EventAudioPlayComplete, func(e Event) {
		if name := playedFilename(e.Message); name != "" {
			fn(name)
		}
	})
}

// OnVoiceRecord calls fn when a speech capture finishes.
func (s *EventSubscriber) OnVoiceRecord(fn func(VoiceRecord)) string {
	return s.Subscribe(EventVoiceRecord, func(e Event) {
		rec := VoiceRecord{}
		rec.Filename, _ = e.Message["filename"].(string)
		rec.Success, _ = e.Message["success"].(bool)
		rec.ErrorMessage, _ = e.Message["errorMessage"].(string)
		fn(rec)
	})
}

// OnKeyPhrase calls fn when the wake word is heard.
func (s *EventSubscriber) OnKeyPhrase(fn func()) string {
	return s.Subscribe(EventKeyPhraseRecognized, func(Event) { fn() })
}

// Connected reports whether the pubsub socket is open.
func (s *EventSubscriber) Connected() bool {
	return s.connected.Load()
}

// Received returns the number of events dispatched.
func (s *EventSubscriber) Received() int64 {
	return s.received.Load()
}

// Run connects and dispatches events until ctx is done, reconnecting after
// every failure. The backoff resets once a connection succeeds.
func (s *EventSubscriber) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
		}

		wait := clock.Backoff(attempt, s.config.MaxBackoff)
		s.logger.Warn("pubsub disconnected, reconnecting", "error", err, "wait", wait)
		attempt++

		if err := clock.Sleep(ctx, s.clock, wait); err != nil {
			return err
		}
	}
}

// session runs one connection. It returns nil if the connection opened and
// later dropped, or the dial error.
func (s *EventSubscriber) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.config.DialTimeout,
	}

	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	conn, _, err := dialer.DialContext(dctx, s.config.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("misty: pubsub dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	for name, sub := range s.subs {
		if err := conn.WriteJSON(subscribeMessage(sub.eventType, name)); err != nil {
			s.logger.Warn("subscribe failed", "event", sub.eventType, "error", err)
		}
	}
	s.mu.Unlock()

	s.connected.Store(true)
	s.logger.Info("pubsub connected", "url", s.config.URL)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribeAll(conn)
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		close(done)
		s.connected.Store(false)
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("pubsub read error", "error", err)
			}
			return nil
		}
		s.dispatch(data)
	}
}

func (s *EventSubscriber) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in event handler", "panic", r)
		}
	}()

	var raw struct {
		EventName string          `json:"eventName"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Debug("ignoring non-JSON pubsub message", "error", err)
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[raw.EventName]
	s.mu.Unlock()
	if !ok {
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		// Registration acknowledgements carry a plain string.
		var status string
		if json.Unmarshal(raw.Message, &status) == nil {
			s.logger.Debug("pubsub registration", "event", raw.EventName, "status", status)
		}
		return
	}

	s.received.Add(1)
	sub.handler(Event{Name: raw.EventName, Type: sub.eventType, Message: msg})
}

func (s *EventSubscriber) unsubscribeAll(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.subs {
		_ = conn.WriteJSON(map[string]any{
			"Operation": "unsubscribe",
			"EventName": name,
			"Message":   "",
		})
	}
}

func subscribeMessage(eventType, name string) map[string]any {
	return map[string]any{
		"Operation":      "subscribe",
		"Type":           eventType,
		"DebounceMs":     0,
		"EventName":      name,
		"Message":        "",
		"ReturnProperty": nil,
	}
}

// playedFilename finds the file name in an AudioPlayComplete payload.
func playedFilename(msg map[string]any) string {
	if meta, ok := msg["metaData"].(map[string]any); ok {
		for _, key := range []string{"name", "Name", "fileName"} {
			if v, ok := meta[key].(string); ok && v != "" {
				return v
			}
		}
	}
	for _, key := range []string{"name", "fileName", "FileName"} {
		if v, ok := msg[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
