package realtime

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
)

const (
	// DefaultURL is the OpenAI Realtime endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the realtime model requested on connect.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"

	// DefaultVoice is the output voice.
	DefaultVoice = "sage"

	// DefaultTranscriptionModel transcribes user audio.
	DefaultTranscriptionModel = "whisper-1"
)

// Config holds configuration for a Session and its delivery queue.
type Config struct {
	// APIKey is the bearer token for the voice service.
	APIKey string

	// URL is the websocket endpoint, without query string.
	URL string

	// Model is appended as ?model=.
	Model string

	// Voice is the output voice sent in session.update.
	Voice string

	// Instructions is the optional session-level system prompt.
	Instructions string

	// TranscriptionModel transcribes the user's input audio. Empty disables
	// input transcription.
	TranscriptionModel string

	// SampleRate is the PCM16 rate of audio sent to the service.
	SampleRate int

	// ConnectTimeout bounds how long Connect waits for the socket to open.
	ConnectTimeout time.Duration

	// ReadTimeout is the per-message read deadline. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration

	// PingInterval is how often keepalive pings are sent. Zero disables them.
	PingInterval time.Duration

	// MaxReconnectAttempts bounds the reconnect sequence.
	MaxReconnectAttempts int

	// MaxBackoff caps the reconnect wait.
	MaxBackoff time.Duration

	// MaxSendAttempts is how many times a failed send is retried before drop.
	MaxSendAttempts int

	// MaxRetryDelay caps the per-item retry delay.
	MaxRetryDelay time.Duration

	// HoldInterval is how long the drain worker sleeps between checks while
	// the socket is not open. Reopening the socket wakes it early.
	HoldInterval time.Duration

	// RateLimitCooldown is the pause applied when a rate limit event has no hint.
	RateLimitCooldown time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Clock drives backoff, retry and rate-limit waits.
	Clock clock.Clock
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:                  DefaultURL,
		Model:                DefaultModel,
		Voice:                DefaultVoice,
		TranscriptionModel:   DefaultTranscriptionModel,
		SampleRate:           24000,
		ConnectTimeout:       5 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         15 * time.Second,
		MaxReconnectAttempts: 6,
		MaxBackoff:           60 * time.Second,
		MaxSendAttempts:      5,
		MaxRetryDelay:        60 * time.Second,
		HoldInterval:         100 * time.Millisecond,
		RateLimitCooldown:    60 * time.Second,
		Logger:               slog.Default(),
		Clock:                clock.Real{},
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithURL overrides the websocket endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		c.URL = url
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		if model != "" {
			c.Model = model
		}
	}
}

// WithVoice sets the output voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		if voice != "" {
			c.Voice = voice
		}
	}
}

// WithInstructions sets the session-level system prompt.
func WithInstructions(instructions string) Option {
	return func(c *Config) {
		c.Instructions = instructions
	}
}

// WithTranscriptionModel sets the input transcription model. An empty
// model disables user transcripts.
func WithTranscriptionModel(model string) Option {
	return func(c *Config) {
		c.TranscriptionModel = model
	}
}

// WithSampleRate sets the input audio rate.
func WithSampleRate(rate int) Option {
	return func(c *Config) {
		c.SampleRate = rate
	}
}

// WithConnectTimeout sets how long Connect waits for the socket to open.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithReconnect configures the reconnect sequence.
func WithReconnect(attempts int, maxBackoff time.Duration) Option {
	return func(c *Config) {
		c.MaxReconnectAttempts = attempts
		c.MaxBackoff = maxBackoff
	}
}

// WithSendRetries configures per-message retry behavior.
func WithSendRetries(attempts int, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.MaxSendAttempts = attempts
		c.MaxRetryDelay = maxDelay
	}
}

// WithRateLimitCooldown sets the default rate limit pause.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.RateLimitCooldown = d
	}
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}
