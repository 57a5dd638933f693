package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
)

var (
	// ErrUploadFailed wraps a device upload error for one unit.
	ErrUploadFailed = errors.New("playback: upload failed")

	// ErrPlayFailed wraps a device play error for one unit.
	ErrPlayFailed = errors.New("playback: play failed")

	// ErrUnsupportedDepth indicates a pipeline depth other than 1.
	ErrUnsupportedDepth = errors.New("playback: pipeline depth must be 1")

	// ErrClosed indicates the pipeline was closed.
	ErrClosed = errors.New("playback: pipeline closed")
)

// Config configures a Pipeline.
type Config struct {
	// SourceSampleRate is the rate of incoming chunk PCM.
	SourceSampleRate int

	// TargetSampleRate is the rate the device plays.
	TargetSampleRate int

	// Volume is the device playback volume, 0-100.
	Volume int

	// FallbackMargin is added to a unit's audio duration before the
	// fallback timer declares it finished.
	FallbackMargin time.Duration

	// PipelineDepth is how many units may be uploaded ahead of the one
	// playing. Only 1 is supported until device storage limits are known.
	PipelineDepth int

	// DeviceTimeout bounds each device call.
	DeviceTimeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Clock drives fallback timers.
	Clock clock.Clock
}

// DefaultConfig returns 24kHz in, 16kHz out, full volume and depth 1.
func DefaultConfig() *Config {
	return &Config{
		SourceSampleRate: 24000,
		TargetSampleRate: 16000,
		Volume:           100,
		FallbackMargin:   300 * time.Millisecond,
		PipelineDepth:    1,
		DeviceTimeout:    15 * time.Second,
		Logger:           slog.Default(),
		Clock:            clock.Real{},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SourceSampleRate <= 0 || c.TargetSampleRate <= 0 {
		return fmt.Errorf("playback: invalid sample rates %d -> %d", c.SourceSampleRate, c.TargetSampleRate)
	}
	if c.Volume < 0 || c.Volume > 100 {
		return fmt.Errorf("playback: volume %d out of range 0-100", c.Volume)
	}
	if c.PipelineDepth != 1 {
		return fmt.Errorf("%w: got %d", ErrUnsupportedDepth, c.PipelineDepth)
	}
	if c.FallbackMargin < 0 {
		return fmt.Errorf("playback: negative fallback margin %s", c.FallbackMargin)
	}
	return nil
}

// Option configures a Pipeline.
type Option func(*Config)

// WithSampleRates sets the source and target rates.
func WithSampleRates(source, target int) Option {
	return func(c *Config) {
		c.SourceSampleRate = source
		c.TargetSampleRate = target
	}
}

// WithVolume sets the playback volume.
func WithVolume(v int) Option {
	return func(c *Config) {
		c.Volume = v
	}
}

// WithFallbackMargin sets the fallback timer margin.
func WithFallbackMargin(d time.Duration) Option {
	return func(c *Config) {
		c.FallbackMargin = d
	}
}

// WithPipelineDepth sets the pre-upload depth.
func WithPipelineDepth(n int) Option {
	return func(c *Config) {
		c.PipelineDepth = n
	}
}

// WithDeviceTimeout bounds each device call.
func WithDeviceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DeviceTimeout = d
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
