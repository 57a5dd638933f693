package misty

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/teslashibe/go-misty/internal/clock"
	"github.com/teslashibe/go-misty/internal/httpc"
)

// ErrDevice is matched by every DeviceError.
var ErrDevice = errors.New("misty: device request failed")

// DeviceError is a failed REST call.
type DeviceError struct {
	// Op is the operation, e.g. "save_audio".
	Op string

	// StatusCode is the HTTP status, or 0 if the request never completed.
	StatusCode int

	// Message is the device's error text, if any.
	Message string

	// Cause is the transport error, if any.
	Cause error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("misty: %s failed: %v", e.Op, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("misty: %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("misty: %s failed with status %d", e.Op, e.StatusCode)
	}
}

// Unwrap lets errors.Is match ErrDevice and the cause.
func (e *DeviceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrDevice, e.Cause}
	}
	return []error{ErrDevice}
}

// IsUnavailable reports whether err is a 503 from the device.
func IsUnavailable(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.StatusCode == http.StatusServiceUnavailable
}

// HTTPConfig configures an HTTPDevice.
type HTTPConfig struct {
	// BaseURL is the robot's REST root, e.g. http://192.168.1.100.
	BaseURL string

	// Timeout bounds each request.
	Timeout time.Duration

	// GetAudioAttempts is how many times GetAudio tries on a 503.
	GetAudioAttempts int

	// GetAudioRetryDelay is the wait between GetAudio attempts.
	GetAudioRetryDelay time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// Clock drives retry waits.
	Clock clock.Clock
}

// HTTPDevice implements Device over the robot's REST API.
type HTTPDevice struct {
	config HTTPConfig
	client *http.Client
	logger *slog.Logger
	clock  clock.Clock
}

// NewHTTPDevice creates a device client for baseURL.
func NewHTTPDevice(cfg HTTPConfig) *HTTPDevice {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.GetAudioAttempts <= 0 {
		cfg.GetAudioAttempts = 3
	}
	if cfg.GetAudioRetryDelay <= 0 {
		cfg.GetAudioRetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &HTTPDevice{
		config: cfg,
		client: httpc.NewClient(cfg.Timeout),
		logger: cfg.Logger.With("component", "misty.http"),
		clock:  cfg.Clock,
	}
}

// envelope is the device's response wrapper.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Status string          `json:"status"`
	Error  string          `json:"error"`
}

// SaveAudio uploads data as base64 without playing it.
func (d *HTTPDevice) SaveAudio(ctx context.Context, name string, data []byte) error {
	body := map[string]any{
		"FileName":          name,
		"Data":              base64.StdEncoding.EncodeToString(data),
		"ImmediatelyApply":  false,
		"OverwriteExisting": true,
	}
	return d.do(ctx, "save_audio", http.MethodPost, "/api/audio", body, nil)
}

// PlayAudio plays a stored file.
func (d *HTTPDevice) PlayAudio(ctx context.Context, name string, volume int) error {
	body := map[string]any{
		"FileName": name,
		"Volume":   clampVolume(volume),
	}
	return d.do(ctx, "play_audio", http.MethodPost, "/api/audio/play", body, nil)
}

// StopAudio stops playback.
func (d *HTTPDevice) StopAudio(ctx context.Context) error {
	return d.do(ctx, "stop_audio", http.MethodPost, "/api/audio/stop", nil, nil)
}

// DeleteAudio removes a stored file.
func (d *HTTPDevice) DeleteAudio(ctx context.Context, name string) error {
	path := "/api/audio?" + url.Values{"FileName": {name}}.Encode()
	return d.do(ctx, "delete_audio", http.MethodDelete, path, nil, nil)
}

// GetAudio downloads a stored file. A freshly recorded file can answer 503
// until it is flushed, so that status is retried.
func (d *HTTPDevice) GetAudio(ctx context.Context, name string) ([]byte, error) {
	path := "/api/audio?" + url.Values{"FileName": {name}, "Base64": {"true"}}.Encode()

	var lastErr error
	for attempt := 0; attempt < d.config.GetAudioAttempts; attempt++ {
		if attempt > 0 {
			d.logger.Debug("retrying get_audio", "file", name, "attempt", attempt+1)
			if err := clock.Sleep(ctx, d.clock, d.config.GetAudioRetryDelay); err != nil {
				return nil, err
			}
		}

		var result struct {
			Base64 string `json:"base64"`
		}
		err := d.do(ctx, "get_audio", http.MethodGet, path, nil, &result)
		if err != nil {
			lastErr = err
			if IsUnavailable(err) {
				continue
			}
			return nil, err
		}
		if result.Base64 == "" {
			return nil, &DeviceError{Op: "get_audio", StatusCode: http.StatusOK, Message: "no base64 data in response"}
		}

		data, err := base64.StdEncoding.DecodeString(result.Base64)
		if err != nil {
			return nil, &DeviceError{Op: "get_audio", StatusCode: http.StatusOK, Message: "invalid base64 data", Cause: err}
		}
		return data, nil
	}
	return nil, fmt.Errorf("get_audio %s after %d attempts: %w", name, d.config.GetAudioAttempts, lastErr)
}

// ChangeLED sets the chest LED.
func (d *HTTPDevice) ChangeLED(ctx context.Context, c Color) error {
	body := map[string]any{
		"red":   c.R,
		"green": c.G,
		"blue":  c.B,
	}
	return d.do(ctx, "change_led", http.MethodPost, "/api/led", body, nil)
}

// Speak says text with the on-device voice, flushing queued speech.
func (d *HTTPDevice) Speak(ctx context.Context, text string) error {
	body := map[string]any{
		"Text":  text,
		"Flush": true,
	}
	return d.do(ctx, "speak", http.MethodPost, "/api/tts/speak", body, nil)
}

// StartKeyPhraseRecognition arms "Hey Misty" with speech capture.
func (d *HTTPDevice) StartKeyPhraseRecognition(ctx context.Context, opts CaptureOptions) error {
	body := map[string]any{
		"OverwriteExisting": true,
		"SilenceTimeout":    opts.SilenceTimeoutMs,
		"MaxSpeechLength":   opts.MaxSpeechLengthMs,
		"CaptureSpeech":     true,
	}
	return d.do(ctx, "start_key_phrase_recognition", http.MethodPost, "/api/audio/keyphrase/start", body, nil)
}

// StopKeyPhraseRecognition disarms the wake word.
func (d *HTTPDevice) StopKeyPhraseRecognition(ctx context.Context) error {
	return d.do(ctx, "stop_key_phrase_recognition", http.MethodPost, "/api/audio/keyphrase/stop", nil, nil)
}

// CaptureSpeech records one utterance without the wake word.
func (d *HTTPDevice) CaptureSpeech(ctx context.Context, opts CaptureOptions) error {
	body := map[string]any{
		"OverwriteExisting": true,
		"SilenceTimeout":    opts.SilenceTimeoutMs,
		"MaxSpeechLength":   opts.MaxSpeechLengthMs,
		"RequireKeyPhrase":  false,
	}
	return d.do(ctx, "capture_speech", http.MethodPost, "/api/audio/speech/capture", body, nil)
}

// do performs one request and decodes the envelope's result into out.
func (d *HTTPDevice) do(ctx context.Context, op, method, path string, body, out any) error {
	req, err := httpc.NewJSONRequest(ctx, method, d.config.BaseURL+path, body)
	if err != nil {
		return &DeviceError{Op: op, Cause: err}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return &DeviceError{Op: op, Cause: err}
	}
	defer httpc.Drain(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &DeviceError{Op: op, StatusCode: resp.StatusCode, Cause: err}
	}

	d.logger.Debug("device request",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeviceError{Op: op, StatusCode: resp.StatusCode, Message: env.Error}
	}
	if decodeErr == nil && env.Status != "" && env.Status != "Success" {
		msg := env.Error
		if msg == "" {
			msg = "status " + env.Status
		}
		return &DeviceError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &DeviceError{Op: op, StatusCode: resp.StatusCode, Message: "invalid response body", Cause: decodeErr}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &DeviceError{Op: op, StatusCode: resp.StatusCode, Message: "invalid result", Cause: err}
	}
	return nil
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var _ Device = (*HTTPDevice)(nil)
