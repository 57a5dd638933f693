// Package config loads the assistant configuration from defaults, an optional
// YAML file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultMistyIP        = "192.168.1.100"
	DefaultModel          = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice          = "sage"
	DefaultTranscription  = "whisper-1"
	DefaultDashboardPort  = "8080"
	DefaultChunkThreshold = 48000 // one second of 24kHz PCM16
)

// App holds everything cmd/misty-assistant needs.
type App struct {
	LogLevel     string             `yaml:"log_level"`
	Misty        MistyConfig        `yaml:"misty"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

// MistyConfig describes the robot and its speech capture settings.
type MistyConfig struct {
	IP                string        `yaml:"ip"`
	Volume            int           `yaml:"volume"`
	SilenceTimeoutMs  int           `yaml:"silence_timeout_ms"`
	MaxSpeechLengthMs int           `yaml:"max_speech_length_ms"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// OpenAIConfig describes the realtime voice service connection.
type OpenAIConfig struct {
	APIKey               string        `yaml:"api_key"`
	Model                string        `yaml:"model"`
	Voice                string        `yaml:"voice"`
	Instructions         string        `yaml:"instructions"`
	TranscriptionModel   string        `yaml:"transcription_model"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxSendAttempts      int           `yaml:"max_send_attempts"`
	RateLimitCooldown    time.Duration `yaml:"rate_limit_cooldown"`
}

// AudioConfig controls chunking, conversion and playback.
type AudioConfig struct {
	ChunkThresholdBytes int           `yaml:"chunk_threshold_bytes"`
	SourceSampleRate    int           `yaml:"source_sample_rate"`
	TargetSampleRate    int           `yaml:"target_sample_rate"`
	FallbackMargin      time.Duration `yaml:"fallback_margin"`
	PipelineDepth       int           `yaml:"pipeline_depth"`
}

// ConversationConfig controls follow-up turns after a response.
type ConversationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	EndingPhrases []string      `yaml:"ending_phrases"`
}

// DashboardConfig controls the status web server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() App {
	return App{
		LogLevel: "info",
		Misty: MistyConfig{
			IP:                DefaultMistyIP,
			Volume:            100,
			SilenceTimeoutMs:  2000,
			MaxSpeechLengthMs: 15000,
			RequestTimeout:    10 * time.Second,
		},
		OpenAI: OpenAIConfig{
			Model:                DefaultModel,
			Voice:                DefaultVoice,
			TranscriptionModel:   DefaultTranscription,
			ConnectTimeout:       5 * time.Second,
			MaxReconnectAttempts: 6,
			MaxSendAttempts:      5,
			RateLimitCooldown:    60 * time.Second,
		},
		Audio: AudioConfig{
			ChunkThresholdBytes: DefaultChunkThreshold,
			SourceSampleRate:    24000,
			TargetSampleRate:    16000,
			FallbackMargin:      300 * time.Millisecond,
			PipelineDepth:       1,
		},
		Conversation: ConversationConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
			EndingPhrases: []string{
				"goodbye",
				"bye",
				"that's all",
				"stop listening",
				"thank you, that's all",
			},
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    DefaultDashboardPort,
		},
	}
}

// LoadFile overlays the YAML file at path onto cfg. Fields missing from the
// file keep their current values.
func LoadFile(cfg *App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv onto cfg.
func ApplyEnv(cfg *App, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	seconds := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = time.Duration(f * float64(time.Second))
		return nil
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("MISTY_IP_ADDRESS", &cfg.Misty.IP)
	str("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	str("OPENAI_REALTIME_MODEL", &cfg.OpenAI.Model)
	str("OPENAI_REALTIME_VOICE", &cfg.OpenAI.Voice)
	str("OPENAI_TRANSCRIPTION_MODEL", &cfg.OpenAI.TranscriptionModel)
	str("DASHBOARD_PORT", &cfg.Dashboard.Port)

	return errors.Join(
		num("PLAYBACK_VOLUME", &cfg.Misty.Volume),
		num("CHUNK_THRESHOLD_BYTES", &cfg.Audio.ChunkThresholdBytes),
		num("TARGET_SAMPLE_RATE", &cfg.Audio.TargetSampleRate),
		num("PIPELINE_DEPTH", &cfg.Audio.PipelineDepth),
		seconds("CONVERSATION_TIMEOUT_SECONDS", &cfg.Conversation.Timeout),
	)
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env, then the environment.
func Load(path string) (App, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or out-of-range values.
func (c App) Validate() error {
	var errs []error
	if c.OpenAI.APIKey == "" {
		errs = append(errs, &Error{Field: "openai.api_key", Message: "is required (set OPENAI_API_KEY)"})
	}
	if c.Misty.IP == "" {
		errs = append(errs, &Error{Field: "misty.ip", Message: "is required (set MISTY_IP_ADDRESS)"})
	}
	if c.Misty.Volume < 0 || c.Misty.Volume > 100 {
		errs = append(errs, &Error{Field: "misty.volume", Message: "must be between 0 and 100"})
	}
	if c.Audio.ChunkThresholdBytes <= 0 || c.Audio.ChunkThresholdBytes%2 != 0 {
		errs = append(errs, &Error{Field: "audio.chunk_threshold_bytes", Message: "must be a positive even number"})
	}
	if c.Audio.SourceSampleRate <= 0 || c.Audio.TargetSampleRate <= 0 {
		errs = append(errs, &Error{Field: "audio.sample_rate", Message: "must be positive"})
	}
	return errors.Join(errs...)
}

// MistyBaseURL returns the robot REST API base URL.
func (c App) MistyBaseURL() string {
	return "http://" + c.Misty.IP
}

// MistyPubSubURL returns the robot websocket event endpoint.
func (c App) MistyPubSubURL() string {
	return "ws://" + c.Misty.IP + "/pubsub"
}

// Error describes one invalid configuration field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Message)
}
