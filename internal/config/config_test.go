package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"MISTY_IP_ADDRESS":             "10.0.0.7",
		"OPENAI_API_KEY":               "sk-test",
		"CHUNK_THRESHOLD_BYTES":        "4800",
		"CONVERSATION_TIMEOUT_SECONDS": "2.5",
		"LOG_LEVEL":                    "debug",
		"OPENAI_TRANSCRIPTION_MODEL":   "gpt-4o-transcribe",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Misty.IP != "10.0.0.7" {
		t.Errorf("IP = %q", cfg.Misty.IP)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.OpenAI.APIKey)
	}
	if cfg.Audio.ChunkThresholdBytes != 4800 {
		t.Errorf("ChunkThresholdBytes = %d", cfg.Audio.ChunkThresholdBytes)
	}
	if cfg.Conversation.Timeout != 2500*time.Millisecond {
		t.Errorf("Timeout = %v", cfg.Conversation.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.OpenAI.Voice != DefaultVoice {
		t.Errorf("Voice changed without env: %q", cfg.OpenAI.Voice)
	}
	if cfg.OpenAI.TranscriptionModel != "gpt-4o-transcribe" {
		t.Errorf("TranscriptionModel = %q", cfg.OpenAI.TranscriptionModel)
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{"PLAYBACK_VOLUME": "loud"}))
	if err == nil {
		t.Fatal("expected error for non-numeric volume")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "misty.yaml")
	yml := `
misty:
  ip: 192.168.4.20
  volume: 70
audio:
  chunk_threshold_bytes: 9600
  fallback_margin: 500ms
conversation:
  timeout: 15s
  ending_phrases: ["see you"]
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := LoadFile(&cfg, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Misty.IP != "192.168.4.20" || cfg.Misty.Volume != 70 {
		t.Errorf("misty = %+v", cfg.Misty)
	}
	if cfg.Audio.ChunkThresholdBytes != 9600 {
		t.Errorf("threshold = %d", cfg.Audio.ChunkThresholdBytes)
	}
	if cfg.Audio.FallbackMargin != 500*time.Millisecond {
		t.Errorf("margin = %v", cfg.Audio.FallbackMargin)
	}
	if cfg.Conversation.Timeout != 15*time.Second {
		t.Errorf("timeout = %v", cfg.Conversation.Timeout)
	}
	if len(cfg.Conversation.EndingPhrases) != 1 || cfg.Conversation.EndingPhrases[0] != "see you" {
		t.Errorf("phrases = %v", cfg.Conversation.EndingPhrases)
	}
	// untouched fields keep defaults
	if cfg.Audio.SourceSampleRate != 24000 {
		t.Errorf("source rate = %d", cfg.Audio.SourceSampleRate)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaults need api key", func(t *testing.T) {
		err := Default().Validate()
		var cfgErr *Error
		if !errors.As(err, &cfgErr) || cfgErr.Field != "openai.api_key" {
			t.Errorf("expected api key error, got %v", err)
		}
	})

	t.Run("odd threshold", func(t *testing.T) {
		cfg := Default()
		cfg.OpenAI.APIKey = "k"
		cfg.Audio.ChunkThresholdBytes = 4801
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for odd threshold")
		}
	})

	t.Run("valid", func(t *testing.T) {
		cfg := Default()
		cfg.OpenAI.APIKey = "k"
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestURLs(t *testing.T) {
	cfg := Default()
	cfg.Misty.IP = "10.1.1.1"
	if got := cfg.MistyBaseURL(); got != "http://10.1.1.1" {
		t.Errorf("base = %q", got)
	}
	if got := cfg.MistyPubSubURL(); got != "ws://10.1.1.1/pubsub" {
		t.Errorf("pubsub = %q", got)
	}
}
