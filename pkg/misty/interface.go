// Package misty talks to a Misty robot: its REST API for audio, LEDs and
// speech capture, and its pubsub websocket for device events.
package misty

import (
	"context"
	"fmt"
)

// AudioStore manages audio files on the device.
type AudioStore interface {
	// SaveAudio uploads data under name, overwriting any existing file.
	SaveAudio(ctx context.Context, name string, data []byte) error

	// DeleteAudio removes a file.
	DeleteAudio(ctx context.Context, name string) error

	// GetAudio downloads a file.
	GetAudio(ctx context.Context, name string) ([]byte, error)
}

// AudioPlayer plays files stored on the device.
type AudioPlayer interface {
	// PlayAudio starts playback of a stored file at volume 0-100.
	PlayAudio(ctx context.Context, name string, volume int) error

	// StopAudio stops whatever is playing.
	StopAudio(ctx context.Context) error
}

// LEDController sets the chest LED.
type LEDController interface {
	ChangeLED(ctx context.Context, c Color) error
}

// Speaker uses the on-device text-to-speech engine.
type Speaker interface {
	// Speak says text, interrupting anything already being said.
	Speak(ctx context.Context, text string) error
}

// SpeechCapture drives the device microphone.
type SpeechCapture interface {
	// StartKeyPhraseRecognition arms the built-in wake word. Speech after
	// the wake word is recorded and reported with a VoiceRecord event.
	StartKeyPhraseRecognition(ctx context.Context, opts CaptureOptions) error

	// StopKeyPhraseRecognition disarms the wake word.
	StopKeyPhraseRecognition(ctx context.Context) error

	// CaptureSpeech records one utterance without waiting for the wake word.
	CaptureSpeech(ctx context.Context, opts CaptureOptions) error
}

// Device is everything the assistant needs from the robot.
type Device interface {
	AudioStore
	AudioPlayer
	LEDController
	Speaker
	SpeechCapture
}

// CaptureOptions bounds a speech recording.
type CaptureOptions struct {
	// SilenceTimeoutMs ends the recording after this much silence.
	SilenceTimeoutMs int

	// MaxSpeechLengthMs caps the recording length.
	MaxSpeechLengthMs int
}

// DefaultCaptureOptions returns a 2s silence timeout and a 15s cap.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		SilenceTimeoutMs:  2000,
		MaxSpeechLengthMs: 15000,
	}
}

// Color is an RGB LED color.
type Color struct {
	R, G, B uint8
}

// String returns the color as rgb(r,g,b).
func (c Color) String() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// LED colors for the assistant's states.
var (
	ColorIdle       = Color{0, 255, 0}
	ColorListening  = Color{255, 0, 255}
	ColorProcessing = Color{0, 255, 255}
	ColorSpeaking   = Color{100, 255, 0}
	ColorError      = Color{255, 0, 0}
)
