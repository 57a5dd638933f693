package assistant

import (
	"github.com/teslashibe/go-misty/pkg/playback"
)

// Voice is the speech-to-speech service the controller drives.
// *realtime.Session satisfies it.
type Voice interface {
	// ProcessAudio streams one utterance, commits it and requests a reply.
	ProcessAudio(pcm []byte, instructions string) error

	// CancelResponse stops the reply being generated.
	CancelResponse() error
}

// Player is the playback side the controller interrupts.
// *playback.Pipeline satisfies it.
type Player interface {
	Clear()
	Snapshot() playback.Snapshot
}

// Resetter drops partially assembled responses.
// *assembler.Assembler satisfies it.
type Resetter interface {
	Reset()
}

// Observer receives conversation text and status changes for display.
// *web.Server satisfies it.
type Observer interface {
	AddConversation(role, message string)
	PublishStatus()
}
