package assembler

import "fmt"

// Kind classifies how Dispatch handled an inbound message.
type Kind int

const (
	// KindIgnored is an irrelevant or unknown message type.
	KindIgnored Kind = iota
	// KindAudio is an audio delta.
	KindAudio
	// KindTranscript is a user or assistant text delta.
	KindTranscript
	// KindCompletion ends a response.
	KindCompletion
	// KindError is a service error or a message that could not be parsed.
	KindError
)

// String returns a human-readable kind.
func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindAudio:
		return "audio"
	case KindTranscript:
		return "transcript"
	case KindCompletion:
		return "completion"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result describes what Dispatch did with one message.
type Result struct {
	Kind       Kind
	Type       string
	ResponseID string

	// Bytes is the decoded audio size for KindAudio.
	Bytes int

	// Err is set for KindError.
	Err error
}

// Chunk is a playable slice of one response's audio.
type Chunk struct {
	ResponseID string

	// Index counts from 0 within a response with no gaps.
	Index int

	// PCM is little-endian 16-bit mono at the service rate.
	PCM []byte

	// Final marks the last chunk of the response. It may be empty.
	Final bool
}

// Role identifies who spoke a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is user or assistant text.
type Transcript struct {
	ResponseID string
	Role       Role

	// Text is a delta when Final is false and the whole utterance when true.
	Text  string
	Final bool
}
