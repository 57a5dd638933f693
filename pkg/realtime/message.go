package realtime

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Outbound message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeInputAudioAppend  = "input_audio_buffer.append"
	TypeInputAudioCommit  = "input_audio_buffer.commit"
	TypeResponseCreate    = "response.create"
	TypeResponseCancel    = "response.cancel"
	TypeRateLimitsUpdated = "rate_limits.updated"
)

// Message is an outbound protocol message.
type Message map[string]any

// Type returns the message "type" field.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// newEventID returns a client event id.
func newEventID() string {
	return "evt_" + uuid.NewString()
}

// SessionUpdate configures PCM16 in both directions, the output voice and
// disables server-side turn detection. Audio is committed explicitly and
// responses are requested with response.create. A non-empty
// transcriptionModel turns on user transcripts.
func SessionUpdate(voice, instructions, transcriptionModel string) Message {
	var transcription any
	if transcriptionModel != "" {
		transcription = map[string]any{"model": transcriptionModel}
	}
	session := map[string]any{
		"modalities":                []string{"text", "audio"},
		"voice":                     voice,
		"input_audio_format":        "pcm16",
		"output_audio_format":       "pcm16",
		"input_audio_transcription": transcription,
		"turn_detection":            nil,
	}
	if instructions != "" {
		session["instructions"] = instructions
	}
	return Message{
		"type":    TypeSessionUpdate,
		"session": session,
	}
}

// AppendAudio carries one base64 PCM16 piece of user audio.
func AppendAudio(pcm []byte) Message {
	return Message{
		"type":  TypeInputAudioAppend,
		"audio": base64.StdEncoding.EncodeToString(pcm),
	}
}

// CommitAudio marks the end of the user's input audio.
func CommitAudio() Message {
	return Message{"type": TypeInputAudioCommit}
}

// CreateResponse asks the service for a text and audio response.
func CreateResponse(instructions string) Message {
	response := map[string]any{
		"modalities": []string{"text", "audio"},
	}
	if instructions != "" {
		response["instructions"] = instructions
	}
	return Message{
		"type":     TypeResponseCreate,
		"response": response,
	}
}

// CancelResponse stops the in-progress response.
func CancelResponse() Message {
	return Message{"type": TypeResponseCancel}
}

// SplitPCM splits pcm into pieces of the given duration at sampleRate (PCM16
// mono). The last piece may be shorter.
func SplitPCM(pcm []byte, sampleRate int, piece time.Duration) [][]byte {
	size := int(int64(sampleRate) * 2 * int64(piece) / int64(time.Second))
	size -= size % 2
	if size <= 0 {
		size = len(pcm)
	}

	var out [][]byte
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[start:end])
	}
	return out
}
