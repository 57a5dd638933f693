// Package hub fans dashboard events out to websocket clients using the
// channel-based register/unregister/broadcast pattern.
package hub

import (
	"encoding/json"
	"time"
)

// Event types published by the assistant.
const (
	EventStatus     = "status"
	EventTranscript = "transcript"
	EventPlayback   = "playback"
	EventError      = "error"
)

// Event is the JSON envelope sent to every client.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Message is one encoded frame queued for clients.
type Message struct {
	Data []byte
}

// NewMessage encodes ev for broadcast.
func NewMessage(ev Event) (Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}
