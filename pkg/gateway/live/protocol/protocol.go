// Package protocol defines the JSON messages the server sends over the live
// WebSocket. Clients send only binary audio frames; there is no inbound JSON.
package protocol

import (
	"encoding/json"
)

// Message types.
const (
	TypeText    = "text"    // recognized user text or bot answer text
	TypeCaption = "caption" // live interim transcript, display-only
	TypeAudio   = "audio"   // URL of a synthesized audio artifact
	TypeError   = "error"   // diagnostic; the session usually stays alive
)

// Roles for TypeText messages.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Message is one server-to-client frame.
type Message struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// UserText is the finalized recognition of one utterance.
func UserText(content string) Message {
	return Message{Type: TypeText, Role: RoleUser, Content: content}
}

// BotText is the answer for one utterance.
func BotText(content string) Message {
	return Message{Type: TypeText, Role: RoleBot, Content: content}
}

// Caption is a live interim transcript.
func Caption(content string) Message {
	return Message{Type: TypeCaption, Content: content}
}

// Audio references a retrievable synthesized artifact.
func Audio(url string) Message {
	return Message{Type: TypeAudio, Content: url}
}

// Error is a diagnostic notification.
func Error(content string) Message {
	return Message{Type: TypeError, Content: content}
}

// Encode renders the frame for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
