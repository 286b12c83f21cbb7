// Package stt provides streaming speech-to-text.
package stt

import (
	"context"
)

// EventType tags a transcript event emitted by a provider stream.
type EventType string

const (
	// EventOpen is emitted once when the provider stream is ready.
	EventOpen EventType = "open"
	// EventInterim carries an in-progress transcript fragment. Interim text
	// is display-only; it never completes an utterance.
	EventInterim EventType = "interim"
	// EventFinal carries a finalized transcript segment. SpeechFinal marks
	// the segment that also ends the utterance.
	EventFinal EventType = "final"
	// EventUtteranceEnd signals provider-detected end of speech with no
	// accompanying text.
	EventUtteranceEnd EventType = "utterance_end"
	// EventError carries a mid-stream provider error. The stream may still
	// be usable; EventClosed follows if it is not.
	EventError EventType = "error"
	// EventClosed is the last event on the channel before it is closed.
	EventClosed EventType = "closed"
)

// Event is a tagged transcript event. Text is set for interim and final
// events; Err is set for error events.
type Event struct {
	Type EventType
	Text string
	// SpeechFinal is true on a final event when the provider also detected
	// end of speech for the segment.
	SpeechFinal bool
	Err         error
}

// Stream is one open streaming transcription session. Implementations emit
// events on Events in provider order and close the channel after a final
// EventClosed.
type Stream interface {
	// SendAudio forwards raw audio bytes to the provider.
	SendAudio(data []byte) error

	// Finalize flushes buffered audio, asking the provider to finalize any
	// pending transcript without closing the stream.
	Finalize() error

	// Events returns the transcript event channel.
	Events() <-chan Event

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// Opener opens provider streams. Implementations must return a
// provider_connection_error when the stream cannot be established.
type Opener interface {
	// Name returns the provider identifier.
	Name() string

	// OpenStream dials the provider and starts the event loop.
	OpenStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// StreamOptions configures a streaming transcription session.
type StreamOptions struct {
	Model          string // provider-specific model (default "nova-2")
	Language       string // ISO language code (default "en")
	Encoding       string // raw audio encoding (default "linear16")
	SampleRate     int    // audio sample rate in Hz (default 16000)
	UtteranceEndMS int    // silence window for utterance-end detection
}
