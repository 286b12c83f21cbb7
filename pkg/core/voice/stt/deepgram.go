package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/askdesk/askdesk/pkg/core"
)

const (
	deepgramListenURL = "wss://api.deepgram.com/v1/listen"

	// keepAliveInterval keeps the provider socket open while the client is
	// silent. Deepgram drops the connection after ~10s without traffic.
	keepAliveInterval = 5 * time.Second
)

// DeepgramProvider opens live transcription streams against Deepgram's
// listen endpoint.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

// NewDeepgram creates a new Deepgram STT provider.
func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramListenURL}
}

// NewDeepgramWithURL creates a provider against a custom endpoint. Used by
// tests to point at a local server.
func NewDeepgramWithURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// OpenStream dials the listen endpoint and starts the read loop. Audio can
// be sent incrementally via SendAudio; events arrive on Events.
func (p *DeepgramProvider) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, core.NewProviderConnectionError(p.Name(), fmt.Errorf("parse websocket URL: %w", err))
	}

	q := u.Query()

	model := opts.Model
	if model == "" {
		model = "nova-2"
	}
	q.Set("model", model)

	language := opts.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)

	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("channels", "1")

	utteranceEnd := opts.UtteranceEndMS
	if utteranceEnd == 0 {
		utteranceEnd = 1000
	}
	q.Set("utterance_end_ms", fmt.Sprintf("%d", utteranceEnd))
	q.Set("endpointing", fmt.Sprintf("%d", utteranceEnd))

	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("smart_format", "true")

	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Token "+p.apiKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, core.NewProviderConnectionError(p.Name(),
					fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body)))
			}
			return nil, core.NewProviderConnectionError(p.Name(),
				fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err))
		}
		return nil, core.NewProviderConnectionError(p.Name(), fmt.Errorf("websocket connect: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		provider: p.Name(),
		conn:     conn,
		events:   make(chan Event, 100),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go s.readLoop()
	go s.keepAliveLoop()

	return s, nil
}

// deepgramStream is one live transcription session.
type deepgramStream struct {
	provider string
	conn     *websocket.Conn
	events   chan Event
	done     chan struct{}
	closed   atomic.Bool
	writeMu  sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// deepgramResponse covers the message shapes the listen endpoint emits.
type deepgramResponse struct {
	Type        string `json:"type"` // "Results", "UtteranceEnd", "Metadata", "SpeechStarted"
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramStream) readLoop() {
	defer func() {
		s.emit(Event{Type: EventClosed})
		close(s.events)
		close(s.done)
	}()

	s.emit(Event{Type: EventOpen})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(Event{Type: EventError, Err: core.NewProviderRuntimeError(s.provider, err)})
			}
			return
		}

		var msg deepgramResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			text := ""
			if len(msg.Channel.Alternatives) > 0 {
				text = msg.Channel.Alternatives[0].Transcript
			}
			if text == "" {
				continue
			}
			if msg.IsFinal {
				s.emit(Event{Type: EventFinal, Text: text, SpeechFinal: msg.SpeechFinal})
			} else {
				s.emit(Event{Type: EventInterim, Text: text})
			}

		case "UtteranceEnd":
			s.emit(Event{Type: EventUtteranceEnd})

		case "Metadata", "SpeechStarted":
			continue

		case "Error":
			reason := msg.Description
			if reason == "" {
				reason = msg.Message
			}
			s.emit(Event{Type: EventError, Err: core.NewProviderRuntimeError(s.provider, fmt.Errorf("%s", reason))})
		}
	}
}

func (s *deepgramStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// keepAliveLoop sends KeepAlive text frames so the provider does not drop
// the socket during client silence.
func (s *deepgramStream) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
		}
	}
}

// SendAudio forwards raw audio bytes to the provider.
func (s *deepgramStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return core.NewProviderRuntimeError(s.provider, fmt.Errorf("stream closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return core.NewProviderRuntimeError(s.provider, err)
	}
	return nil
}

// Finalize asks the provider to flush buffered audio and finalize pending
// transcripts without closing the stream.
func (s *deepgramStream) Finalize() error {
	if s.closed.Load() {
		return core.NewProviderRuntimeError(s.provider, fmt.Errorf("stream closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`)); err != nil {
		return core.NewProviderRuntimeError(s.provider, err)
	}
	return nil
}

// Events returns the transcript event channel.
func (s *deepgramStream) Events() <-chan Event {
	return s.events
}

// Close closes the streaming session.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.cancel()
	return err
}
