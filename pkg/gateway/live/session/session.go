// Package session binds one client WebSocket to one streaming transcription
// session and drives the answer pipeline for every completed utterance.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/askdesk/askdesk/pkg/core/voice/stt"
	"github.com/askdesk/askdesk/pkg/gateway/live/protocol"
)

// Answerer is the slice of the answer service a session needs.
type Answerer interface {
	AnswerQuestion(ctx context.Context, text string) (string, error)
}

// Synthesizer converts answer text into a retrievable audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (artifactID string, err error)
}

// Dependencies are the collaborators a session drives. All are required
// except Logger.
type Dependencies struct {
	STT         stt.Opener
	Answerer    Answerer
	Synthesizer Synthesizer
	Logger      *slog.Logger
}

// Config tunes one session.
type Config struct {
	// GraceDuration bounds how long teardown waits for an in-flight
	// pipeline run before forced cancellation.
	GraceDuration time.Duration

	// AudioURLPrefix prefixes artifact ids in audio notifications.
	AudioURLPrefix string

	MaxAudioFrameBytes int
	PingInterval       time.Duration
	WriteTimeout       time.Duration

	StreamOptions stt.StreamOptions
}

// Session owns one client connection. All state below is touched only by the
// Run loop; concurrent sessions share nothing.
type Session struct {
	id   string
	conn *websocket.Conn
	deps Dependencies
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	// stop is closed by Cancel; it may fire from another goroutine before
	// Run has even set up its context.
	stop     chan struct{}
	stopOnce sync.Once

	writer *outboundWriter
	stream stt.Stream

	sttOpen bool

	// utterance accumulation: final fragments since the last commit
	buffer []string

	// pipeline serialization: completed utterances waiting their turn, and
	// whether a run is in flight
	pending        []string
	pipelineActive bool
	pipelineCancel context.CancelFunc

	stopping bool
}

// pipelineResult signals completion of one answer pipeline run.
type pipelineResult struct {
	utterance string
	err       error
}

// New prepares a session over an accepted WebSocket connection.
func New(conn *websocket.Conn, deps Dependencies, cfg Config) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.GraceDuration <= 0 {
		cfg.GraceDuration = 5 * time.Second
	}
	if cfg.AudioURLPrefix == "" {
		cfg.AudioURLPrefix = "/audio/"
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		cfg.MaxAudioFrameBytes = 8192
	}
	return &Session{
		id:     "sess_" + uuid.NewString(),
		conn:   conn,
		deps:   deps,
		cfg:    cfg,
		stop:   make(chan struct{}),
		writer: newOutboundWriter(conn, cfg.PingInterval, cfg.WriteTimeout),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Cancel force-terminates the session. Used by the tracker during shutdown;
// safe from any goroutine, including before Run starts.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// NotifyShutdown sends a diagnostic to the client. The writer exists from
// New, so this is safe from any goroutine at any point in the session's
// life; messages queued before Run are delivered once the writer starts.
func (s *Session) NotifyShutdown(message string) error {
	return s.writer.send(protocol.Error(message))
}

// Run drives the session until disconnect, stop phrase, provider close, or
// cancellation. It always returns with the client connection closed and all
// session resources released.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	go func() {
		select {
		case <-s.stop:
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	go s.writer.run()

	logger := s.deps.Logger.With("session_id", s.id)

	stream, err := s.deps.STT.OpenStream(s.ctx, s.cfg.StreamOptions)
	if err != nil {
		// Open failure: one error notification, then teardown. No retry;
		// provider calls are billed, so retry policy stays a deliberate
		// operator decision rather than an automatic loop.
		logger.Error("transcription open failed", "error", err)
		_ = s.writer.send(protocol.Error("transcription unavailable"))
		s.writer.flushAndClose(websocket.CloseInternalServerErr, "transcription unavailable")
		_ = s.conn.Close()
		return err
	}
	s.stream = stream
	defer func() {
		s.sttOpen = false
		_ = stream.Close()
	}()

	frames := make(chan []byte, 32)
	readErr := make(chan error, 1)
	go s.readLoop(frames, readErr)

	pipelineDone := make(chan pipelineResult, 1)
	events := stream.Events()
	var graceCh <-chan time.Time

	defer func() {
		if s.pipelineCancel != nil {
			s.pipelineCancel()
		}
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("session canceled")
			s.writer.flushAndClose(websocket.CloseGoingAway, "server shutting down")
			return s.ctx.Err()

		case err := <-readErr:
			// Client went away; nothing left to deliver to.
			logger.Info("client disconnected", "error", err)
			if s.pipelineCancel != nil {
				s.pipelineCancel()
			}
			s.writer.flushAndClose(websocket.CloseNormalClosure, "")
			return nil

		case <-s.writer.closed():
			logger.Info("writer closed, tearing down")
			if s.pipelineCancel != nil {
				s.pipelineCancel()
			}
			return nil

		case frame := <-frames:
			// Silently drop when the provider stream is not open; audio
			// frames are best-effort by contract.
			if !s.sttOpen {
				continue
			}
			if err := s.stream.SendAudio(frame); err != nil {
				logger.Warn("forward audio failed", "error", err)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				ev = stt.Event{Type: stt.EventClosed}
			}
			switch ev.Type {
			case stt.EventOpen:
				s.sttOpen = true

			case stt.EventInterim:
				_ = s.writer.send(protocol.Caption(ev.Text))

			case stt.EventFinal:
				if isStopPhrase(ev.Text) {
					logger.Info("stop phrase received")
					graceCh = s.beginTeardown()
					if !s.pipelineActive {
						s.finish(logger)
						return nil
					}
					continue
				}
				if s.stopping {
					continue
				}
				s.buffer = append(s.buffer, ev.Text)
				if ev.SpeechFinal {
					s.commitUtterance(pipelineDone, logger)
				}

			case stt.EventUtteranceEnd:
				if !s.stopping {
					s.commitUtterance(pipelineDone, logger)
				}

			case stt.EventError:
				// Recoverable mid-stream error: diagnostic only, session
				// stays alive.
				logger.Warn("provider error", "error", ev.Err)
				_ = s.writer.send(protocol.Error("transcription error"))

			case stt.EventClosed:
				logger.Info("provider stream closed")
				s.sttOpen = false
				if graceCh == nil {
					graceCh = s.beginTeardown()
				}
				if !s.pipelineActive {
					s.finish(logger)
					return nil
				}
			}

		case res := <-pipelineDone:
			s.pipelineActive = false
			s.pipelineCancel = nil
			if res.err != nil {
				logger.Warn("pipeline finished with error", "error", res.err)
			}
			if s.stopping {
				s.finish(logger)
				return nil
			}
			if len(s.pending) > 0 {
				next := s.pending[0]
				s.pending = s.pending[1:]
				s.startPipeline(next, pipelineDone, logger)
			}

		case <-graceCh:
			// Grace period expired with work still in flight.
			logger.Warn("teardown grace period expired, forcing cancellation")
			if s.pipelineCancel != nil {
				s.pipelineCancel()
			}
			s.finish(logger)
			return nil
		}
	}
}

// readLoop forwards binary client frames to the Run loop.
func (s *Session) readLoop(frames chan<- []byte, readErr chan<- error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) > s.cfg.MaxAudioFrameBytes {
			continue
		}
		select {
		case frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// commitUtterance treats the accumulation buffer as one complete utterance
// and queues exactly one pipeline run for it. Pipeline runs for a session
// are strictly serialized in arrival order.
func (s *Session) commitUtterance(pipelineDone chan pipelineResult, logger *slog.Logger) {
	if len(s.buffer) == 0 {
		return
	}
	utterance := strings.TrimSpace(strings.Join(s.buffer, " "))
	s.buffer = s.buffer[:0]
	if utterance == "" {
		return
	}
	if s.pipelineActive {
		s.pending = append(s.pending, utterance)
		return
	}
	s.startPipeline(utterance, pipelineDone, logger)
}

// startPipeline runs the answer pipeline for one utterance: user text out,
// answer, bot text out, synthesis, audio URL out. Text delivery never
// depends on synthesis succeeding.
func (s *Session) startPipeline(utterance string, done chan pipelineResult, logger *slog.Logger) {
	s.pipelineActive = true
	pctx, cancel := context.WithCancel(s.ctx)
	s.pipelineCancel = cancel

	go func() {
		defer cancel()

		result := pipelineResult{utterance: utterance}
		defer func() {
			select {
			case done <- result:
			case <-s.ctx.Done():
			}
		}()

		if err := s.writer.send(protocol.UserText(utterance)); err != nil {
			result.err = err
			return
		}

		answer, err := s.deps.Answerer.AnswerQuestion(pctx, utterance)
		if err != nil {
			logger.Error("answer failed", "error", err)
			result.err = err
			_ = s.writer.send(protocol.Error("answer unavailable"))
			return
		}

		if err := s.writer.send(protocol.BotText(answer)); err != nil {
			result.err = err
			return
		}

		artifactID, err := s.deps.Synthesizer.Synthesize(pctx, answer)
		if err != nil {
			// The bot text above is already delivered; audio is an extra.
			logger.Warn("synthesis failed", "error", err)
			result.err = err
			_ = s.writer.send(protocol.Error("audio synthesis failed"))
			return
		}
		if err := s.writer.send(protocol.Audio(s.cfg.AudioURLPrefix + artifactID)); err != nil {
			result.err = err
		}
	}()
}

// beginTeardown stops accepting new work and returns the channel that fires
// when the teardown grace period expires.
func (s *Session) beginTeardown() <-chan time.Time {
	s.stopping = true
	s.pending = nil
	s.buffer = nil
	s.sttOpen = false
	_ = s.stream.Close()
	return time.After(s.cfg.GraceDuration)
}

// finish flushes queued messages and closes the client connection.
func (s *Session) finish(logger *slog.Logger) {
	s.writer.flushAndClose(websocket.CloseNormalClosure, "session ended")
	logger.Info("session closed")
}

// isStopPhrase matches the teardown command: case-insensitive, exactly
// "stop" with or without a trailing period.
func isStopPhrase(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "stop" || t == "stop."
}

// IsCancellation reports whether err is a cancellation rather than a
// failure, so callers can log teardown at the right level.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
