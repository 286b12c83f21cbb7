// Command askdesk-mic is a voice-only console client. It captures microphone
// audio with ffmpeg, streams it through the transcription provider, answers
// each completed utterance over the indexed documents, and plays the
// synthesized reply with ffplay. Saying "stop" ends the conversation.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/askdesk/askdesk/internal/dotenv"
	"github.com/askdesk/askdesk/pkg/core/artifact"
	"github.com/askdesk/askdesk/pkg/core/rag"
	"github.com/askdesk/askdesk/pkg/core/voice/stt"
	"github.com/askdesk/askdesk/pkg/core/voice/tts"
	"github.com/askdesk/askdesk/pkg/gateway/config"
)

type answerer interface {
	AnswerQuestion(ctx context.Context, question string) (string, error)
}

type synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type artifactOpener interface {
	Open(id string) (io.ReadCloser, int64, error)
}

type consoleDeps struct {
	opener      stt.Opener
	answerer    answerer
	synthesizer synthesizer
	artifacts   artifactOpener
	mic         io.Reader
	play        func(io.Reader) error
}

// runConsole drives one spoken conversation: buffer transcript fragments
// into utterances, answer each one in turn, speak the reply. Pipeline work
// is inline, so answers never interleave.
func runConsole(ctx context.Context, cfg config.Config, out, errOut io.Writer, deps consoleDeps) error {
	stream, err := deps.opener.OpenStream(ctx, stt.StreamOptions{
		Model:          cfg.STTModel,
		SampleRate:     cfg.SampleRate,
		UtteranceEndMS: cfg.UtteranceEndMS,
	})
	if err != nil {
		return fmt.Errorf("open transcription stream: %w", err)
	}
	defer stream.Close()

	micCtx, micCancel := context.WithCancel(ctx)
	defer micCancel()
	go func() {
		buf := make([]byte, 1024)
		for micCtx.Err() == nil {
			n, readErr := deps.mic.Read(buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				if sendErr := stream.SendAudio(frame); sendErr != nil {
					return
				}
			}
			if readErr != nil {
				// Capture ended; ask the provider to finalize whatever
				// audio it still buffers so the last utterance is not lost.
				_ = stream.Finalize()
				return
			}
		}
	}()

	var buffer []string
	commit := func() {
		if len(buffer) == 0 {
			return
		}
		utterance := strings.Join(buffer, " ")
		buffer = buffer[:0]

		fmt.Fprintf(out, "you: %s\n", utterance)
		answer, err := deps.answerer.AnswerQuestion(ctx, utterance)
		if err != nil {
			fmt.Fprintf(errOut, "answer unavailable: %v\n", err)
			return
		}
		fmt.Fprintf(out, "bot: %s\n", answer)

		id, err := deps.synthesizer.Synthesize(ctx, answer)
		if err != nil {
			fmt.Fprintf(errOut, "audio synthesis failed: %v\n", err)
			return
		}
		audio, _, err := deps.artifacts.Open(id)
		if err != nil {
			fmt.Fprintf(errOut, "open audio: %v\n", err)
			return
		}
		defer audio.Close()
		if err := deps.play(audio); err != nil {
			fmt.Fprintf(errOut, "playback: %v\n", err)
		}
	}

	fmt.Fprintln(out, "listening (say \"stop\" to end)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case stt.EventInterim:
				fmt.Fprintf(errOut, "… %s\n", ev.Text)
			case stt.EventFinal:
				if isStopPhrase(ev.Text) {
					// Teardown, not an answer: anything still buffered is
					// discarded, matching the server session.
					buffer = nil
					fmt.Fprintln(out, "goodbye")
					return nil
				}
				buffer = append(buffer, ev.Text)
				if ev.SpeechFinal {
					commit()
				}
			case stt.EventUtteranceEnd:
				commit()
			case stt.EventError:
				fmt.Fprintf(errOut, "transcription error: %v\n", ev.Err)
			case stt.EventClosed:
				commit()
				return nil
			}
		}
	}
}

func isStopPhrase(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "stop" || t == "stop."
}

func run(ctx context.Context, stderr io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	store, err := rag.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect document store: %w", err)
	}
	defer store.Close()

	gemini, err := rag.NewGeminiClient(ctx, cfg.GeminiAPIKey, rag.GeminiOptions{
		GenerateModel: cfg.GenerateModel,
		EmbedModel:    cfg.EmbedModel,
	})
	if err != nil {
		return fmt.Errorf("create gemini client: %w", err)
	}
	svc := rag.NewService(store, gemini, gemini, logger, rag.Config{TopK: cfg.TopK})

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	mic, err := newMicCapture(runtime.GOOS)
	if err != nil {
		return err
	}
	defer mic.Close()

	return runConsole(ctx, cfg, os.Stdout, stderr, consoleDeps{
		opener:   stt.NewDeepgram(cfg.DeepgramAPIKey),
		answerer: svc,
		synthesizer: tts.NewDeepgram(cfg.DeepgramAPIKey, artifacts, tts.Options{
			Model:   cfg.TTSModel,
			Timeout: cfg.SynthesisTimeout,
		}),
		artifacts: artifacts,
		mic:       mic,
		play:      playClip,
	})
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "askdesk-mic: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "askdesk-mic: %v\n", err)
		os.Exit(1)
	}
}
