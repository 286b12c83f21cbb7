package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/askdesk/askdesk/internal/dotenv"
	"github.com/askdesk/askdesk/pkg/core/artifact"
	"github.com/askdesk/askdesk/pkg/core/rag"
	"github.com/askdesk/askdesk/pkg/core/voice/stt"
	"github.com/askdesk/askdesk/pkg/core/voice/tts"
	"github.com/askdesk/askdesk/pkg/gateway/config"
	"github.com/askdesk/askdesk/pkg/gateway/handlers"
	"github.com/askdesk/askdesk/pkg/gateway/lifecycle"
	"github.com/askdesk/askdesk/pkg/gateway/live/session"
	"github.com/askdesk/askdesk/pkg/gateway/live/sessions"
	"github.com/askdesk/askdesk/pkg/gateway/server"
)

type appDeps struct {
	loadConfig    func() (config.Config, error)
	buildServices func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig:    config.LoadFromEnv,
		buildServices: buildServices,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// services is everything the HTTP server needs, plus the hooks drain uses.
type services struct {
	handler http.Handler
	lc      *lifecycle.Lifecycle
	tracker *sessions.Tracker
	close   func()
}

func buildServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	store, err := rag.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate document store: %w", err)
	}

	gemini, err := rag.NewGeminiClient(ctx, cfg.GeminiAPIKey, rag.GeminiOptions{
		GenerateModel: cfg.GenerateModel,
		EmbedModel:    cfg.EmbedModel,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	answerer := rag.NewService(store, gemini, gemini, logger, rag.Config{TopK: cfg.TopK})

	artifacts, err := artifact.NewStore(cfg.ArtifactDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	synthesizer := tts.NewDeepgram(cfg.DeepgramAPIKey, artifacts, tts.Options{
		Model:   cfg.TTSModel,
		Timeout: cfg.SynthesisTimeout,
	})

	lc := &lifecycle.Lifecycle{}
	tracker := sessions.NewTracker()

	srv := server.New(cfg, logger, server.Deps{
		Answerer:  answerer,
		Artifacts: artifacts,
		WS: handlers.WSDeps{
			Logger:      logger,
			Lifecycle:   lc,
			Tracker:     tracker,
			STT:         stt.NewDeepgram(cfg.DeepgramAPIKey),
			Answerer:    answerer,
			Synthesizer: synthesizer,
			SessionConfig: session.Config{
				GraceDuration:      cfg.GraceDuration,
				AudioURLPrefix:     strings.TrimSuffix(cfg.PublicBaseURL, "/") + "/audio/",
				MaxAudioFrameBytes: cfg.MaxAudioFrameBytes,
				PingInterval:       cfg.WSPingInterval,
				WriteTimeout:       cfg.WSWriteTimeout,
				StreamOptions: stt.StreamOptions{
					Model:          cfg.STTModel,
					SampleRate:     cfg.SampleRate,
					UtteranceEndMS: cfg.UtteranceEndMS,
				},
			},
		},
	})

	return &services{
		handler: srv.Handler(),
		lc:      lc,
		tracker: tracker,
		close:   store.Close,
	}, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps appDeps) error {
	if deps.buildServices == nil {
		return errors.New("missing buildServices dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	svc, err := deps.buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	httpSrv := buildHTTPServer(cfg, svc.handler)
	logger.Info("starting askdesk", "addr", cfg.Addr, "stt_model", cfg.STTModel, "tts_model", cfg.TTSModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	svc.lc.SetDraining(true)
	svc.tracker.NotifyAll("server is shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !svc.tracker.Wait(waitCtx) {
		canceled := svc.tracker.CancelAll()
		logger.Warn("canceled live sessions at shutdown", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("askdesk stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "askdesk: missing loadConfig dependency")
		return 1
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "askdesk: %v\n", err)
		return 1
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "askdesk: %v\n", err)
		return 1
	}

	logger := newLogger(cfg, stderr)
	if err := run(ctx, cfg, logger, deps); err != nil {
		fmt.Fprintf(stderr, "askdesk: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}
