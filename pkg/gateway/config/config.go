package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Provider credentials. Both are required before the server accepts a
	// single connection.
	DeepgramAPIKey string
	GeminiAPIKey   string

	// DatabaseURL is the Postgres DSN for the pgvector document store.
	DatabaseURL string

	// DocumentDir is the document source directory for ingestion.
	DocumentDir string

	// ArtifactDir is where synthesized audio artifacts are persisted.
	ArtifactDir string

	// PublicBaseURL prefixes audio artifact URLs sent to clients. Empty
	// means relative URLs ("/audio/<id>").
	PublicBaseURL string

	// Model selection.
	STTModel      string
	TTSModel      string
	GenerateModel string
	EmbedModel    string

	// Streaming transcription tuning.
	SampleRate     int
	UtteranceEndMS int

	// SynthesisTimeout bounds every text-to-speech call. Must be finite.
	SynthesisTimeout time.Duration

	// GraceDuration bounds how long teardown waits for in-flight pipeline
	// work before forced cancellation.
	GraceDuration time.Duration

	// Live WebSocket tuning.
	MaxAudioFrameBytes int
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration

	// CORS. Empty set => allow any origin.
	CORSAllowedOrigins map[string]struct{}

	// Answer service tuning.
	TopK int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Logging.
	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("ASKDESK_ADDR", ":8080"),
		DeepgramAPIKey:      envOr("ASKDESK_DEEPGRAM_API_KEY", ""),
		GeminiAPIKey:        envOr("ASKDESK_GEMINI_API_KEY", ""),
		DatabaseURL:         envOr("ASKDESK_DATABASE_URL", ""),
		DocumentDir:         envOr("ASKDESK_DOCUMENT_DIR", "./data"),
		ArtifactDir:         envOr("ASKDESK_ARTIFACT_DIR", "./audio"),
		PublicBaseURL:       envOr("ASKDESK_PUBLIC_BASE_URL", ""),
		STTModel:            envOr("ASKDESK_STT_MODEL", "nova-2"),
		TTSModel:            envOr("ASKDESK_TTS_MODEL", "aura-asteria-en"),
		GenerateModel:       envOr("ASKDESK_GENERATE_MODEL", "gemini-2.0-flash"),
		EmbedModel:          envOr("ASKDESK_EMBED_MODEL", "gemini-embedding-001"),
		SampleRate:          envIntOr("ASKDESK_SAMPLE_RATE", 16000),
		UtteranceEndMS:      envIntOr("ASKDESK_UTTERANCE_END_MS", 1000),
		SynthesisTimeout:    envDurationOr("ASKDESK_SYNTHESIS_TIMEOUT", 30*time.Second),
		GraceDuration:       envDurationOr("ASKDESK_GRACE_MS", 5*time.Second),
		MaxAudioFrameBytes:  envIntOr("ASKDESK_MAX_AUDIO_FRAME_BYTES", 8192),
		WSPingInterval:      envDurationOr("ASKDESK_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("ASKDESK_WS_WRITE_TIMEOUT", 5*time.Second),
		CORSAllowedOrigins:  make(map[string]struct{}),
		TopK:                envIntOr("ASKDESK_TOP_K", 4),
		ReadHeaderTimeout:   envDurationOr("ASKDESK_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("ASKDESK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:            envOr("ASKDESK_LOG_LEVEL", "info"),
		LogFormat:           envOr("ASKDESK_LOG_FORMAT", "text"),
	}

	for _, origin := range splitCSV(os.Getenv("ASKDESK_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("ASKDESK_DEEPGRAM_API_KEY must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("ASKDESK_GEMINI_API_KEY must be set")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("ASKDESK_DATABASE_URL must be set")
	}
	if strings.TrimSpace(cfg.DocumentDir) == "" {
		return Config{}, fmt.Errorf("ASKDESK_DOCUMENT_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.ArtifactDir) == "" {
		return Config{}, fmt.Errorf("ASKDESK_ARTIFACT_DIR must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_SAMPLE_RATE must be > 0")
	}
	if cfg.UtteranceEndMS <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_UTTERANCE_END_MS must be > 0")
	}
	if cfg.SynthesisTimeout <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_SYNTHESIS_TIMEOUT must be > 0")
	}
	if cfg.GraceDuration <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_GRACE_MS must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.TopK <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_TOP_K must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ASKDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("ASKDESK_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("ASKDESK_LOG_FORMAT must be one of text|json")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
