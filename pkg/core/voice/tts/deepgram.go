package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/askdesk/askdesk/pkg/core"
	"github.com/askdesk/askdesk/pkg/core/artifact"
)

const (
	deepgramSpeakURL = "https://api.deepgram.com/v1/speak"

	// DefaultTimeout bounds the whole synthesis call, headers through last
	// byte. An unbounded synthesis call can wedge a session's pipeline.
	DefaultTimeout = 30 * time.Second
)

// Options configures the Deepgram synthesizer.
type Options struct {
	Model   string        // default "aura-asteria-en"
	Timeout time.Duration // default DefaultTimeout; must be finite
	BaseURL string        // default deepgramSpeakURL; tests point this at a local server
}

// DeepgramProvider synthesizes speech via Deepgram's speak endpoint and
// writes the response stream into an artifact store.
type DeepgramProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	store      *artifact.Store
}

// NewDeepgram creates a new Deepgram TTS provider backed by store.
func NewDeepgram(apiKey string, store *artifact.Store, opts Options) *DeepgramProvider {
	model := opts.Model
	if model == "" {
		model = "aura-asteria-en"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = deepgramSpeakURL
	}
	return &DeepgramProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
	}
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// Synthesize speaks text and returns the committed artifact identifier.
func (p *DeepgramProvider) Synthesize(ctx context.Context, text string) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", core.NewProviderConnectionError(p.Name(), fmt.Errorf("parse speak URL: %w", err))
	}
	q := u.Query()
	q.Set("model", p.model)
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", core.NewProviderRuntimeError(p.Name(), fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", core.NewProviderRuntimeError(p.Name(), fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", core.NewProviderConnectionError(p.Name(), fmt.Errorf("speak request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", core.NewProviderRuntimeError(p.Name(),
			fmt.Errorf("speak error %d: %s", resp.StatusCode, string(msg)))
	}

	w, err := p.store.Create(extensionFor(resp.Header.Get("Content-Type")))
	if err != nil {
		return "", err
	}
	// Stream the body in chunks; never buffer the whole artifact in memory.
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Abort()
		if ctx.Err() != nil || isTimeout(err) {
			return "", core.NewProviderRuntimeError(p.Name(), fmt.Errorf("speak stream: %w", err))
		}
		return "", core.NewArtifactWriteError(fmt.Errorf("persist audio: %w", err))
	}
	return w.Commit()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".wav"
	}
}
