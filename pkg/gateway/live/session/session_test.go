package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/askdesk/askdesk/pkg/core/voice/stt"
)

// fakeStream is a scripted provider stream. Tests push events with emit.
type fakeStream struct {
	events chan stt.Event

	mu        sync.Mutex
	audio     [][]byte
	closed    bool
	finalized bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 100)}
}

func (f *fakeStream) emit(ev stt.Event) { f.events <- ev }

func (f *fakeStream) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	f.audio = append(f.audio, data)
	return nil
}

func (f *fakeStream) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	return nil
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type fakeOpener struct {
	stream  *fakeStream
	openErr error
}

func (f *fakeOpener) Name() string { return "fake" }

func (f *fakeOpener) OpenStream(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

type fakeAnswerer struct {
	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
	answers   map[string]string
	err       error
	block     chan struct{} // when non-nil, calls wait for it or ctx
}

func (f *fakeAnswerer) AnswerQuestion(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	block := f.block
	failWith := f.err
	answer, scripted := f.answers[text]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failWith != nil {
		return "", failWith
	}
	if scripted {
		return answer, nil
	}
	return "answer to: " + text, nil
}

func (f *fakeAnswerer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSynth struct {
	mu    sync.Mutex
	calls int
	id    string
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

// harness hosts a session behind a real WebSocket server and dials it.
type harness struct {
	client *websocket.Conn
	runErr chan error
	srv    *httptest.Server
}

var testUpgrader = websocket.Upgrader{}

func startSession(t *testing.T, deps Dependencies, cfg Config) *harness {
	t.Helper()
	h := &harness{runErr: make(chan error, 1)}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess := New(conn, deps, cfg)
		h.runErr <- sess.Run(context.Background())
	}))
	t.Cleanup(h.srv.Close)

	u := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

type wireMsg struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *harness) readMessage(t *testing.T) wireMsg {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

// readUntilClosed drains messages until the server closes the connection.
func (h *harness) readUntilClosed(t *testing.T, timeout time.Duration) []wireMsg {
	t.Helper()
	var msgs []wireMsg
	_ = h.client.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := h.client.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return msgs
			}
			t.Fatalf("read: %v (got %d messages: %v)", err, len(msgs), msgs)
		}
		var m wireMsg
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		msgs = append(msgs, m)
	}
}

func defaultDeps(stream *fakeStream, ans *fakeAnswerer, synth *fakeSynth) Dependencies {
	return Dependencies{
		STT:         &fakeOpener{stream: stream},
		Answerer:    ans,
		Synthesizer: synth,
	}
}

func TestInterimEventsNeverInvokePipeline(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	for _, text := range []string{"what", "what is", "what is the"} {
		stream.emit(stt.Event{Type: stt.EventInterim, Text: text})
	}

	// Captions arrive, but no pipeline run starts.
	for i := 0; i < 3; i++ {
		m := h.readMessage(t)
		if m.Type != "caption" {
			t.Fatalf("message %d = %+v, want caption", i, m)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := ans.callCount(); n != 0 {
		t.Errorf("pipeline invoked %d times for interim-only input", n)
	}
}

func TestFinalWithoutCompletionDoesNotInvokePipeline(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{}
	startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "what is the leave policy"})

	time.Sleep(50 * time.Millisecond)
	if n := ans.callCount(); n != 0 {
		t.Errorf("pipeline invoked %d times before utterance completion", n)
	}
}

func TestEndToEndQuestionAnswerAudio(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{answers: map[string]string{
		"What is the leave policy?": "Ten days per year.",
	}}
	synth := &fakeSynth{id: "abc123.wav"}
	h := startSession(t, defaultDeps(stream, ans, synth), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "What is the leave policy?", SpeechFinal: true})

	first := h.readMessage(t)
	if first.Type != "text" || first.Role != "user" || first.Content != "What is the leave policy?" {
		t.Fatalf("first = %+v", first)
	}
	second := h.readMessage(t)
	if second.Type != "text" || second.Role != "bot" || second.Content != "Ten days per year." {
		t.Fatalf("second = %+v", second)
	}
	third := h.readMessage(t)
	if third.Type != "audio" || third.Content != "/audio/abc123.wav" {
		t.Fatalf("third = %+v", third)
	}
}

func TestUtteranceEndJoinsBufferedFragments(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "what is"})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "the leave policy?"})
	stream.emit(stt.Event{Type: stt.EventUtteranceEnd})

	first := h.readMessage(t)
	if first.Content != "what is the leave policy?" {
		t.Fatalf("utterance = %q, want fragments joined with single space", first.Content)
	}
}

func TestPipelineRunsSerialized(t *testing.T) {
	stream := newFakeStream()
	block := make(chan struct{})
	ans := &fakeAnswerer{block: block}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "first question", SpeechFinal: true})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "second question", SpeechFinal: true})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "third question", SpeechFinal: true})

	// First user-text goes out while the answer call is blocked; the other
	// runs must wait.
	first := h.readMessage(t)
	if first.Content != "first question" {
		t.Fatalf("first = %+v", first)
	}
	time.Sleep(50 * time.Millisecond)
	if n := ans.callCount(); n != 1 {
		t.Fatalf("in-flight calls = %d, want 1", n)
	}
	close(block)

	// All three utterances complete, in arrival order, never overlapped.
	var userTexts []string
	deadline := time.Now().Add(5 * time.Second)
	userTexts = append(userTexts, first.Content)
	for len(userTexts) < 3 && time.Now().Before(deadline) {
		m := h.readMessage(t)
		if m.Type == "text" && m.Role == "user" {
			userTexts = append(userTexts, m.Content)
		}
	}
	want := []string{"first question", "second question", "third question"}
	for i := range want {
		if userTexts[i] != want[i] {
			t.Errorf("userTexts[%d] = %q, want %q", i, userTexts[i], want[i])
		}
	}

	ans.mu.Lock()
	maxActive := ans.maxActive
	ans.mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent pipeline runs = %d, want 1", maxActive)
	}
}

func TestStopPhraseMatching(t *testing.T) {
	positive := []string{"stop", "stop.", "Stop.", "STOP", "  Stop  "}
	for _, text := range positive {
		if !isStopPhrase(text) {
			t.Errorf("isStopPhrase(%q) = false, want true", text)
		}
	}
	negative := []string{"nonstop", "stop it", "stopped", "s top", "", "please stop"}
	for _, text := range negative {
		if isStopPhrase(text) {
			t.Errorf("isStopPhrase(%q) = true, want false", text)
		}
	}
}

func TestStopPhraseClosesWithoutPipeline(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}),
		Config{GraceDuration: 2 * time.Second})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "Stop.", SpeechFinal: true})

	msgs := h.readUntilClosed(t, 3*time.Second)
	if len(msgs) != 0 {
		t.Errorf("unexpected messages before close: %v", msgs)
	}
	if n := ans.callCount(); n != 0 {
		t.Errorf("pipeline invoked %d times for stop phrase", n)
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after stop")
	}
	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if !closed {
		t.Error("provider stream not closed on teardown")
	}
}

func TestStopWaitsForInFlightThenForceCancels(t *testing.T) {
	stream := newFakeStream()
	block := make(chan struct{}) // never closed: the answer call hangs
	ans := &fakeAnswerer{block: block}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}),
		Config{GraceDuration: 150 * time.Millisecond})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "slow question", SpeechFinal: true})

	// User text confirms the pipeline started.
	if m := h.readMessage(t); m.Content != "slow question" {
		t.Fatalf("first = %+v", m)
	}
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "Stop.", SpeechFinal: true})

	start := time.Now()
	select {
	case <-h.runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not tear down after grace period")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("teardown after %v, expected to wait out the grace period", elapsed)
	}
}

func TestSynthesisFailureStillDeliversText(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{answers: map[string]string{"q": "the answer"}}
	synth := &fakeSynth{err: errors.New("speak failed")}
	h := startSession(t, defaultDeps(stream, ans, synth), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "q", SpeechFinal: true})

	first := h.readMessage(t)
	if first.Role != "user" {
		t.Fatalf("first = %+v", first)
	}
	second := h.readMessage(t)
	if second.Type != "text" || second.Role != "bot" || second.Content != "the answer" {
		t.Fatalf("second = %+v, bot text must be delivered before synthesis runs", second)
	}
	third := h.readMessage(t)
	if third.Type != "error" {
		t.Fatalf("third = %+v, want audio-failure diagnostic", third)
	}
}

func TestAnswerFailureKeepsSessionAlive(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{err: errors.New("index down")}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "q one", SpeechFinal: true})

	if m := h.readMessage(t); m.Role != "user" {
		t.Fatalf("first = %+v", m)
	}
	if m := h.readMessage(t); m.Type != "error" {
		t.Fatalf("second = %+v, want error in place of answer", m)
	}

	// Session is still alive: a later utterance starts a new run.
	ans.mu.Lock()
	ans.err = nil
	ans.mu.Unlock()
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "q two", SpeechFinal: true})
	if m := h.readMessage(t); m.Role != "user" || m.Content != "q two" {
		t.Fatalf("after recoverable error, got %+v", m)
	}
}

func TestProviderErrorIsDiagnosticOnly(t *testing.T) {
	stream := newFakeStream()
	ans := &fakeAnswerer{}
	h := startSession(t, defaultDeps(stream, ans, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	stream.emit(stt.Event{Type: stt.EventError, Err: errors.New("transient")})

	if m := h.readMessage(t); m.Type != "error" {
		t.Fatalf("got %+v, want diagnostic", m)
	}
	// Still alive afterwards.
	stream.emit(stt.Event{Type: stt.EventFinal, Text: "still here", SpeechFinal: true})
	if m := h.readMessage(t); m.Role != "user" {
		t.Fatalf("got %+v, want session to keep serving", m)
	}
}

func TestAudioFramesDroppedUntilStreamOpen(t *testing.T) {
	stream := newFakeStream()
	h := startSession(t, defaultDeps(stream, &fakeAnswerer{}, &fakeSynth{id: "x.wav"}), Config{})

	// No EventOpen yet: frames are silently dropped.
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := stream.audioCount(); n != 0 {
		t.Fatalf("forwarded %d frames before open", n)
	}

	stream.emit(stt.Event{Type: stt.EventOpen})
	time.Sleep(50 * time.Millisecond)
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte{2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for stream.audioCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := stream.audioCount(); n != 1 {
		t.Fatalf("forwarded %d frames after open, want 1", n)
	}
}

func TestOpenFailureTearsDownWithDiagnostic(t *testing.T) {
	deps := Dependencies{
		STT:         &fakeOpener{openErr: errors.New("dial failed")},
		Answerer:    &fakeAnswerer{},
		Synthesizer: &fakeSynth{id: "x.wav"},
	}
	h := startSession(t, deps, Config{})

	_ = h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		t.Fatalf("expected one diagnostic before close, got %v", err)
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != "error" {
		t.Fatalf("got %+v, want error", m)
	}

	select {
	case err := <-h.runErr:
		if err == nil {
			t.Error("Run should return the open error")
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after open failure")
	}
}

func TestNotifyBeforeRunIsDelivered(t *testing.T) {
	stream := newFakeStream()
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess := New(conn, defaultDeps(stream, &fakeAnswerer{}, &fakeSynth{id: "x.wav"}), Config{})
		// The tracker may notify between registration and Run during a
		// drain; the message must not be lost or panic.
		if err := sess.NotifyShutdown("server is shutting down"); err != nil {
			t.Errorf("NotifyShutdown before Run: %v", err)
		}
		runErr <- sess.Run(context.Background())
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if m.Type != "error" || m.Content != "server is shutting down" {
		t.Fatalf("first message = %+v, want queued shutdown notice", m)
	}
}

func TestCancelBeforeRunTearsDown(t *testing.T) {
	stream := newFakeStream()
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess := New(conn, defaultDeps(stream, &fakeAnswerer{}, &fakeSynth{id: "x.wav"}), Config{})
		sess.Cancel()
		runErr <- sess.Run(context.Background())
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case err := <-runErr:
		if !IsCancellation(err) {
			t.Errorf("Run returned %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after pre-Run Cancel")
	}
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	stream := newFakeStream()
	h := startSession(t, defaultDeps(stream, &fakeAnswerer{}, &fakeSynth{id: "x.wav"}), Config{})

	stream.emit(stt.Event{Type: stt.EventOpen})
	time.Sleep(20 * time.Millisecond)
	h.client.Close()

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v on disconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if !closed {
		t.Error("provider stream not closed on disconnect")
	}
}
