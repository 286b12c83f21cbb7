package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/askdesk/askdesk/pkg/core"
	"github.com/askdesk/askdesk/pkg/core/voice/stt"
	"github.com/askdesk/askdesk/pkg/gateway/lifecycle"
	"github.com/askdesk/askdesk/pkg/gateway/live/session"
	"github.com/askdesk/askdesk/pkg/gateway/live/sessions"
	"github.com/askdesk/askdesk/pkg/gateway/mw"
)

// WSDeps wires the live voice endpoint.
type WSDeps struct {
	Logger        *slog.Logger
	Lifecycle     *lifecycle.Lifecycle
	Tracker       *sessions.Tracker
	STT           stt.Opener
	Answerer      session.Answerer
	Synthesizer   session.Synthesizer
	SessionConfig session.Config
}

// WS upgrades the connection and runs one live voice session on it until
// disconnect, stop phrase, or shutdown.
func WS(deps WSDeps) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Cross-origin browser clients are expected; same policy as the
		// HTTP surface default.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Lifecycle.IsDraining() {
			mw.WriteJSONError(w, http.StatusServiceUnavailable,
				core.NewInvalidRequestError("server is draining"))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			deps.Logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		sess := session.New(conn, session.Dependencies{
			STT:         deps.STT,
			Answerer:    deps.Answerer,
			Synthesizer: deps.Synthesizer,
			Logger:      deps.Logger,
		}, deps.SessionConfig)

		unregister := deps.Tracker.Register(sess.ID(), sessions.Handle{
			Cancel: sess.Cancel,
			Notify: sess.NotifyShutdown,
		})
		defer unregister()

		reqID, _ := mw.RequestIDFrom(r.Context())
		deps.Logger.Info("live session started", "session_id", sess.ID(), "request_id", reqID)

		// The socket is hijacked; the session outlives the request context
		// and is torn down by disconnect, stop phrase, or tracker cancel.
		if err := sess.Run(context.Background()); err != nil && !session.IsCancellation(err) {
			deps.Logger.Warn("live session ended with error", "session_id", sess.ID(), "error", err)
			return
		}
		deps.Logger.Info("live session ended", "session_id", sess.ID())
	})
}
