// Package server wires the HTTP surface: health probes, the question
// endpoint, artifact serving, and the live voice WebSocket.
package server

import (
	"log/slog"
	"net/http"

	"github.com/askdesk/askdesk/pkg/gateway/config"
	"github.com/askdesk/askdesk/pkg/gateway/handlers"
	"github.com/askdesk/askdesk/pkg/gateway/mw"
)

// Deps are the services the routes depend on. Injected so tests can run
// the full router against fakes.
type Deps struct {
	Answerer  handlers.AnswerService
	Artifacts handlers.ArtifactOpener
	WS        handlers.WSDeps
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	deps   Deps
	mux    *http.ServeMux
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.Health())
	s.mux.Handle("GET /readyz", handlers.Ready(s.deps.WS.Lifecycle))
	s.mux.Handle("POST /rag", handlers.RAG(s.logger, s.deps.Answerer))
	s.mux.Handle("GET /audio/{id}", handlers.Audio(s.logger, s.deps.Artifacts))
	s.mux.Handle("GET /ws", handlers.WS(s.deps.WS))
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
