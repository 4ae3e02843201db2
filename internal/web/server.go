// Package web provides the HTTP status page and operator API for the eol-tester daemon.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/sequencer"
	"github.com/sweeney/eol-tester/internal/status"
	"github.com/sweeney/eol-tester/internal/threshold"
)

// Operator is the fixture surface the server drives. *fixture.Fixture implements it.
type Operator interface {
	Status() status.Snapshot
	Subscribe(fn func(fixture.Event)) func()
	StartDetect() error
	CancelDetect() bool
	Session() (sequencer.Session, bool)
	Debugger() *sequencer.Debugger
	SetSlowDebug(on bool)
	QuickRead(ctx context.Context, dev logic.Device, ids []uint8, retry bool) ([]sequencer.QuickResult, error)
	CancelQuickRead() bool
	Thresholds() *threshold.Store
	Registry() *channel.Registry
}

// Server serves the status page and operator API over HTTP.
type Server struct {
	httpServer *http.Server
	op         Operator
	log        *logger.Logger
}

// New creates a Server backed by op.
func New(addr string, op Operator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{op: op, log: log}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/detect", s.handleDetect)
		r.Post("/detect/cancel", s.handleCancel)
		r.Get("/session", s.handleSession)

		r.Get("/debug", s.handleDebug)
		r.Put("/debug/mode", s.handleDebugMode)
		r.Post("/debug/{action}", s.handleDebugAction)

		r.Post("/quickread/cancel", s.handleQuickReadCancel)
		r.Post("/quickread/{device}", s.handleQuickRead)

		r.Route("/thresholds", func(r chi.Router) {
			r.Get("/", s.handleThresholds)
			r.Post("/reset", s.handleThresholdReset)
			r.Put("/power/{rail}", s.handlePower)
			r.Put("/tolerance/{kind}", s.handleTolerance)
			r.Put("/{device}/{state}", s.handleSetAll)
			r.Put("/{device}/{state}/{channel}", s.handleSetRange)
		})
	})
	return r
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.op.Status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Warnw("render status page", "err", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.op.Status()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
