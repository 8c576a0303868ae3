// Package api exposes controller status and manual operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sceneswitch/internal/ledger"
	"github.com/dokzlo13/sceneswitch/internal/scene"
)

// ErrUnknownController is returned by Controllers for a name that is not configured.
var ErrUnknownController = errors.New("unknown controller")

// Controllers is the controller registry the API operates on.
type Controllers interface {
	List(ctx context.Context) ([]scene.Status, error)
	Status(ctx context.Context, name string) (scene.Status, error)
	Resync(ctx context.Context, name string) error
	Activate(ctx context.Context, name string, index int) error
	History(name string, limit int) ([]*ledger.Entry, error)
	Activity(kind scene.ActivityKind, limit int) ([]*ledger.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	addr        string
	controllers Controllers
	ready       atomic.Bool
	httpServer  *http.Server
}

// NewServer creates a new API server.
func NewServer(host string, port int, controllers Controllers) *Server {
	return &Server{
		addr:        fmt.Sprintf("%s:%d", host, port),
		controllers: controllers,
	}
}

// SetReady flips the /ready endpoint to 200.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Get("/activity", s.handleActivity)

	r.Route("/controllers", func(r chi.Router) {
		r.Get("/", s.handleListControllers)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetController)
			r.Post("/resync", s.handleResync)
			r.Get("/history", s.handleHistory)
			r.Post("/scenes/{index}", s.handleActivate)
		})
	})

	return r
}

// requestLogger logs each request once it has been served.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
