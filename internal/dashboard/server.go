// Package dashboard serves a read-only HTTP view over persisted experiments:
// a JSON API mirroring internal/api, rendered reports and a websocket feed
// that pushes the experiment list whenever it changes.
package dashboard

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalnine/orruns/internal/api"
	"github.com/signalnine/orruns/internal/logging"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPort = 8050

//go:embed index.html
var indexHTML string

type Server struct {
	api      *api.API
	logger   *zap.Logger
	poll     time.Duration
	upgrader websocket.Upgrader
	md       goldmark.Markdown
	pages    *template.Template
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPollInterval sets how often websocket clients are checked for changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.poll = d }
}

func New(a *api.API, opts ...Option) *Server {
	s := &Server{
		api:  a,
		poll: 2 * time.Second,
		md:   goldmark.New(goldmark.WithExtensions(extension.Table)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poll <= 0 {
		s.poll = 2 * time.Second
	}
	s.logger = logging.OrNop(s.logger)
	s.pages = template.Must(template.New("index").Parse(indexHTML))
	return s
}

// Handler returns the dashboard routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/experiments", s.handleExperiments)
	mux.HandleFunc("GET /api/experiments/{name}", s.handleExperiment)
	mux.HandleFunc("GET /api/experiments/{name}/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/experiments/{name}/runs/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("GET /api/experiments/{name}/runs/{id}/artifacts/{kind}/{file}", s.handleArtifact)
	mux.HandleFunc("GET /api/experiments/{name}/merged/{merge}", s.handleMerged)
	mux.HandleFunc("GET /api/experiments/{name}/report", s.handleReport)
	mux.HandleFunc("GET /api/query", s.handleQuery)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dashboard listening", zap.String("url", "http://"+ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving dashboard: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down dashboard: %w", err)
		}
		s.logger.Info("dashboard stopped")
		return nil
	})
	return g.Wait()
}
