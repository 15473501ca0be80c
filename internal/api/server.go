package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"backline/internal/config"
	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/export"
	"backline/internal/logging"
	"backline/internal/metrics"
	"backline/internal/progress"

	"github.com/rs/zerolog"
)

// HTTPServer exposes the enqueue and progress surface of the pipeline.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	reporter *progress.Reporter
	exporter *export.Exporter
	bus      *events.Bus
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(
	cfg config.APIConfig,
	db *database.DB,
	reporter *progress.Reporter,
	exporter *export.Exporter,
	bus *events.Bus,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		reporter: reporter,
		exporter: exporter,
		bus:      bus,
		logger:   logging.ForComponent(logger, "http"),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", srv.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", srv.handleJob)
	mux.HandleFunc("/api/v1/sync", srv.handleSyncEnqueue)
	mux.HandleFunc("/api/v1/sync/dead", srv.handleDeadLetters)
	mux.HandleFunc("/healthz", srv.handleHealth)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// SSE streams outlive WriteTimeout, so it stays unset; handlers
		// respect request contexts instead.
	}

	return srv
}

// Handler returns the configured root handler, used by tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		metrics.IncHTTP(r.URL.Path)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", dur).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the recorder transparent for SSE streaming.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
