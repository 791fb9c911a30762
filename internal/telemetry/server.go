package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// HealthFunc reports per-dependency health; a nil error means healthy.
type HealthFunc func(ctx context.Context) map[string]error

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// ServerOptions configure the telemetry endpoint.
type ServerOptions struct {
	Listen        string
	MetricsPath   string
	HealthTimeout time.Duration
}

// Server exposes metrics and health over HTTP.
type Server struct {
	opts    ServerOptions
	metrics *Metrics
	health  HealthFunc
	logger  zerolog.Logger
}

// NewServer builds a Server. health may be nil.
func NewServer(opts ServerOptions, metrics *Metrics, health HealthFunc, logger zerolog.Logger) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 10 * time.Second
	}
	return &Server{
		opts:    opts,
		metrics: metrics,
		health:  health,
		logger:  logger.With().Str("component", "telemetry").Logger(),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle(s.opts.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
		defer cancel()

		checks := s.health(ctx)
		resp.Checks = make(map[string]string, len(checks))
		healthy := 0
		for name, err := range checks {
			if err != nil {
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
			healthy++
		}
		switch {
		case len(checks) > 0 && healthy == 0:
			resp.Status = "down"
			code = http.StatusServiceUnavailable
		case healthy < len(checks):
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("encode health response")
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("telemetry server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
