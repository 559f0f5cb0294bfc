// Package server exposes the daemon's ops endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/model"
)

const (
	defaultEventTail = 100
	shutdownTimeout  = 30 * time.Second
)

// RecordSource lists the tracked records.
type RecordSource interface {
	GetAll() []model.Record
}

// Deps are the collaborators the handlers read from. Events may be nil.
type Deps struct {
	Records  RecordSource
	Events   *events.Ring[events.Event]
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

// New builds a server listening on addr.
func New(addr string, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(deps),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: deps.Logger,
	}
}

// NewRouter wires the routes. Split out so tests can drive it with httptest.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", eventsHandler(deps.Events))
	r.Get("/records", recordsHandler(deps.Records))
	return r
}

func eventsHandler(ring *events.Ring[events.Event]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultEventTail
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
				return
			}
			n = parsed
		}
		out := []events.Event{}
		if ring != nil {
			if last := ring.Last(n); last != nil {
				out = last
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// recordsHandler accepts ?status= with either the stored value or the label.
func recordsHandler(src RecordSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not ready"})
			return
		}
		records := src.GetAll()
		if v := r.URL.Query().Get("status"); v != "" {
			status, err := model.ParseStatus(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			kept := records[:0]
			for _, rec := range records {
				if rec.Status == status {
					kept = append(kept, rec)
				}
			}
			records = kept
		}
		if records == nil {
			records = []model.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Info("ops server listening", "addr", s.httpServer.Addr)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("ops server stopped")
	}
	return nil
}
