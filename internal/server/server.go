// Package server implements the HTTP API of serve mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/schaermu/housekeeper/internal/housekeeper"
	"github.com/schaermu/housekeeper/internal/journal"
	"github.com/schaermu/housekeeper/internal/scheduler"
)

const requestIDHeader = "X-Request-ID"

// Operations is what the server triggers and reports on
type Operations interface {
	Status(ctx context.Context) (*housekeeper.Status, error)
	Cleanup(ctx context.Context) (*housekeeper.CleanupResult, error)
	Prune(ctx context.Context) (*housekeeper.PruneResult, error)
	History(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Options configures a Server. Metrics and Schedule are optional.
type Options struct {
	Ops      Operations
	Metrics  http.Handler
	Schedule func() []scheduler.NextRun
	Logger   *slog.Logger
}

// Server serves status and triggers operations in the background
type Server struct {
	opts    Options
	logger  *slog.Logger
	cleanup *singleFlight
	prune   *singleFlight
	wg      sync.WaitGroup
	base    context.Context
}

// New creates a server
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "server")

	s := &Server{opts: opts, logger: logger, base: context.Background()}
	s.cleanup = &singleFlight{name: journal.OpCleanup, logger: logger, run: func(ctx context.Context) error {
		_, err := opts.Ops.Cleanup(ctx)
		return err
	}}
	s.prune = &singleFlight{name: journal.OpPrune, logger: logger, run: func(ctx context.Context) error {
		_, err := opts.Ops.Prune(ctx)
		return err
	}}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.Post("/run", s.handleTrigger(s.cleanup))
	r.Post("/prune", s.handleTrigger(s.prune))

	return r
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully and
// waits for triggered operations to finish
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.base = ctx

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		s.wg.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	*housekeeper.Status
	Schedule []scheduler.NextRun `json:"schedule,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Ops.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{Status: status}
	if s.opts.Schedule != nil {
		resp.Schedule = s.opts.Schedule()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := s.opts.Ops.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTrigger(sf *singleFlight) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state := sf.trigger(s.base, &s.wg)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"operation": sf.name,
			"state":     state,
		})
	}
}

// logRequests logs every request with a request id
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// singleFlight runs an operation in the background. While it runs, at most
// one additional run is queued; further triggers are folded into that one.
type singleFlight struct {
	name    string
	logger  *slog.Logger
	run     func(ctx context.Context) error
	mu      sync.Mutex // guards running and pending
	running bool
	pending bool
}

// trigger starts or queues a run and reports which of the two happened
func (sf *singleFlight) trigger(ctx context.Context, wg *sync.WaitGroup) string {
	sf.mu.Lock()
	if sf.running {
		sf.pending = true
		sf.mu.Unlock()
		sf.logger.Info("operation already in progress, queuing pending re-run", "operation", sf.name)
		return "queued"
	}
	sf.running = true
	sf.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sf.loop(ctx)
	}()
	return "started"
}

func (sf *singleFlight) loop(ctx context.Context) {
	for {
		if err := sf.run(ctx); err != nil {
			sf.logger.Error("triggered operation failed", "operation", sf.name, "error", err)
		} else {
			sf.logger.Info("triggered operation completed", "operation", sf.name)
		}

		sf.mu.Lock()
		if !sf.pending || ctx.Err() != nil {
			sf.running = false
			sf.pending = false
			sf.mu.Unlock()
			return
		}
		sf.pending = false
		sf.mu.Unlock()

		sf.logger.Info("re-running operation due to pending request", "operation", sf.name)
	}
}
