// Package server exposes the dispatcher as a Gemini API compatible HTTP
// endpoint together with health, status and metrics routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/metrics"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/dispatch"
	"github.com/j-veylop/antigravity-dispatch/internal/version"
)

const (
	maxRequestBody  = 32 << 20
	copyBufferSize  = 32 << 10
	shutdownTimeout = 10 * time.Second
)

// Dispatcher sends one generation request through the account pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*http.Response, error)
}

// StatusSource reports the pool and cache state for /status.
type StatusSource interface {
	Snapshot() []models.AccountStatus
	CacheStats() models.CacheStats
}

// Status is the /status response body.
type Status struct {
	Accounts []models.AccountStatus `json:"accounts"`
	Cache    models.CacheStats      `json:"cache"`
	Cooling  int                    `json:"cooling"`
}

// Server serves the proxy routes.
type Server struct {
	dispatcher Dispatcher
	status     StatusSource
	metrics    *metrics.Metrics
	router     chi.Router
}

// New creates a server. metrics may be nil.
func New(d Dispatcher, status StatusSource, mt *metrics.Metrics) *Server {
	s := &Server{
		dispatcher: d,
		status:     status,
		metrics:    mt,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Server", version.UserAgent()))
	r.Use(accessLog)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Post("/v1beta/models/*", s.handleGenerate)
	r.Post("/v1/models/*", s.handleGenerate)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Get("/status", s.handleStatus)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    version.Name,
			"version": version.GetVersion(),
			"commit":  version.GetCommit(),
			"date":    version.GetDate(),
		})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	model, action, err := dispatch.ParseModelAction(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{Model: model, Action: action, Body: body})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug("failed to close upstream body", "error", err)
		}
	}()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := streamBody(w, resp.Body); err != nil && r.Context().Err() == nil {
		logger.Warn("response copy interrupted", "model", model, "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	accounts := s.status.Snapshot()
	if accounts == nil {
		accounts = []models.AccountStatus{}
	}
	st := Status{
		Accounts: accounts,
		Cache:    s.status.CacheStats(),
	}
	for _, acc := range accounts {
		if len(acc.Cooldowns) > 0 {
			st.Cooling++
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// streamBody copies src to w, flushing after every read so SSE events reach
// the client as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
