package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/ruteri/tss-session-relay/api"
	"go.uber.org/atomic"
)

// ErrAlreadyStarted is returned when RunInBackground is called twice.
var ErrAlreadyStarted = errors.New("server already started")

// RouteRegistrar is implemented by handlers that mount their routes on the server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

func New(cfg *api.HTTPServerConfig, handlers ...RouteRegistrar) (*Server, error) {
	if cfg.Log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = api.DefaultListenAddr
	}

	srv := &Server{
		cfg: cfg,
		log: cfg.Log,
	}

	srv.srv = &http.Server{
		Handler:      srv.getRouter(handlers),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter(handlers []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	for _, h := range handlers {
		h.RegisterRoutes(mux)
	}

	if len(srv.cfg.CORSAllowedOrigins) == 0 {
		return mux
	}

	return cors.New(cors.Options{
		AllowedOrigins: srv.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", api.MessageIDHeader, api.MessageID2Header},
	}).Handler(mux)
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground binds the listen address and serves requests in a goroutine.
// Bind errors are returned synchronously, so a nil error means the relay is
// reachable at Addr().
func (srv *Server) RunInBackground() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", srv.cfg.ListenAddr, err)
	}
	srv.listener = ln
	srv.done = make(chan struct{})
	srv.isReady.Store(true)

	go func(done chan struct{}) {
		defer close(done)
		srv.log.Info("Starting HTTP server", "listenAddress", ln.Addr().String())
		if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}(srv.done)

	return nil
}

// Addr returns the bound address, or the configured one before the server is started.
func (srv *Server) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.listener != nil {
		return srv.listener.Addr().String()
	}
	return srv.cfg.ListenAddr
}

// Shutdown marks the server not ready, waits for the drain period and stops
// accepting requests, letting in-flight ones finish until ctx expires.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.isReady.Store(false)

	if srv.cfg.DrainDuration > 0 {
		select {
		case <-time.After(srv.cfg.DrainDuration):
		case <-ctx.Done():
		}
	}

	if srv.cfg.GracefulShutdownDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, srv.cfg.GracefulShutdownDuration)
		defer cancel()
	}

	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
		return err
	}

	srv.mu.Lock()
	done := srv.done
	srv.mu.Unlock()
	if done != nil {
		<-done
	}

	srv.log.Info("HTTP server gracefully stopped")
	return nil
}

// Close stops the server immediately, dropping in-flight requests.
func (srv *Server) Close() error {
	srv.isReady.Store(false)
	return srv.srv.Close()
}
