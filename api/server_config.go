package api

import (
	"log/slog"
	"time"
)

// DefaultListenAddr is the address devices expect a hosted relay on.
const DefaultListenAddr = "0.0.0.0:18080"

// MaxRequestBodySize caps every request body accepted by the relay.
const MaxRequestBodySize = 1 << 20

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	// Port 0 picks a free port; the bound address is reported by the server.
	ListenAddr string

	// EnablePprof enables the pprof debugging API when true.
	EnablePprof bool

	// CORSAllowedOrigins lists origins allowed to call the relay from a browser.
	// Empty disables CORS handling.
	CORSAllowedOrigins []string

	// Log is the structured logger for server operations.
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
