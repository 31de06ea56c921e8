/*
Package httpserver wraps net/http with the plumbing every relay process needs.

It provides:

  - a chi router with request logging on every route
  - optional CORS handling for browser based companions
  - health endpoints: GET /livez, /readyz, /drain, /undrain
  - pprof under /debug when enabled
  - synchronous bind with background serving, graceful shutdown and hard close

Route handlers are mounted through RouteRegistrar. The relay surface itself is
implemented by relayhandler.Handler.

# Example Usage

	cfg := &api.HTTPServerConfig{
		ListenAddr:               api.DefaultListenAddr,
		Log:                      logger,
		GracefulShutdownDuration: 5 * time.Second,
	}

	server, err := httpserver.New(cfg, relayhandler.NewHandler(relay.NewStore(), logger))
	if err != nil {
		return err
	}
	if err := server.RunInBackground(); err != nil {
		return err
	}
	defer server.Shutdown(context.Background())
*/
package httpserver
