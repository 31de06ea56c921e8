package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tss-session-relay/api"
	"github.com/ruteri/tss-session-relay/common"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlagName),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the relay HTTP server config from the server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		CORSAllowedOrigins:       cCtx.StringSlice(CORSOriginsFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

const LogServiceFlagName = "log-service"

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"RELAY_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"RELAY_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: []string{"RELAY_LOG_UID"},
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    LogServiceFlagName,
		Value:   service,
		Usage:   "add 'service' tag to logs",
		EnvVars: []string{"RELAY_LOG_SERVICE"},
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   api.DefaultListenAddr,
	Usage:   "address to listen on for the relay API",
	EnvVars: []string{"RELAY_LISTEN_ADDR"},
}
var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	Usage:   "enable pprof debug endpoint",
	EnvVars: []string{"RELAY_PPROF"},
}
var CORSOriginsFlag = &cli.StringSliceFlag{
	Name:    "cors-origin",
	Usage:   "allow browser requests from this origin (repeatable)",
	EnvVars: []string{"RELAY_CORS_ORIGINS"},
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   0,
	Usage:   "seconds to wait in drain HTTP request",
	EnvVars: []string{"RELAY_DRAIN_SECONDS"},
}

var RelayURLFlag = &cli.StringFlag{
	Name:    "relay-url",
	Value:   "http://127.0.0.1:18080",
	Usage:   "base URL of the relay",
	EnvVars: []string{"RELAY_URL"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	CORSOriginsFlag,
	DrainSecondsFlag,
}
