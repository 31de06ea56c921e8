package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tss-session-relay/api/relayhandler"
	"github.com/ruteri/tss-session-relay/cmd/flags"
	"github.com/ruteri/tss-session-relay/httpserver"
	"github.com/ruteri/tss-session-relay/relay"
	"github.com/urfave/cli/v2"
)

var janitorIntervalFlag = &cli.DurationFlag{
	Name:    "janitor-interval",
	Value:   relay.DefaultJanitorInterval,
	Usage:   "how often idle sessions are pruned",
	EnvVars: []string{"RELAY_JANITOR_INTERVAL"},
}

var sessionMaxIdleFlag = &cli.DurationFlag{
	Name:    "session-max-idle",
	Value:   relay.DefaultMaxIdle,
	Usage:   "drop sessions without activity for this long",
	EnvVars: []string{"RELAY_SESSION_MAX_IDLE"},
}

func main() {
	appFlags := append([]cli.Flag{}, flags.LogFlags...)
	appFlags = append(appFlags, flags.LogServiceFlagFn("tss-relay"))
	appFlags = append(appFlags, flags.ServerFlags...)
	appFlags = append(appFlags, janitorIntervalFlag, sessionMaxIdleFlag)

	app := &cli.App{
		Name:  "relay",
		Usage: "Serve the TSS message relay for devices of a signing committee",
		Flags: appFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger)

			store := relay.NewStore()
			handler := relayhandler.NewHandler(store, logger)

			srv, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			janitor := relay.NewJanitor(store, cCtx.Duration(janitorIntervalFlag.Name), cCtx.Duration(sessionMaxIdleFlag.Name), logger)
			if err := janitor.Start(); err != nil {
				logger.Error("Failed to start janitor", "err", err)
				return err
			}
			defer janitor.Stop()

			if err := srv.RunInBackground(); err != nil {
				logger.Error("Failed to start relay", "err", err)
				return err
			}
			logger.Info("Relay listening", "addr", srv.Addr())

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit

			ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainDuration+cfg.GracefulShutdownDuration+5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("Graceful shutdown failed", "err", err)
				return err
			}

			logger.Info("Relay stopped")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
