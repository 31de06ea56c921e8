package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tss-session-relay/cmd/flags"
	"github.com/ruteri/tss-session-relay/relay"
	"github.com/ruteri/tss-session-relay/session"
	"github.com/urfave/cli/v2"
)

var hostCommand = &cli.Command{
	Name:  "host",
	Usage: "host the relay for a session on this device until interrupted",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "session-name", Required: true, Usage: "name of the session the relay is hosted for"},
		&cli.DurationFlag{Name: "janitor-interval", Value: relay.DefaultJanitorInterval, Usage: "how often idle sessions are pruned"},
		&cli.DurationFlag{Name: "session-max-idle", Value: relay.DefaultMaxIdle, Usage: "drop sessions without activity for this long"},
	}, flags.ServerFlags...),
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		manager := session.NewManager(session.Config{
			Server: *flags.ConfigureServer(cCtx, logger),
			Log:    logger,
		})

		janitor := relay.NewJanitor(manager.Store(), cCtx.Duration("janitor-interval"), cCtx.Duration("session-max-idle"), logger)
		if err := janitor.Start(); err != nil {
			return err
		}
		defer janitor.Stop()

		ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return hostSession(ctx, manager, cCtx.String("session-name"), os.Stdout)
	},
}

// hostSession starts the relay for name, prints where it listens and keeps it up
// until ctx is done.
func hostSession(ctx context.Context, manager *session.Manager, name string, out io.Writer) error {
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	if err := manager.Start(name); err != nil {
		return err
	}

	select {
	case ev := <-events:
		fmt.Fprintf(out, "session=%s\naddr=%s\n", ev.SessionName, ev.Addr)
	case <-ctx.Done():
		return errors.Join(ctx.Err(), manager.Stop())
	}

	<-ctx.Done()
	return manager.Stop()
}
