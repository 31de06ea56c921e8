package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tss-session-relay/api/relayhandler"
	"github.com/ruteri/tss-session-relay/cmd/flags"
	"github.com/ruteri/tss-session-relay/cryptoutils"
	"github.com/ruteri/tss-session-relay/interfaces"
	"github.com/ruteri/tss-session-relay/keyshare"
	"github.com/ruteri/tss-session-relay/storage"
	"github.com/ruteri/tss-session-relay/transport"
	"github.com/urfave/cli/v2"
)

var (
	sessionFlag = &cli.StringFlag{
		Name:     "session",
		Usage:    "session id",
		Required: true,
		EnvVars:  []string{"RELAY_SESSION"},
	}
	keyFlag = &cli.StringFlag{
		Name:     "key",
		Usage:    "hex encoded 32-byte session key",
		Required: true,
		EnvVars:  []string{"RELAY_SESSION_KEY"},
	}
	messageIDFlag = &cli.StringFlag{
		Name:  "message-id",
		Usage: "keysign message id namespacing the mailbox",
	}
	partyFlag = &cli.StringFlag{
		Name:     "party",
		Usage:    "local party id",
		Required: true,
	}
	storageFlag = &cli.StringSliceFlag{
		Name:     "storage",
		Usage:    "vault storage location URI (repeatable): file://, s3://, vault://, ipfs://",
		Required: true,
		EnvVars:  []string{"RELAY_VAULT_STORAGE"},
	}
	passphraseFlag = &cli.StringFlag{
		Name:     "passphrase",
		Usage:    "vault backup passphrase",
		Required: true,
		EnvVars:  []string{"RELAY_VAULT_PASSPHRASE"},
	}
	vaultIDFlag = &cli.StringFlag{
		Name:     "vault",
		Usage:    "vault id (ECDSA public key)",
		Required: true,
	}
)

func main() {
	globalFlags := append([]cli.Flag{}, flags.LogFlags...)
	globalFlags = append(globalFlags, flags.LogServiceFlagFn("relayctl"), flags.RelayURLFlag)

	app := &cli.App{
		Name:  "relayctl",
		Usage: "Inspect and drive TSS relay sessions",
		Flags: globalFlags,
		Commands: []*cli.Command{
			newSessionCommand,
			sendCommand,
			recvCommand,
			joinCommand,
			participantsCommand,
			startCommand,
			hostCommand,
			vaultCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func relayClient(cCtx *cli.Context) *relayhandler.Client {
	return relayhandler.NewClient(cCtx.String(flags.RelayURLFlag.Name), nil)
}

func sessionKey(cCtx *cli.Context) (cryptoutils.SessionKey, error) {
	return cryptoutils.ParseSessionKey(cCtx.String(keyFlag.Name))
}

var newSessionCommand = &cli.Command{
	Name:  "new-session",
	Usage: "print a fresh session id and session key",
	Action: func(cCtx *cli.Context) error {
		key, err := cryptoutils.NewSessionKey()
		if err != nil {
			return err
		}
		fmt.Printf("session=%s\nkey=%s\n", uuid.NewString(), key.Hex())
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "encrypt and post one message, body taken from the argument or stdin",
	ArgsUsage: "[body]",
	Flags: []cli.Flag{
		sessionFlag, keyFlag, messageIDFlag,
		&cli.StringFlag{Name: "from", Required: true, Usage: "sender party id"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "recipient party id or comma separated list"},
		&cli.IntFlag{Name: "attempts", Value: transport.DefaultMaxAttempts, Usage: "post attempts before giving up"},
		&cli.DurationFlag{Name: "retry-delay", Value: 0, Usage: "initial exponential backoff between attempts"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		key, err := sessionKey(cCtx)
		if err != nil {
			return err
		}

		body := cCtx.Args().First()
		if body == "" {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			body = strings.TrimRight(string(raw), "\n")
		}

		cfg := transport.MessengerConfig{
			SessionID:   cCtx.String(sessionFlag.Name),
			MessageID:   cCtx.String(messageIDFlag.Name),
			Key:         key,
			Client:      relayClient(cCtx),
			MaxAttempts: cCtx.Int("attempts"),
			Context:     cCtx.Context,
			Log:         logger,
		}
		if delay := cCtx.Duration("retry-delay"); delay > 0 {
			cfg.NewBackOff = transport.ExponentialBackOff(delay)
		}

		messenger, err := transport.NewMessenger(cfg)
		if err != nil {
			return err
		}
		if err := messenger.SendToPeer(cCtx.String("from"), cCtx.String("to"), body); err != nil {
			return err
		}
		if stats := messenger.Stats(); stats.Failed > 0 {
			return errors.New("message was not delivered")
		}
		return nil
	},
}

var recvCommand = &cli.Command{
	Name:  "recv",
	Usage: "receive, verify and print messages for a party",
	Flags: []cli.Flag{
		sessionFlag, keyFlag, messageIDFlag, partyFlag,
		&cli.IntFlag{Name: "count", Value: 1, Usage: "stop after this many messages"},
		&cli.DurationFlag{Name: "timeout", Value: transport.DefaultPollTimeout, Usage: "give up after this long"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		key, err := sessionKey(cCtx)
		if err != nil {
			return err
		}

		poller, err := transport.NewPoller(transport.PollerConfig{
			SessionID:    cCtx.String(sessionFlag.Name),
			MessageID:    cCtx.String(messageIDFlag.Name),
			LocalPartyID: cCtx.String(partyFlag.Name),
			Key:          key,
			Client:       relayClient(cCtx),
			Timeout:      cCtx.Duration("timeout"),
			Log:          logger,
		})
		if err != nil {
			return err
		}

		want := cCtx.Int("count")
		received := 0
		return poller.Run(cCtx.Context, func(in transport.Inbound) (bool, error) {
			fmt.Printf("%s #%d: %s\n", in.From, in.SequenceNo, in.Body)
			received++
			return received >= want, nil
		})
	},
}

var joinCommand = &cli.Command{
	Name:  "join",
	Usage: "register a party as participant of a session",
	Flags: []cli.Flag{sessionFlag, partyFlag},
	Action: func(cCtx *cli.Context) error {
		return relayClient(cCtx).RegisterParticipants(cCtx.Context, cCtx.String(sessionFlag.Name), []string{cCtx.String(partyFlag.Name)})
	},
}

var participantsCommand = &cli.Command{
	Name:  "participants",
	Usage: "list participants, committee and completed parties of a session",
	Flags: []cli.Flag{sessionFlag},
	Action: func(cCtx *cli.Context) error {
		client := relayClient(cCtx)
		sessionID := cCtx.String(sessionFlag.Name)

		out := map[string][]string{}
		lookups := map[string]func(context.Context, string) ([]string, error){
			"participants": client.Participants,
			"committee":    client.Committee,
			"completed":    client.CompletedParties,
		}
		for name, lookup := range lookups {
			parties, err := lookup(cCtx.Context, sessionID)
			var statusErr *relayhandler.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", name, err)
			}
			out[name] = parties
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "start a session with the given committee once all parties joined",
	Flags: []cli.Flag{
		sessionFlag,
		&cli.StringSliceFlag{Name: "committee", Required: true, Usage: "committee party ids"},
		&cli.DurationFlag{Name: "wait", Value: 0, Usage: "wait up to this long for all committee members to join"},
	},
	Action: func(cCtx *cli.Context) error {
		client := relayClient(cCtx)
		sessionID := cCtx.String(sessionFlag.Name)
		committee := cCtx.StringSlice("committee")

		deadline := time.Now().Add(cCtx.Duration("wait"))
		for {
			joined, err := client.Participants(cCtx.Context, sessionID)
			if err == nil && containsAll(joined, committee) {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("committee incomplete, joined: %v", joined)
			}
			select {
			case <-cCtx.Context.Done():
				return cCtx.Context.Err()
			case <-time.After(time.Second):
			}
		}

		return client.StartWithCommittee(cCtx.Context, sessionID, committee)
	},
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, p := range want {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func openVaultStore(cCtx *cli.Context, logger *slog.Logger) (*storage.VaultStore, error) {
	var locations []interfaces.StorageBackendLocation
	for _, raw := range cCtx.StringSlice(storageFlag.Name) {
		loc, err := interfaces.NewStorageBackendLocation(raw)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, err
	}
	return storage.NewVaultStore(backend, cCtx.String(passphraseFlag.Name), logger)
}

var vaultCommand = &cli.Command{
	Name:  "vault",
	Usage: "inspect and update encrypted vault backups",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "decrypt a vault backup and print its metadata",
			Flags: []cli.Flag{storageFlag, passphraseFlag, vaultIDFlag},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				store, err := openVaultStore(cCtx, logger)
				if err != nil {
					return err
				}

				vault, err := store.Load(cCtx.Context, cCtx.String(vaultIDFlag.Name))
				if err != nil {
					return err
				}

				pubKeys := make([]string, 0, len(vault.Keyshares))
				for _, ks := range vault.Keyshares {
					pubKeys = append(pubKeys, ks.PubKey)
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"name":         vault.Name,
					"pubKeyECDSA":  vault.PubKeyECDSA,
					"pubKeyEdDSA":  vault.PubKeyEdDSA,
					"localPartyID": vault.LocalPartyID,
					"signers":      vault.Signers,
					"keyshares":    pubKeys,
				})
			},
		},
		{
			Name:  "add-share",
			Usage: "append a key share to a vault backup, creating the vault if missing",
			Flags: []cli.Flag{
				storageFlag, passphraseFlag, vaultIDFlag,
				&cli.StringFlag{Name: "pubkey", Required: true, Usage: "public key the share belongs to"},
				&cli.StringFlag{Name: "share", Required: true, Usage: "key share material"},
				&cli.StringFlag{Name: "name", Usage: "vault name for a new vault"},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)
				store, err := openVaultStore(cCtx, logger)
				if err != nil {
					return err
				}

				vaultID := cCtx.String(vaultIDFlag.Name)
				vault, err := store.Load(cCtx.Context, vaultID)
				if errors.Is(err, interfaces.ErrContentNotFound) {
					vault = &interfaces.Vault{Name: cCtx.String("name"), PubKeyECDSA: vaultID}
				} else if err != nil {
					return err
				}

				accessor := keyshare.NewAccessor(vault, keyshare.WithPersister(store), keyshare.WithLogger(logger))
				return accessor.SaveLocalState(cCtx.String("pubkey"), cCtx.String("share"))
			},
		},
	},
}
