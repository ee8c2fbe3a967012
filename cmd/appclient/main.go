// Package main implements the VettID app client CLI, a development stand-in
// for the mobile app's vault communication layer. It speaks the same
// protocol the app does: transaction-key-enveloped PIN operations,
// correlated request/response over the owner space subjects, and the
// device recovery exchange.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/appclient/store"
	"github.com/mesmerverse/vettid-dev/appclient/transport"
	"github.com/mesmerverse/vettid-dev/appclient/vault"
)

// Version is set at build time
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: appclient [flags] <command> [args]

Commands:
  pin-setup            Set the vault PIN during enrollment
  pin-unlock           Unlock the vault credential with the PIN
  pin-change           Change the vault PIN
  feed-sync [seq]      Fetch feed events newer than seq
  recover <code-file>  Claim fresh device credentials with a recovery code
  keys                 Show the transaction key pool size

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "appclient.yaml", "Path to configuration file")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	ownerSpace := flag.String("owner-space", "", "Owner space GUID (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !*debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *ownerSpace != "" {
		cfg.Vault.OwnerSpace = *ownerSpace
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, command, flag.Args()[1:]); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

func run(ctx context.Context, cfg *Config, command string, args []string) error {
	// Recovery uses its own throwaway session from the scanned code, so it
	// is handled before the primary session is established.
	if command == "recover" {
		return runRecover(ctx, cfg, args)
	}

	client, cleanup, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	switch command {
	case "pin-setup":
		pin, err := promptPIN("New PIN: ")
		if err != nil {
			return err
		}
		result, err := client.SetupPIN(ctx, pin)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "pin-unlock":
		pin, err := promptPIN("PIN: ")
		if err != nil {
			return err
		}
		result, err := client.UnlockWithPIN(ctx, pin)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "pin-change":
		oldPIN, err := promptPIN("Current PIN: ")
		if err != nil {
			return err
		}
		newPIN, err := promptPIN("New PIN: ")
		if err != nil {
			return err
		}
		result, err := client.ChangePIN(ctx, oldPIN, newPIN)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "feed-sync":
		var lastSeq int64
		if len(args) > 0 {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence %q: %w", args[0], err)
			}
			lastSeq = seq
		}
		result, err := client.SyncFeed(ctx, lastSeq)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "keys":
		fmt.Println(client.KeyCount())
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// newClient establishes the primary session, opens the encrypted store,
// and builds the vault client. The returned cleanup tears all three down.
func newClient(cfg *Config) (*vault.Client, func(), error) {
	vaultCfg, err := cfg.Vault.clientConfig()
	if err != nil {
		return nil, nil, err
	}

	deviceKey, err := cfg.Store.loadDeviceKey()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Store.Path, deviceKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	session, err := transport.Connect(cfg.NATS)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	client, err := vault.New(session, st, vaultCfg)
	if err != nil {
		session.Close()
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		session.Close()
		st.Close()
	}
	return client, cleanup, nil
}

func runRecover(ctx context.Context, cfg *Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("recover requires a recovery code file")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read recovery code: %w", err)
	}
	code, err := vault.ParseRecoveryCode(raw)
	if err != nil {
		return err
	}

	vaultCfg, err := cfg.Vault.clientConfig()
	if err != nil {
		return err
	}

	creds, err := vault.RecoverDevice(ctx, code, cfg.Device.ID, cfg.Device.Type, vaultCfg.RequestTimeout)
	if err != nil {
		return err
	}
	return printJSON(creds)
}

func promptPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read PIN: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
