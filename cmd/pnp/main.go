package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pnp-attest/pnp-go/environment"
	"github.com/pnp-attest/pnp-go/internal/privacylog"
	"github.com/pnp-attest/pnp-go/odis"
	"github.com/pnp-attest/pnp-go/signer"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `usage: pnp <command> [flags]

commands:
  lookup   resolve a phone number to its pepper and identifier
  attest   request, dispatch and complete attestations for a phone number
  serve    run a local signing service for development
  version  print version and exit
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "lookup":
		err = runLookup(ctx, args)
	case "attest":
		err = runAttest(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "version":
		fmt.Printf("pnp version=%s commit=%s\n", version, commit)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pnp %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// commonFlags are shared by the commands that talk to the network.
type commonFlags struct {
	configPath string
	logLevel   string
	keyHex     string
	signerURL  string
	account    string
	dekHex     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to pnp.yaml (optional)")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug | info | warn | error")
	fs.StringVar(&c.keyHex, "key", "", "Account private key in hex (or PNP_PRIVATE_KEY)")
	fs.StringVar(&c.signerURL, "signer-url", "", "JSON-RPC wallet holding -account, used instead of -key")
	fs.StringVar(&c.account, "account", "", "Account address for -signer-url")
	fs.StringVar(&c.dekHex, "dek", "", "Registered data encryption key in hex; authenticates lookups with it")
}

func (c *commonFlags) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(privacylog.WrapHandler(handler))
}

func (c *commonFlags) environment() (environment.Context, error) {
	return environment.Load(c.configPath)
}

// keySigner returns the account signer and a cleanup function.
func (c *commonFlags) keySigner(ctx context.Context) (signer.KeySigner, func(), error) {
	if c.signerURL != "" {
		if !common.IsHexAddress(c.account) {
			return nil, nil, errors.New("-signer-url requires a valid -account")
		}
		remote, err := signer.DialRemoteSigner(ctx, c.signerURL, common.HexToAddress(c.account))
		if err != nil {
			return nil, nil, err
		}
		return remote, remote.Close, nil
	}
	keyHex := c.keyHex
	if keyHex == "" {
		keyHex = os.Getenv("PNP_PRIVATE_KEY")
	}
	if keyHex == "" {
		return nil, nil, errors.New("no account key: set -key, PNP_PRIVATE_KEY or -signer-url")
	}
	s, err := signer.ParseRawKeySigner(keyHex)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

func (c *commonFlags) authorizer(account signer.KeySigner) (odis.Authorizer, error) {
	if c.dekHex == "" {
		return odis.NewWalletKeyAuthorizer(account), nil
	}
	dek, err := signer.ParseRawKeySigner(c.dekHex)
	if err != nil {
		return nil, fmt.Errorf("parse -dek: %w", err)
	}
	return odis.NewEncryptionKeyAuthorizer(dek), nil
}

func phoneArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.New("expected exactly one phone number argument")
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}
