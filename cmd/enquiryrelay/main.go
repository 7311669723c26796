package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/enquiryrelay/internal/config"
	"github.com/agentworkforce/enquiryrelay/internal/credential"
)

var openKeyring = credential.OpenKeyring

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "enquiryrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "login":
			return login(args[1:], stdin, stderr)
		case "logout":
			return logout(args[1:], stderr)
		}
	}
	return serve(args, stderr)
}

type overrides struct {
	apiURL      string
	socketURL   string
	token       string
	tokenFile   string
	consoleAddr string
	logLevel    string
}

func (o *overrides) register(fs *flag.FlagSet) {
	fs.StringVar(&o.apiURL, "api-url", "", "enquiry backend base URL")
	fs.StringVar(&o.socketURL, "socket-url", "", "push server websocket URL")
	fs.StringVar(&o.token, "token", "", "bearer token")
	fs.StringVar(&o.tokenFile, "token-file", "", "file holding the bearer token; watched for changes")
	fs.StringVar(&o.consoleAddr, "console-addr", "", "operator console listen address")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
}

// apply copies the flags that were set on the command line over cfg.
func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = o.apiURL
		case "socket-url":
			cfg.SocketURL = o.socketURL
		case "token-file":
			cfg.TokenFile = o.tokenFile
		case "console-addr":
			cfg.ConsoleAddr = o.consoleAddr
		case "log-level":
			cfg.LogLevel = o.logLevel
		}
	})
}

func serve(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("enquiryrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", "", "dotenv file to load before reading the environment")
	var flags overrides
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	flags.apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	var ring *credential.Keyring
	if r, err := openKeyring(cfg.KeyringDir); err != nil {
		logger.Warn("keyring unavailable", "error", err)
	} else {
		ring = r
	}
	resolved, err := credential.Resolve(credential.Sources{
		Flag:      flags.token,
		Env:       cfg.Token,
		TokenFile: cfg.TokenFile,
		Account:   cfg.KeyringAccount,
		Keyring:   ring,
	})
	if err != nil {
		return err
	}
	logger.Info("bearer token resolved", "source", string(resolved.Source))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	r, err := newRelay(cfg, logger)
	if err != nil {
		return err
	}
	return r.Run(ctx, resolved.Token)
}

func login(args []string, stdin io.Reader, stderr io.Writer) error {
	fs := flag.NewFlagSet("enquiryrelay login", flag.ContinueOnError)
	fs.SetOutput(stderr)
	account := fs.String("account", envOrDefault("ENQUIRYRELAY_KEYRING_ACCOUNT", "default"), "keyring account name")
	dir := fs.String("keyring-dir", strings.TrimSpace(os.Getenv("ENQUIRYRELAY_KEYRING_DIR")), "file keyring directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprint(stderr, "Paste bearer token: ")
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return credential.ErrNoToken
	}
	if err := credential.CheckExpiry(token, time.Now()); err != nil {
		return err
	}
	ring, err := openKeyring(*dir)
	if err != nil {
		return err
	}
	if err := ring.Set(*account, token); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "\nstored token for account %q\n", *account)
	return nil
}

func logout(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("enquiryrelay logout", flag.ContinueOnError)
	fs.SetOutput(stderr)
	account := fs.String("account", envOrDefault("ENQUIRYRELAY_KEYRING_ACCOUNT", "default"), "keyring account name")
	dir := fs.String("keyring-dir", strings.TrimSpace(os.Getenv("ENQUIRYRELAY_KEYRING_DIR")), "file keyring directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ring, err := openKeyring(*dir)
	if err != nil {
		return err
	}
	if err := ring.Delete(*account); err != nil && !errors.Is(err, credential.ErrNotFound) {
		return err
	}
	fmt.Fprintf(stderr, "removed token for account %q\n", *account)
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
