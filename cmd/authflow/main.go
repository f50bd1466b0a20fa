// Command authflow is a terminal client for an authflow-compatible auth
// service.
//
// Session state lives in a JSON file, so every invocation resumes where
// the last one left off:
//
//	authflow login alice@example.com
//	authflow whoami
//	authflow devices
//	authflow logout
//
// Configuration is read from AUTHFLOW_* environment variables and an
// optional .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/kv"
)

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"login":           {"login [identifier]", "sign in with email, username or phone and password", cmdLogin},
	"phone-login":     {"phone-login <phone>", "sign in with a code sent by SMS", cmdPhoneLogin},
	"register":        {"register", "create an account", cmdRegister},
	"reset-password":  {"reset-password <email>", "reset a forgotten password", cmdResetPassword},
	"whoami":          {"whoami", "resolve the stored session and show the user", cmdWhoami},
	"devices":         {"devices", "list the account's devices", cmdDevices},
	"security-check":  {"security-check", "summarize device trust", cmdSecurityCheck},
	"trust":           {"trust <device-id>", "trust a device", cmdTrust},
	"revoke":          {"revoke <device-id>", "revoke a device", cmdRevoke},
	"revoke-all":      {"revoke-all", "revoke every other device", cmdRevokeAll},
	"logout":          {"logout", "end this session", cmdLogout},
	"logout-all":      {"logout-all", "end every session", cmdLogoutAll},
	"2fa-enable":      {"2fa-enable", "enroll an authenticator app", cmdTwoFactorEnable},
	"2fa-disable":     {"2fa-disable", "turn two-factor off", cmdTwoFactorDisable},
	"verify-email":    {"verify-email", "verify the account email", cmdVerifyEmail},
	"social-url":      {"social-url <provider>", "print the provider authorization URL", cmdSocialURL},
	"social-complete": {"social-complete <provider> <code> <state>", "finish a social login", cmdSocialComplete},
}

func main() {
	var (
		envFile   = flag.String("env", "", "env file with AUTHFLOW_* settings (default .env when present)")
		statePath = flag.String("state", defaultStatePath(), "session state file")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(*envFile, *statePath, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authflow: %v\n", err)
		os.Exit(1)
	}
	err = cmd.run(ctx, a, flag.Args()[1:])
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authflow: %v\n", describe(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: authflow [flags] <command> [args]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-44s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n")
	flag.PrintDefaults()
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "authflow-state.json"
	}
	return filepath.Join(dir, "authflow", "state.json")
}

type app struct {
	client *authflow.Client
	logger *zap.Logger
	prompt *prompter
}

func newApp(envFile, statePath string, verbose bool) (*app, error) {
	var (
		cfg authflow.Config
		err error
	)
	if envFile != "" {
		cfg, err = authflow.ConfigFromEnv(envFile)
	} else {
		cfg, err = authflow.ConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	// Every invocation is a fresh process; the background loops have
	// nothing to watch.
	cfg.Session.WatchStore = false

	logger := zap.NewNop()
	if verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	p := newPrompter(os.Stdin, os.Stderr)
	client, err := authflow.New().
		WithConfig(cfg).
		WithStore(kv.NewFileStore(statePath)).
		WithLogger(logger).
		WithConfirmer(p).
		WithEventSink(&printSink{out: os.Stderr}).
		Build()
	if err != nil {
		return nil, err
	}
	return &app{client: client, logger: logger, prompt: p}, nil
}

func (a *app) close() {
	_ = a.client.Close()
	_ = a.logger.Sync()
}

func needArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: authflow %s", usage)
	}
	return nil
}

// describe turns client errors into one line for the terminal.
func describe(err error) string {
	switch {
	case errors.Is(err, authflow.ErrNotAuthenticated):
		return "not signed in; run `authflow login` first"
	case errors.Is(err, authflow.ErrConfirmationDeclined):
		return "cancelled"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	}
	return strings.TrimPrefix(err.Error(), "authflow: ")
}
