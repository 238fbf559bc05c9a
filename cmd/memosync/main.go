// Package main provides the memosync command line client.
//
// Each invocation signs in, waits for the collection to sync, runs one
// subcommand, and flushes pending writes before exiting.
//
// Usage:
//
//	memosync -as u1 add -rating 9 Frieren
//	memosync -as u1 list -year 2024
//	memosync -sync-mode shared-local recent
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/di"
	"github.com/animemo/memosync/internal/di/providers"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/logger"
	"github.com/animemo/memosync/internal/memo"
)

// sharedIdentity signs in shared-local sessions started without -as.
const sharedIdentity = "local"

func main() {
	os.Exit(run())
}

func run() int {
	asUID := flag.String("as", "", "Sign in as this identity")
	asName := flag.String("name", "", "Display name for -as")
	token := flag.String("token", "", "Sign in with a session token")
	flag.Usage = usage

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "memosync: %v\n", err)
		return 2
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "memosync: unknown command %q\n", args[0])
		usage()
		return 2
	}

	injector := di.NewContainer(cfg)
	if err := di.Bootstrap(injector); err != nil {
		fmt.Fprintf(os.Stderr, "memosync: %v\n", err)
		return 1
	}
	log := do.MustInvoke[*logger.Logger](injector)
	defer func() {
		if report := injector.Shutdown(); report != nil {
			log.Debug("container shut down", "report", report)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := &env{
		app:    do.MustInvoke[*providers.AppHandle](injector).App,
		auth:   do.MustInvoke[*identity.Local](injector),
		tokens: do.MustInvoke[*identity.TokenService](injector),
		out:    os.Stdout,
		in:     os.Stdin,
		asUID:  strings.TrimSpace(*asUID),
		asName: *asName,
		token:  *token,
	}

	if cmd.signIn {
		if e.asUID == "" && e.token == "" && cfg.Sync.Mode == string(memo.ModeSharedLocal) {
			e.asUID = sharedIdentity
		}
		if e.asUID == "" && e.token == "" {
			fmt.Fprintln(os.Stderr, "memosync: sign in with -as or -token")
			return 2
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.app.Run(runCtx) }()

	err = e.execute(ctx, cmd, args[1:])

	cancel()
	if rerr := <-done; rerr != nil && !errors.Is(rerr, context.Canceled) {
		log.Error("app stopped with error", "error", rerr)
	}

	for _, n := range e.app.Events.Pending(e.identity()) {
		fmt.Fprintf(os.Stderr, "notice: %s", n.Message)
		if n.Error != "" {
			fmt.Fprintf(os.Stderr, " (%s)", n.Error)
		}
		fmt.Fprintln(os.Stderr)
	}

	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "usage: memosync %s %s\n", cmd.name, cmd.usage)
			return 2
		}
		fmt.Fprintf(os.Stderr, "memosync %s: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

func (e *env) execute(ctx context.Context, cmd *command, args []string) error {
	if cmd.signIn {
		if err := e.signIn(); err != nil {
			return err
		}
	}
	if err := cmd.run(ctx, e, args); err != nil {
		return err
	}
	if !cmd.signIn {
		return nil
	}
	// Persistence is asynchronous; wait for it before reporting success.
	return e.app.Memo.Flush(ctx)
}

func (e *env) signIn() error {
	if e.token != "" {
		ident, err := e.auth.SignInWithToken(e.tokens, e.token)
		if err != nil {
			return err
		}
		e.asUID = ident.ID
		return nil
	}
	return e.auth.SignIn(identity.Identity{ID: e.asUID, DisplayName: e.asName})
}

func (e *env) identity() string {
	if current := e.auth.CurrentIdentity(); current != nil {
		return current.ID
	}
	return ""
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "usage: memosync [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(out, "  %-10s %s\n", name, c.summary)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "flags:")
	flag.PrintDefaults()
}
