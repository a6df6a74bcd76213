// reforge runs coding-agent turns from the command line.
//
// Usage:
//
//	reforge [-config reforge.yaml] run -prompt "fix the failing test" [-conversation id]
//	reforge conversations list|delete <id>
//	reforge auth begin|set <provider>
//	reforge tools
//	reforge usage [-prometheus URL] [-window 24h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sternelee/reforge-sub005/pkg/config"
	"github.com/sternelee/reforge-sub005/pkg/logx"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses global flags, dispatches the subcommand and returns an exit code.
func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("reforge", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "Settings file (default: ./reforge.yaml or ~/.config/reforge/reforge.yaml)")
	showVersion := global.Bool("version", false, "Show version information")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "reforge %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		return 0
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "reforge: %v\n", err)
		return 1
	}
	if err := configureLogging(settings); err != nil {
		fmt.Fprintf(stderr, "reforge: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "run":
		err = cmdRun(ctx, settings, rest[1:], stdin, stdout)
	case "conversations":
		err = cmdConversations(ctx, settings, rest[1:], stdout)
	case "auth":
		err = cmdAuth(ctx, settings, rest[1:], stdin, stdout)
	case "tools":
		err = cmdTools(ctx, settings, stdout)
	case "usage":
		err = cmdUsage(ctx, rest[1:], stdout)
	case "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "reforge: unknown command %q\n\n", rest[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "reforge: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "reforge: %v\n", err)
		return 1
	}
}

func configureLogging(s *config.Settings) error {
	if s.LogFormat == "json" {
		logx.SetOutput(os.Stderr)
	}
	if s.LogLevel != "" {
		if err := logx.SetLevel(s.LogLevel); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `reforge - coding agent runtime

Usage:
  reforge [-config FILE] <command> [arguments]

Commands:
  run -prompt TEXT [-conversation ID]   Run one turn and print the final reply
  conversations list [-limit N]         List stored conversations
  conversations delete ID               Delete a conversation
  auth begin PROVIDER                   Mark a provider login as in progress
  auth set PROVIDER                     Store a provider API key read from stdin
  tools                                 List the tools available to the active agent
  usage [-prometheus URL] [-window D]   Report token and tool usage from Prometheus

Settings are read from reforge.yaml and REFORGE_* environment variables.
`)
}
