// Command lazydevd runs the lazydev daemon in the foreground: a local
// scale-to-zero reverse proxy for development servers (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lazydev/lazydevd/internal/daemon"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logFormat string

	cmd := &cobra.Command{
		Use:     "lazydevd",
		Short:   "Local scale-to-zero reverse proxy for development servers",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logFormat)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := &daemon.Daemon{ConfigPath: configPath, Log: logger}
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/lazydev/config.yaml)")
	cmd.Flags().StringVar(&logFormat, "log-format", "auto", "log output format: console, json, or auto")

	return cmd
}

// newLogger builds a zerolog.Logger writing console-formatted output when
// stdout is a terminal, else JSON lines — matching the teacher's
// isTerminal(os.Stdin) convention in cmd/agnt/main.go, applied to stdout
// since that is where log output goes.
func newLogger(format string) zerolog.Logger {
	useConsole := format == "console"
	if format == "auto" {
		useConsole = term.IsTerminal(int(os.Stdout.Fd()))
	}

	if useConsole {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
