// Package cli implements the pipeline command line: local runs, the server
// and the remote client.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/go-idp/pipeline/internal/config"
)

// Version is the build version, set with -ldflags "-X".
var Version = "dev"

// app carries the state shared by all subcommands.
type app struct {
	cfg      config.Config
	stdout   io.Writer
	stderr   io.Writer
	logLevel string
}

// consoleLogger returns the text logger used by interactive commands. They
// log warnings only unless a level is given.
func (a *app) consoleLogger() *slog.Logger {
	level := slog.LevelWarn
	if a.logLevel != "" {
		level = config.ParseLogLevel(a.logLevel)
	}
	return config.NewConsoleLogger(a.stderr, level)
}

// NewRootCommand builds the command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{cfg: config.Load(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Run pipelines of dependent steps locally or on a server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCommand(a),
		newServerCommand(a),
		newClientCommand(a),
		newKindsCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := exitCode(err)
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(stderr, "error:", msg)
	}
	return code
}
