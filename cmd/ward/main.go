package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, also part of the contract for init systems wrapping ward:
// 0 = clean shutdown, 1 = degraded shutdown or runtime error,
// 2 = configuration error detected before any unit started.
const (
	exitOK       = 0
	exitDegraded = 1
	exitConfig   = 2
)

// exitError carries a process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitDegraded)
	}
}

func buildRoot() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "ward",
		Short:         "ward supervises a set of local processes with dependency-gated startup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "ward.toml", "path to the TOML config file")

	root.AddCommand(
		createServeCommand(flags),
		createValidateCommand(flags),
		createStatusCommand(),
		createLogsCommand(),
	)
	return root
}
