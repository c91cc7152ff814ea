// Package cli wires the graft command tree: patch authoring and
// application, single-file deltas, digest utilities, and stub
// packaging.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/engine"
)

var (
	version = "v0.3.1"
	commit  = ""
	date    = ""
)

// Exit codes, part of the CLI contract: scripts and the stub depend
// on them.
const (
	exitOK            = 0
	exitPreflight     = 1
	exitApplyFailed   = 2
	exitUnrecoverable = 3
	exitUsage         = 4
)

type rootOptions struct {
	configPath string
	quiet      bool
	logger     zerolog.Logger
}

func Execute() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitCode(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "graft",
		Short:         "Create, apply, and package binary directory patches",
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       buildVersion(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if opts.quiet {
				level = zerolog.WarnLevel
			}
			opts.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).With().Timestamp().Logger()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Override config file path (default: OS user config dir)")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only log warnings and errors")
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.AddCommand(
		newPatchCmd(opts),
		newDiffCmd(opts),
		newHashCmd(opts),
		newBuildCmd(opts),
		newHeadlessCmd(opts),
	)

	return cmd
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if date != "" {
		v += " " + date
	}
	return v
}

// usageError marks argument and flag mistakes so they exit with the
// usage code rather than an operational one.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exactArgs is cobra.ExactArgs with usage-classified errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

// ExitCode maps an error to the CLI exit-code contract. The stub
// binary shares it so both surfaces report failures identically.
func ExitCode(err error) int {
	var ue usageError
	var ce *engine.CorruptionError
	var ae *engine.ApplyError
	var pf *engine.PreflightError

	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &ce):
		return exitUnrecoverable
	case errors.As(err, &ae):
		if errors.As(ae.RollbackErr, &ce) {
			return exitUnrecoverable
		}
		return exitApplyFailed
	case errors.As(err, &pf):
		return exitPreflight
	default:
		// Manifest corruption, I/O failures, and everything else that
		// stopped us before mutating anything.
		return exitPreflight
	}
}
