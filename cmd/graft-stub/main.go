// graft-stub is the end-user patcher. Distributed builds carry a
// patch payload appended by `graft build`; on launch the stub recovers
// its own payload, shows a terminal UI (or runs headless), and drives
// the apply engine against the chosen target directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/cli"
	"github.com/grafthq/graft/internal/engine"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
	"github.com/grafthq/graft/internal/stubpack"
	"github.com/grafthq/graft/internal/tui"
)

type stubOptions struct {
	headless    bool
	rollback    bool
	force       bool
	purgeBackup bool
	logPath     string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &stubOptions{}

	cmd := &cobra.Command{
		Use:           "graft-stub [target]",
		Short:         "Self-contained patcher",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			return runStub(target, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Run without the terminal UI")
	cmd.Flags().BoolVar(&opts.rollback, "rollback", false, "Restore the target from its backup instead of applying")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Treat already-present added files as no-ops when content matches")
	cmd.Flags().BoolVar(&opts.purgeBackup, "purge-backup", false, "Remove the backup directory on success")
	cmd.Flags().StringVar(&opts.logPath, "log-file", "", "Write logs to this file (default: graft-patcher.log beside the target)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.ExitCode(err)
	}
	return 0
}

func runStub(target string, opts *stubOptions) error {
	logger, closeLog, err := openLogger(target, opts)
	if err != nil {
		return err
	}
	defer closeLog()

	eng := &engine.Engine{Logger: logger}

	if opts.rollback {
		release, err := lockTarget(target)
		if err != nil {
			return err
		}
		defer release()
		return eng.Rollback(target, engine.RollbackOptions{Purge: opts.purgeBackup})
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}
	x, err := stubpack.Extract(exe)
	if errors.Is(err, stubpack.ErrNoPayload) {
		return runDemo(target, opts)
	}
	if err != nil {
		return err
	}
	defer func() { _ = x.Close() }()

	m, err := manifest.Load(filepath.Join(x.Dir, manifest.FileName))
	if err != nil {
		return err
	}

	applyOpts := engine.ApplyOptions{Force: opts.force, PurgeBackup: opts.purgeBackup}

	if opts.headless {
		release, err := lockTarget(target)
		if err != nil {
			return err
		}
		defer release()
		return eng.Apply(target, x.Dir, applyOpts)
	}

	applied, err := tui.Run(tui.Options{
		Title:        m.Title,
		PatchVersion: m.PatchVersion,
		Operations:   len(m.Entries),
		Target:       target,
		Apply: func(progress func(done, total int, path string)) error {
			release, err := lockTarget(target)
			if err != nil {
				return err
			}
			defer release()
			eng.Progress = progress
			return eng.Apply(target, x.Dir, applyOpts)
		},
	})
	if err != nil {
		return err
	}
	if applied {
		logger.Info().Str("target", target).Msg("patch applied via stub")
	}
	return nil
}

func runDemo(target string, opts *stubOptions) error {
	if opts.headless {
		fmt.Println("This patcher carries no payload (demo mode); nothing to apply.")
		return nil
	}
	_, err := tui.Run(tui.Options{Target: target, Demo: true})
	return err
}

func lockTarget(dir string) (release func(), err error) {
	l := flock.New(filepath.Join(dir, scan.LockFileName))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock target: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("target %s is in use by another patcher process", dir)
	}
	return func() {
		_ = l.Unlock()
		_ = os.Remove(l.Path())
	}, nil
}

// openLogger writes to a file rather than the terminal: the TUI owns
// the screen while the engine runs. A headless run without --log-file
// logs to stderr instead.
func openLogger(target string, opts *stubOptions) (zerolog.Logger, func(), error) {
	if opts.headless && opts.logPath == "" {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return logger, func() {}, nil
	}

	path := opts.logPath
	if path == "" {
		path = filepath.Join(target, "graft-patcher.log")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("open log file: %w", err)
	}
	logger := zerolog.New(f).With().Timestamp().Logger()
	return logger, func() { _ = f.Close() }, nil
}
