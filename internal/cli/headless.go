package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/engine"
	"github.com/grafthq/graft/internal/stubpack"
)

// The headless verbs are the noninteractive apply and rollback surface
// for scripts. (graft-stub has its own --headless flag, which drives
// the engine in-process rather than calling these verbs.) With no
// --patch-dir, `headless apply` recovers the patch from the payload
// embedded in the running executable.
func newHeadlessCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "headless",
		Short: "Noninteractive apply and rollback",
	}
	cmd.AddCommand(newHeadlessApplyCmd(opts), newHeadlessRollbackCmd(opts))
	return cmd
}

func newHeadlessApplyCmd(opts *rootOptions) *cobra.Command {
	var patchDir string
	var force, purgeBackup bool

	cmd := &cobra.Command{
		Use:   "apply <target>",
		Short: "Apply without prompts, from a patch dir or the embedded payload",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			dir := patchDir
			if dir == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("locate own executable: %w", err)
				}
				x, err := stubpack.Extract(exe)
				if errors.Is(err, stubpack.ErrNoPayload) {
					return usageError{fmt.Errorf("no --patch-dir given and no payload embedded in this executable")}
				}
				if err != nil {
					return err
				}
				defer func() { _ = x.Close() }()
				dir = x.Dir
			}

			release, err := lockTarget(target)
			if err != nil {
				return err
			}
			defer release()

			return runApply(opts, target, dir, engine.ApplyOptions{
				Force:       force,
				PurgeBackup: purgeBackup,
			})
		},
	}

	cmd.Flags().StringVar(&patchDir, "patch-dir", "", "Patch directory (default: payload embedded in this executable)")
	cmd.Flags().BoolVar(&force, "force", false, "Treat already-present added files as no-ops when content matches")
	cmd.Flags().BoolVar(&purgeBackup, "purge-backup", false, "Remove the backup directory after a successful apply")
	return cmd
}

func newHeadlessRollbackCmd(opts *rootOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "rollback <target>",
		Short: "Roll back without prompts",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			release, err := lockTarget(target)
			if err != nil {
				return err
			}
			defer release()

			eng := &engine.Engine{Logger: opts.logger}
			return eng.Rollback(target, engine.RollbackOptions{Purge: purge})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Remove the backup directory after a successful rollback")
	return cmd
}
