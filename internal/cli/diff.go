package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/delta"
	"github.com/grafthq/graft/internal/fsutil"
)

func newDiffCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Create and apply single-file binary deltas",
	}
	cmd.AddCommand(newDiffCreateCmd(opts), newDiffApplyCmd(opts))
	return cmd
}

func newDiffCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <a> <b> <out>",
		Short: "Write the delta transforming file a into file b",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			new, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			d, err := delta.Diff(old, new)
			if err != nil {
				return err
			}
			if err := fsutil.WriteFileSynced(args[2], d, 0o644); err != nil {
				return err
			}
			opts.logger.Info().Int("delta_bytes", len(d)).Str("out", args[2]).Msg("delta written")
			return nil
		},
	}
}

func newDiffApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <a> <diff> <out>",
		Short: "Apply a delta to file a, writing the reconstructed file",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			out, err := delta.Apply(old, d)
			if err != nil {
				return fmt.Errorf("apply delta: %w", err)
			}
			if err := fsutil.WriteFileSynced(args[2], out, 0o644); err != nil {
				return err
			}
			opts.logger.Info().Int("bytes", len(out)).Str("out", args[2]).Msg("file reconstructed")
			return nil
		},
	}
}
