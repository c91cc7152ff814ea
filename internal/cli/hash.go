package cli

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/hashio"
)

func newHashCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Content-digest utilities",
	}
	cmd.AddCommand(newHashCalculateCmd(), newHashCompareCmd(), newHashCheckCmd())
	return cmd
}

func newHashCalculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calculate <file>...",
		Short: "Print the SHA-256 digest of each file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return usageError{fmt.Errorf("hash calculate expects at least one file")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				d, err := hashio.File(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", d, path)
			}
			return nil
		},
	}
}

func newHashCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <a> <b>",
		Short: "Report whether two files have identical content",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			same, err := hashio.CompareFiles(args[0], args[1])
			if err != nil {
				return err
			}
			if !same {
				color.Red("files differ")
				return fmt.Errorf("%s and %s differ", args[0], args[1])
			}
			color.Green("files match")
			return nil
		},
	}
}

func newHashCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file> <digest>",
		Short: "Verify a file against an expected hex digest",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := hashio.Parse(args[1])
			if err != nil {
				return usageError{err}
			}
			if err := hashio.CheckFile(args[0], want); err != nil {
				var mismatch *hashio.MismatchError
				if errors.As(err, &mismatch) {
					color.Red("mismatch: expected %s, got %s", mismatch.Want, mismatch.Got)
				}
				return err
			}
			color.Green("match")
			return nil
		},
	}
}
