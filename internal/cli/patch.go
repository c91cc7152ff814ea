package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/builder"
	"github.com/grafthq/graft/internal/config"
	"github.com/grafthq/graft/internal/engine"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/scan"
	"github.com/grafthq/graft/internal/stubpack"
)

func newPatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Create, apply, inspect, and roll back directory patches",
	}
	cmd.AddCommand(
		newPatchCreateCmd(opts),
		newPatchApplyCmd(opts),
		newPatchRollbackCmd(opts),
		newPatchInfoCmd(opts),
	)
	return cmd
}

func newPatchCreateCmd(opts *rootOptions) *cobra.Command {
	var title, patchVersion string

	cmd := &cobra.Command{
		Use:   "create <original> <modified> <out>",
		Short: "Diff two directory trees into a patch directory",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				store, err := config.NewStore(opts.configPath)
				if err == nil {
					if cfg, err := store.Load(); err == nil {
						title = cfg.DefaultTitle
					}
				}
			}

			original, err := scan.Walk(args[0], scan.Options{Logger: opts.logger})
			if err != nil {
				return fmt.Errorf("scan original: %w", err)
			}
			modified, err := scan.Walk(args[1], scan.Options{Logger: opts.logger})
			if err != nil {
				return fmt.Errorf("scan modified: %w", err)
			}

			m, err := builder.Build(original, modified, args[2], builder.Options{
				Title:   title,
				Version: patchVersion,
				Logger:  opts.logger,
			})
			if err != nil {
				return err
			}
			color.Green("Patch created: %d operation(s) in %s", len(m.Entries), args[2])
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Human-visible patch title")
	cmd.Flags().StringVarP(&patchVersion, "version", "v", "", "User-visible patch version")
	return cmd
}

func newPatchApplyCmd(opts *rootOptions) *cobra.Command {
	var yes, force, purgeBackup bool

	cmd := &cobra.Command{
		Use:   "apply <target> <patch-dir>",
		Short: "Apply a patch directory to a target tree",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, patchDir := args[0], args[1]

			m, err := manifest.Load(filepath.Join(patchDir, manifest.FileName))
			if err != nil {
				return err
			}
			printSummary(m)
			if !yes && !confirm("Apply this patch?") {
				return usageError{fmt.Errorf("aborted")}
			}

			release, err := lockTarget(target)
			if err != nil {
				return err
			}
			defer release()

			return runApply(opts, target, patchDir, engine.ApplyOptions{
				Force:       force,
				PurgeBackup: purgeBackup,
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompts")
	cmd.Flags().BoolVar(&force, "force", false, "Treat already-present added files as no-ops when content matches")
	cmd.Flags().BoolVar(&purgeBackup, "purge-backup", false, "Remove the backup directory after a successful apply")
	return cmd
}

func runApply(opts *rootOptions, target, patchDir string, applyOpts engine.ApplyOptions) error {
	var bar *progressbar.ProgressBar
	eng := &engine.Engine{
		Logger: opts.logger,
		Progress: func(done, total int, path string) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("applying"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(done)
		},
	}

	if err := eng.Apply(target, patchDir, applyOpts); err != nil {
		return err
	}
	color.Green("Patch applied to %s", target)
	if !applyOpts.PurgeBackup {
		fmt.Printf("Backup retained at %s\n", filepath.Join(target, scan.BackupDirName))
	}
	return nil
}

func newPatchRollbackCmd(opts *rootOptions) *cobra.Command {
	var yes, purge bool

	cmd := &cobra.Command{
		Use:   "rollback <target>",
		Short: "Restore a target tree from its backup directory",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if !yes && !confirm(fmt.Sprintf("Roll back %s from its backup?", target)) {
				return usageError{fmt.Errorf("aborted")}
			}

			release, err := lockTarget(target)
			if err != nil {
				return err
			}
			defer release()

			eng := &engine.Engine{Logger: opts.logger}
			if err := eng.Rollback(target, engine.RollbackOptions{Purge: purge}); err != nil {
				return err
			}
			color.Green("Rolled back %s", target)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompts")
	cmd.Flags().BoolVar(&purge, "purge", false, "Remove the backup directory after a successful rollback")
	return cmd
}

func newPatchInfoCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <patch-dir|stub>",
		Short: "Print a patch summary without touching anything",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cleanup, err := loadManifestFrom(args[0])
			if err != nil {
				return err
			}
			defer cleanup()
			printSummary(m)
			return nil
		},
	}
	return cmd
}

// loadManifestFrom accepts either a patch directory or a stub
// executable carrying an embedded payload.
func loadManifestFrom(path string) (*manifest.Manifest, func(), error) {
	nop := func() {}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nop, err
	}
	if info.IsDir() {
		m, err := manifest.Load(filepath.Join(path, manifest.FileName))
		return m, nop, err
	}

	x, err := stubpack.Extract(path)
	if err != nil {
		return nil, nop, err
	}
	m, err := manifest.Load(filepath.Join(x.Dir, manifest.FileName))
	if err != nil {
		_ = x.Close()
		return nil, nop, err
	}
	return m, func() { _ = x.Close() }, nil
}

func printSummary(m *manifest.Manifest) {
	title := m.Title
	if title == "" {
		title = "(untitled)"
	}
	bold := color.New(color.Bold)
	bold.Println(title)
	if m.PatchVersion != "" {
		fmt.Printf("Version:  %s\n", m.PatchVersion)
	}
	fmt.Printf("Created:  %s\n", m.CreatedAt)

	var adds, patches, deletes int
	for _, e := range m.Entries {
		switch e.Op {
		case manifest.OpAdd:
			adds++
		case manifest.OpPatch:
			patches++
		case manifest.OpDelete:
			deletes++
		}
	}
	fmt.Printf("Operations: %d (%d add, %d patch, %d delete)\n", len(m.Entries), adds, patches, deletes)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
