package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grafthq/graft/internal/config"
	"github.com/grafthq/graft/internal/manifest"
	"github.com/grafthq/graft/internal/stubpack"
)

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var out, stubPath, stubDir string

	cmd := &cobra.Command{
		Use:   "build <patch-dir>",
		Short: "Embed a patch directory into a stub executable",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patchDir := args[0]

			// A patch directory is only packagable once it is complete.
			if _, err := manifest.Load(filepath.Join(patchDir, manifest.FileName)); err != nil {
				return err
			}

			stub, err := resolveStub(opts, stubPath, stubDir)
			if err != nil {
				return err
			}
			if out == "" {
				return usageError{fmt.Errorf("missing -o <out>")}
			}

			if err := stubpack.Embed(stub, patchDir, out); err != nil {
				return err
			}
			color.Green("Self-contained patcher written to %s", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "Output executable path")
	cmd.Flags().StringVar(&stubPath, "stub", "", "Prebuilt stub executable to embed into")
	cmd.Flags().StringVar(&stubDir, "stub-dir", "", "Directory containing prebuilt stub executables")
	return cmd
}

// resolveStub picks the host executable: an explicit --stub wins, then
// a platform-named stub inside --stub-dir, then the configured default.
func resolveStub(opts *rootOptions, stubPath, stubDir string) (string, error) {
	if stubPath != "" {
		return stubPath, nil
	}
	if stubDir != "" {
		for _, name := range stubCandidates() {
			candidate := filepath.Join(stubDir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("no stub executable found in %s", stubDir)
	}

	store, err := config.NewStore(opts.configPath)
	if err != nil {
		return "", err
	}
	cfg, err := store.Load()
	if err != nil {
		return "", err
	}
	if cfg.StubPath == "" {
		return "", usageError{fmt.Errorf("no stub given: use --stub, --stub-dir, or set stub_path in %s", store.Path())}
	}
	return cfg.StubPath, nil
}

func stubCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{"graft-stub.exe", "stub.exe"}
	}
	return []string{"graft-stub", "stub"}
}
