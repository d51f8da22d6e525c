package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opz3-tools/opz3-imager/internal/config"
	"github.com/opz3-tools/opz3-imager/pkg/build"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
	"github.com/opz3-tools/opz3-imager/pkg/setup"
	"github.com/spf13/cobra"
)

var (
	cleanForce bool
	cleanMake  bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove build state from the workspace",
	Long: `Removes the scratch build directory. With --force, also removes the cloned
source repositories. With --make, instead runs the build systems' own clean
targets inside each repository. --force and --make are mutually exclusive.
No target device is required or touched.`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "Also remove cloned repositories")
	cleanCmd.Flags().BoolVar(&cleanMake, "make", false, "Run make clean targets instead of deleting")
	cleanCmd.MarkFlagsMutuallyExclusive("force", "make")
}

func runClean(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if cleanMake {
		return makeClean(ctx, cfg)
	}

	if err := os.RemoveAll(cfg.BuildDir); err != nil {
		return errors.Wrap(err, "failed to remove build directory")
	}
	fmt.Printf("Removed %s\n", cfg.BuildDir)

	if cleanForce {
		if err := os.RemoveAll(cfg.RepoDir); err != nil {
			return errors.Wrap(err, "failed to remove repositories")
		}
		fmt.Printf("Removed %s\n", cfg.RepoDir)
	}

	return nil
}

// makeClean runs each repository's own clean target, leaving the clones
// in place.
func makeClean(ctx context.Context, cfg *config.Config) error {
	r := runner.NewExecRunner()

	for _, repo := range setup.Repositories {
		dir := filepath.Join(cfg.RepoDir, repo.Name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}

		var argv []string
		switch repo.Name {
		case "linux":
			argv = []string{"sudo", build.ArchFlag, build.CrossCompile, "make", "mrproper"}
		case "linux-firmware":
			// Firmware repo has nothing to clean.
			continue
		default:
			argv = []string{"make", "clean"}
		}

		res := r.Run(ctx, runner.Command{Argv: argv, Dir: dir})
		if !res.Success {
			return errors.Wrap(res.Err(), "clean failed in "+repo.Name)
		}
		fmt.Printf("Cleaned %s\n", repo.Name)
	}

	return nil
}
