package commands

import (
	"context"
	"fmt"

	"github.com/opz3-tools/opz3-imager/internal/config"
	"github.com/opz3-tools/opz3-imager/pkg/build"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
	"github.com/spf13/cobra"
)

var buildStage string

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the cross-compilation stages without touching any device",
	Long: `Builds the trusted firmware, bootloader, and kernel artifacts. Stages are
independently invokable: --stage bootloader, --stage kernel, or --stage all.
Artifacts that already exist are not rebuilt.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVar(&buildStage, "stage", "all", "Build stage: bootloader, kernel, or all")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	builder := build.NewManager(ctx, runner.NewExecRunner(), cfg.RepoDir, cfg.Defconfig, cfg.Jobs)

	switch buildStage {
	case "bootloader":
		return builder.BuildBootloader(ctx)
	case "kernel":
		return builder.BuildKernel(ctx)
	case "all":
		if err := builder.BuildBootloader(ctx); err != nil {
			return err
		}
		return builder.BuildKernel(ctx)
	default:
		return fmt.Errorf("unknown stage %q: must be bootloader, kernel, or all", buildStage)
	}
}
