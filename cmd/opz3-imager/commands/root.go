package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "opz3-imager",
	Short: "Orange Pi Zero 3 - bootable image builder and SD card provisioner",
	Long: `Builds a bootable Debian image for the Orange Pi Zero 3 and provisions
it onto a micro-SD card: clones toolchain sources, cross-compiles firmware,
bootloader and kernel, partitions and formats the card, bootstraps the root
filesystem, and installs the boot artifacts.

Do not run two instances against the same device; invocations are strictly
single-instance by contract.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("device", "", "Target block device (e.g. /dev/sdb)")
	rootCmd.PersistentFlags().String("defconfig", "opz3_defconfig", "Kernel build configuration name")
	rootCmd.PersistentFlags().String("config-dir", "kernel_config", "Directory holding defconfig, boot.scr, overlay")
	rootCmd.PersistentFlags().String("repo-dir", "repositories", "Clone destination for source repositories")
	rootCmd.PersistentFlags().String("build-dir", "build", "Scratch build directory")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/provision.db", "Run journal database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("mirror-bucket", "", "Optional S3 bucket mirroring kernel_config files")
	rootCmd.PersistentFlags().Int("jobs", 0, "Build parallelism (0 probes nproc)")

	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("defconfig", rootCmd.PersistentFlags().Lookup("defconfig"))
	viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("repo-dir", rootCmd.PersistentFlags().Lookup("repo-dir"))
	viper.BindPFlag("build-dir", rootCmd.PersistentFlags().Lookup("build-dir"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("mirror-bucket", rootCmd.PersistentFlags().Lookup("mirror-bucket"))
	viper.BindPFlag("jobs", rootCmd.PersistentFlags().Lookup("jobs"))
}
