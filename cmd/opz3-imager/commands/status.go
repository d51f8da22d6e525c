package commands

import (
	"fmt"

	"github.com/opz3-tools/opz3-imager/internal/config"
	"github.com/opz3-tools/opz3-imager/pkg/db"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List provisioning runs and their outcomes",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No provisioning runs found")
		return nil
	}

	fmt.Printf("%-14s %-20s %-18s %-10s %-30s\n", "DEVICE", "DEFCONFIG", "STAGE", "STATUS", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		errMsg := run.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Printf("%-14s %-20s %-18s %-10s %-30s\n",
			run.Device, run.Defconfig, run.Stage, run.Status, errMsg)
	}

	return nil
}
