package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opz3-tools/opz3-imager/internal/config"
	"github.com/opz3-tools/opz3-imager/pkg/db"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
	"github.com/opz3-tools/opz3-imager/pkg/workflow"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Build the bootable image and provision it onto the target device",
	Long: `Runs the full pipeline: environment validation, bootloader build, device
partitioning, kernel build, root filesystem bootstrap, and installation.
Destroys all data on the target device.`,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := cfg.RequireDevice(); err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	mgrs, err := buildManagers(ctx, cfg, runner.NewExecRunner())
	if err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := workflow.NewMachine(repo, mgrs.setup, mgrs.builder,
		mgrs.provision, mgrs.composer, mgrs.installer, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &workflow.ProvisionRequest{
		Device:    cfg.Device,
		Defconfig: cfg.Defconfig,
	}
	resp := &workflow.ProvisionResponse{}

	version, err := start(ctx, cfg.Device, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		// Diagnostics are already in the log; the user gets one line.
		fmt.Fprintf(os.Stderr, "unable to complete %s, review logs\n", resp.Stage)
		os.Exit(1)
	}

	slog.Info("provision completed", "device", cfg.Device, "status", resp.Status, "run_id", resp.RunID)
	fmt.Printf("Provisioning of %s complete. The card is ready to boot.\n", cfg.Device)

	return nil
}
