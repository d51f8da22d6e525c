package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/opz3-tools/opz3-imager/internal/config"
	"github.com/opz3-tools/opz3-imager/pkg/blockdev"
	"github.com/opz3-tools/opz3-imager/pkg/build"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/install"
	"github.com/opz3-tools/opz3-imager/pkg/rootfs"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
	"github.com/opz3-tools/opz3-imager/pkg/setup"
	"github.com/opz3-tools/opz3-imager/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM database directory (only needed for provision)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// managers wires every pipeline component for one provisioning run.
type managers struct {
	setup     *setup.Manager
	builder   *build.Manager
	provision *blockdev.Manager
	composer  *rootfs.Manager
	installer *install.Manager
}

func buildManagers(ctx context.Context, cfg *config.Config, r runner.Runner) (*managers, error) {
	var mirror setup.Mirror
	if cfg.MirrorBucket != "" {
		client, err := storage.NewClient(ctx, cfg.MirrorBucket, cfg.MirrorRegion)
		if err != nil {
			return nil, errors.Wrap(err, "mirror client failed")
		}
		mirror = client
	}

	device := blockdev.Device{Path: cfg.Device}
	builder := build.NewManager(ctx, r, cfg.RepoDir, cfg.Defconfig, cfg.Jobs)

	return &managers{
		setup: setup.NewManager(r, setup.Config{
			Device:       cfg.Device,
			Defconfig:    cfg.Defconfig,
			ConfigDir:    cfg.ConfigDir,
			RepoDir:      cfg.RepoDir,
			BuildDir:     cfg.BuildDir,
			MountPoint:   cfg.MountPoint,
			ProbeAddr:    cfg.ProbeAddr,
			ProbeTimeout: time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
			Mirror:       mirror,
		}),
		builder:   builder,
		provision: blockdev.NewManager(r, device, builder.Artifacts().SPL),
		composer: rootfs.NewManager(r, device, cfg.MountPoint,
			cfg.DebianRelease, cfg.Hostname, cfg.RootPassword),
		installer: install.NewManager(r, device, cfg.RepoDir, cfg.ConfigDir,
			cfg.MountPoint, builder.Jobs()),
	}, nil
}
