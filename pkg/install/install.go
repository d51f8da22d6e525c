// Package install puts compiled kernel modules, headers, and firmware
// onto the root filesystem and the boot artifacts onto the boot partition.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opz3-tools/opz3-imager/pkg/blockdev"
	"github.com/opz3-tools/opz3-imager/pkg/build"
	"github.com/opz3-tools/opz3-imager/pkg/pipeline"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
)

// BootArtifacts is the exact set of files the boot partition must hold
// when the install finishes. The DTB is renamed to the generic name the
// boot script loads.
var BootArtifacts = []string{"Image", "device_tree.dtb", "boot.scr", "expansion-board-overlay.dtbo"}

// Manager installs build outputs onto the provisioned card.
type Manager struct {
	r          runner.Runner
	device     blockdev.Device
	repoDir    string
	configDir  string
	mountPoint string
	artifacts  build.Artifacts
	jobs       int

	mounted bool
}

// NewManager creates an install manager.
func NewManager(r runner.Runner, device blockdev.Device, repoDir, configDir, mountPoint string, jobs int) *Manager {
	slog.Info("install_manager_init", "device", device.Path, "mount_point", mountPoint)
	return &Manager{
		r:          r,
		device:     device,
		repoDir:    repoDir,
		configDir:  configDir,
		mountPoint: mountPoint,
		artifacts:  build.ArtifactsFor(repoDir),
		jobs:       jobs,
	}
}

// Install runs the full installation pipeline. The mount point is never
// left mounted on error: any failure triggers exactly one best-effort
// unmount of whichever partition is current.
func (m *Manager) Install(ctx context.Context) error {
	p := pipeline.New("install",
		pipeline.Step{Name: "mount_root", Run: m.mountRoot},
		pipeline.Step{Name: "install_modules", Run: m.installModules},
		pipeline.Step{Name: "install_headers", Run: m.installHeaders},
		pipeline.Step{Name: "install_firmware", Run: m.installFirmware},
		pipeline.Step{Name: "build_headers_package", Run: m.buildHeadersPackage},
		pipeline.Step{Name: "switch_to_boot", Run: m.switchToBoot},
		pipeline.Step{Name: "copy_boot_artifacts", Run: m.copyBootArtifacts},
		pipeline.Step{Name: "verify_boot_partition", Run: m.verifyBootPartition},
		pipeline.Step{Name: "unmount_boot", Run: m.unmount},
	).WithCleanup(m.unmountOnFailure)
	return p.Run(ctx)
}

func (m *Manager) mountRoot(ctx context.Context) error {
	if err := blockdev.Mount(ctx, m.r, m.device.RootPartition(), m.mountPoint); err != nil {
		return err
	}
	m.mounted = true
	return nil
}

func (m *Manager) unmount(ctx context.Context) error {
	if err := blockdev.Unmount(ctx, m.r, m.mountPoint); err != nil {
		return err
	}
	m.mounted = false
	return nil
}

func (m *Manager) unmountOnFailure(ctx context.Context) {
	if !m.mounted {
		return
	}
	slog.Info("install_unmount_on_failure", "mount_point", m.mountPoint)
	blockdev.Unmount(ctx, m.r, m.mountPoint)
	m.mounted = false
}

// installModules installs kernel modules into the mounted root, then
// verifies the modules directory exists. An absent directory after a
// reported-successful install is a failure in its own right.
func (m *Manager) installModules(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", build.ArchFlag, build.CrossCompile,
			"INSTALL_MOD_PATH=" + m.mountPoint, "make", "modules_install"},
		Dir: filepath.Join(m.repoDir, "linux"),
	})
	if !res.Success {
		return res.Err()
	}

	modulesDir := filepath.Join(m.mountPoint, "lib", "modules")
	if fi, err := os.Stat(modulesDir); err != nil || !fi.IsDir() {
		slog.Error("modules_dir_missing_after_install", "dir", modulesDir)
		return fmt.Errorf("modules not found at %s after install", modulesDir)
	}

	slog.Info("modules_installed", "dir", modulesDir)
	return nil
}

// installHeaders installs kernel headers and copies the extra header
// files out of the source tree.
func (m *Manager) installHeaders(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", build.ArchFlag,
			"INSTALL_HDR_PATH=" + m.mountPoint + "/usr", "make", "headers_install"},
		Dir: filepath.Join(m.repoDir, "linux"),
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "cp", "-r",
			filepath.Join(m.repoDir, "linux", "usr") + "/",
			filepath.Join(m.mountPoint, "usr", "include") + "/"},
	})
	return res.Err()
}

// installFirmware copies the RTL wifi firmware blobs and verifies the
// target directory afterward.
func (m *Manager) installFirmware(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "cp", "-r",
			filepath.Join(m.repoDir, "linux-firmware", "rtlwifi") + "/",
			filepath.Join(m.mountPoint, "lib", "firmware") + "/"},
	})
	if !res.Success {
		return res.Err()
	}

	fwDir := filepath.Join(m.mountPoint, "lib", "firmware", "rtlwifi")
	if fi, err := os.Stat(fwDir); err != nil || !fi.IsDir() {
		slog.Error("firmware_dir_missing_after_install", "dir", fwDir)
		return fmt.Errorf("firmware not found at %s after install", fwDir)
	}

	slog.Info("firmware_installed", "dir", fwDir)
	return nil
}

// buildHeadersPackage builds the kernel's Debian header/dev packages,
// copies them onto the root filesystem, and removes the packaging
// byproducts from the workspace. The copy and removal need shell globbing.
func (m *Manager) buildHeadersPackage(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", build.ArchFlag, build.CrossCompile,
			"make", fmt.Sprintf("-j%d", m.jobs), "bindeb-pkg"},
		Dir: filepath.Join(m.repoDir, "linux"),
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Shell: fmt.Sprintf("sudo cp %s/linux-headers-*.deb %s/root/", m.repoDir, m.mountPoint),
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Shell: fmt.Sprintf("sudo rm -f %s/linux-*.deb %s/linux-*.changes %s/linux-*.buildinfo",
			m.repoDir, m.repoDir, m.repoDir),
	})
	return res.Err()
}

// switchToBoot releases the root partition and mounts the boot partition
// in its place; the cleanup obligation moves with it.
func (m *Manager) switchToBoot(ctx context.Context) error {
	if err := m.unmount(ctx); err != nil {
		return err
	}

	if err := blockdev.Mount(ctx, m.r, m.device.BootPartition(), m.mountPoint); err != nil {
		return err
	}
	m.mounted = true
	return nil
}

func (m *Manager) copyBootArtifacts(ctx context.Context) error {
	copies := [][2]string{
		{m.artifacts.Image, filepath.Join(m.mountPoint, "Image")},
		{m.artifacts.DTB, filepath.Join(m.mountPoint, "device_tree.dtb")},
		{filepath.Join(m.configDir, "boot.scr"), filepath.Join(m.mountPoint, "boot.scr")},
		{filepath.Join(m.configDir, "expansion-board-overlay.dtbo"), filepath.Join(m.mountPoint, "expansion-board-overlay.dtbo")},
	}

	for _, c := range copies {
		res := m.r.Run(ctx, runner.Command{
			Argv: []string{"sudo", "cp", c[0], c[1]},
		})
		if !res.Success {
			return res.Err()
		}
	}

	slog.Info("boot_artifacts_copied", "count", len(copies))
	return nil
}

// verifyBootPartition requires the boot partition listing to equal
// exactly the expected artifact set; extra or missing files are both
// hard failures even when every copy succeeded.
func (m *Manager) verifyBootPartition(ctx context.Context) error {
	entries, err := os.ReadDir(m.mountPoint)
	if err != nil {
		return fmt.Errorf("unable to read boot partition: %w", err)
	}

	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Name())
	}
	sort.Strings(got)

	want := append([]string(nil), BootArtifacts...)
	sort.Strings(want)

	if len(got) != len(want) {
		slog.Error("boot_partition_mismatch", "got", strings.Join(got, ","), "want", strings.Join(want, ","))
		return fmt.Errorf("boot partition holds %v, want exactly %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			slog.Error("boot_partition_mismatch", "got", strings.Join(got, ","), "want", strings.Join(want, ","))
			return fmt.Errorf("boot partition holds %v, want exactly %v", got, want)
		}
	}

	slog.Info("boot_partition_verified", "files", strings.Join(got, ","))
	return nil
}
