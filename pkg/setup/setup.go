// Package setup validates the workspace and host environment before any
// destructive action is taken against the target device.
package setup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/pipeline"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
	"github.com/opz3-tools/opz3-imager/pkg/storage"
)

// Mirror is the optional S3 source for missing kernel_config files.
type Mirror interface {
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key, localPath string) (*storage.DownloadResult, error)
}

// Repository pairs a source tree name with its clone URL.
type Repository struct {
	Name string
	URL  string
}

// Packages required on the host before building.
var Packages = []string{
	"swig", "python3-dev", "build-essential", "device-tree-compiler",
	"git", "bison", "flex", "python3-setuptools", "libssl-dev",
	"dosfstools", "libncurses-dev", "bc",
}

// Repositories that must exist under the repo dir. The kernel is cloned
// shallow; the rest are full clones.
var Repositories = []Repository{
	{Name: "linux", URL: "git://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git"},
	{Name: "u-boot", URL: "git://git.denx.de/u-boot.git"},
	{Name: "arm-trusted-firmware", URL: "https://github.com/ARM-software/arm-trusted-firmware.git"},
	{Name: "linux-firmware", URL: "git://git.kernel.org/pub/scm/linux/kernel/git/firmware/linux-firmware.git"},
}

// Config carries the workspace layout and probe settings for a Manager.
type Config struct {
	Device       string
	Defconfig    string
	ConfigDir    string
	RepoDir      string
	BuildDir     string
	MountPoint   string
	ProbeAddr    string
	ProbeTimeout time.Duration

	// Mirror is optional; nil disables config-file fetching.
	Mirror Mirror

	// Overridable for tests; default to the real /sys and /proc paths.
	SysBlockDir    string
	ProcMountsPath string
}

// Manager runs the environment checklist as a fail-fast pipeline.
type Manager struct {
	r   runner.Runner
	cfg Config
}

// NewManager creates a setup manager.
func NewManager(r runner.Runner, cfg Config) *Manager {
	if cfg.SysBlockDir == "" {
		cfg.SysBlockDir = "/sys/class/block"
	}
	if cfg.ProcMountsPath == "" {
		cfg.ProcMountsPath = "/proc/mounts"
	}
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = "www.google.com:80"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	slog.Info("setup_manager_init", "device", cfg.Device, "defconfig", cfg.Defconfig)
	return &Manager{r: r, cfg: cfg}
}

// Run executes every check in order, halting at the first failure so that
// later checks (package installs, clones) do no work when an earlier
// precondition already failed.
func (m *Manager) Run(ctx context.Context) error {
	p := pipeline.New("setup",
		pipeline.Step{Name: "check_network", Run: m.checkNetwork},
		pipeline.Step{Name: "check_config_files", Run: m.checkConfigFiles},
		pipeline.Step{Name: "check_block_device", Run: m.checkBlockDevice},
		pipeline.Step{Name: "check_device_mounts", Run: m.checkDeviceMounts},
		pipeline.Step{Name: "check_packages", Run: m.checkPackages},
		pipeline.Step{Name: "check_repositories", Run: m.checkRepositories},
		pipeline.Step{Name: "ensure_defconfig", Run: m.ensureDefconfig},
		pipeline.Step{Name: "ensure_build_dir", Run: m.ensureBuildDir},
	)
	return p.Run(ctx)
}

// checkNetwork probes a known external host. Everything downstream needs
// the network for clones and package installs.
func (m *Manager) checkNetwork(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", m.cfg.ProbeAddr, m.cfg.ProbeTimeout)
	if err != nil {
		slog.Error("network_probe_failed", "addr", m.cfg.ProbeAddr, "error", err)
		return errors.Wrap(err, "unable to verify internet connection")
	}
	conn.Close()
	slog.Info("network_probe_ok", "addr", m.cfg.ProbeAddr)
	return nil
}

// RequiredConfigFiles returns the files that must be present in the config
// dir for this defconfig.
func (m *Manager) RequiredConfigFiles() []string {
	return []string{m.cfg.Defconfig, "boot.scr", "expansion-board-overlay.dtbo"}
}

// checkConfigFiles verifies the required subset of kernel_config files is
// present. Extra files in the directory are tolerated. When a file is
// missing and a mirror is configured, a fetch is attempted before failing.
func (m *Manager) checkConfigFiles(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.ConfigDir)
	if err != nil {
		slog.Error("config_dir_unreadable", "dir", m.cfg.ConfigDir, "error", err)
		return errors.Wrap(err, "error accessing config directory")
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	for _, name := range m.RequiredConfigFiles() {
		if present[name] {
			continue
		}
		if m.cfg.Mirror == nil {
			slog.Error("config_file_missing", "file", name, "dir", m.cfg.ConfigDir)
			return fmt.Errorf("required config file %s not found in %s", name, m.cfg.ConfigDir)
		}

		slog.Info("config_file_missing_trying_mirror", "file", name)
		ok, err := m.cfg.Mirror.Exists(ctx, name)
		if err != nil {
			return errors.Wrap(err, "mirror lookup failed for "+name)
		}
		if !ok {
			return fmt.Errorf("required config file %s missing locally and on mirror", name)
		}
		if _, err := m.cfg.Mirror.Download(ctx, name, filepath.Join(m.cfg.ConfigDir, name)); err != nil {
			return errors.Wrap(err, "mirror download failed for "+name)
		}
	}

	slog.Info("config_files_ok", "dir", m.cfg.ConfigDir)
	return nil
}

// checkBlockDevice confirms the target device is attached, by name.
func (m *Manager) checkBlockDevice(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.SysBlockDir)
	if err != nil {
		return errors.Wrap(err, "unable to enumerate block devices")
	}

	name := filepath.Base(m.cfg.Device)
	for _, e := range entries {
		if e.Name() == name {
			slog.Info("block_device_found", "device", m.cfg.Device)
			return nil
		}
	}

	slog.Error("block_device_not_found", "device", m.cfg.Device)
	return fmt.Errorf("device %s not detected in system block devices", m.cfg.Device)
}

// checkDeviceMounts verifies the device (and its partitions) is unmounted
// and the fixed mount point is free.
func (m *Manager) checkDeviceMounts(ctx context.Context) error {
	data, err := os.ReadFile(m.cfg.ProcMountsPath)
	if err != nil {
		return errors.Wrap(err, "unable to read mount table")
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mounted, mountPoint := fields[0], fields[1]
		if strings.HasPrefix(mounted, m.cfg.Device) || mountPoint == m.cfg.MountPoint {
			slog.Error("mount_conflict", "mounted", mounted, "mount_point", mountPoint)
			return fmt.Errorf("%s mounted on %s: %s must be free and %s must not be mounted",
				mounted, mountPoint, m.cfg.MountPoint, m.cfg.Device)
		}
	}

	slog.Info("mounts_ok", "mount_point", m.cfg.MountPoint, "device", m.cfg.Device)
	return nil
}

// checkPackages verifies each required host package, installing any that
// are missing. A failed install halts the pipeline.
func (m *Manager) checkPackages(ctx context.Context) error {
	for _, pkg := range Packages {
		res := m.r.Run(ctx, runner.Command{Argv: []string{"dpkg", "-s", pkg}})
		if res.Success {
			slog.Info("package_present", "package", pkg)
			continue
		}

		slog.Info("package_missing_installing", "package", pkg)
		res = m.r.Run(ctx, runner.Command{Argv: []string{"sudo", "apt-get", "install", "-y", pkg}})
		if !res.Success {
			slog.Error("package_install_failed", "package", pkg)
			return errors.Wrap(res.Err(), "failed to install "+pkg)
		}
		slog.Info("package_installed", "package", pkg)
	}
	return nil
}

// checkRepositories ensures the repo dir exists and clones any missing
// source trees.
func (m *Manager) checkRepositories(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.RepoDir, 0755); err != nil {
		return errors.Wrap(err, "unable to create repositories directory")
	}

	for _, repo := range Repositories {
		dest := filepath.Join(m.cfg.RepoDir, repo.Name)
		if _, err := os.Stat(dest); err == nil {
			slog.Info("repository_present", "repo", repo.Name)
			continue
		}

		slog.Info("repository_missing_cloning", "repo", repo.Name, "url", repo.URL)
		argv := []string{"git", "clone", repo.URL}
		if repo.Name == "linux" {
			argv = append(argv, "--depth=1")
		}
		argv = append(argv, dest)

		res := m.r.Run(ctx, runner.Command{Argv: argv})
		if !res.Success {
			slog.Error("repository_clone_failed", "repo", repo.Name)
			return errors.Wrap(res.Err(), "unable to clone "+repo.Name)
		}
		slog.Info("repository_cloned", "repo", repo.Name)
	}
	return nil
}

// ensureDefconfig copies the build configuration fragment into the kernel
// tree when absent.
func (m *Manager) ensureDefconfig(ctx context.Context) error {
	target := filepath.Join(m.cfg.RepoDir, "linux", "arch", "arm64", "configs", m.cfg.Defconfig)
	if _, err := os.Stat(target); err == nil {
		slog.Info("defconfig_present", "path", target)
		return nil
	}

	source := filepath.Join(m.cfg.ConfigDir, m.cfg.Defconfig)
	slog.Info("defconfig_copying", "source", source, "target", target)
	res := m.r.Run(ctx, runner.Command{Argv: []string{"sudo", "cp", source, target}})
	if !res.Success {
		return errors.Wrap(res.Err(), "unable to copy defconfig into kernel tree")
	}
	return nil
}

// ensureBuildDir creates the scratch build directory if needed.
func (m *Manager) ensureBuildDir(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.BuildDir, 0755); err != nil {
		return errors.Wrap(err, "unable to create build directory")
	}
	slog.Info("build_dir_ready", "dir", m.cfg.BuildDir)
	return nil
}
