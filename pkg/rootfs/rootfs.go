// Package rootfs bootstraps and customizes the Debian root filesystem on
// the mounted root partition.
package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opz3-tools/opz3-imager/pkg/blockdev"
	"github.com/opz3-tools/opz3-imager/pkg/pipeline"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
)

// fstab entries for the two-partition layout the provisioner creates.
const fstabContent = "none  /tmp\ttmpfs\tdefaults,noatime,mode=1777\t0\t0\n" +
	"/dev/mmcblk0p2\t/\t    ext4\tdefaults\t0\t1\n" +
	"/dev/mmcblk0p1\t/boot\tvfat\tdefaults\t0\t2"

// aptSources returns the upstream package source lines for a release.
func aptSources(release string) string {
	lines := []string{
		"deb http://deb.debian.org/debian %s main non-free-firmware",
		"deb-src http://deb.debian.org/debian %s main non-free-firmware",
		"deb http://deb.debian.org/debian-security/ %s-security main non-free-firmware",
		"deb-src http://deb.debian.org/debian-security/ %s-security main non-free-firmware",
		"deb http://deb.debian.org/debian %s-updates main non-free-firmware",
		"deb-src http://deb.debian.org/debian %s-updates main non-free-firmware",
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf(l, release)
	}
	return strings.Join(out, "\n")
}

// starterPackages are installed into the chroot for first-boot networking
// and USB support.
var starterPackages = []string{"network-manager", "wpasupplicant", "iw", "usbutils"}

// Manager composes the root filesystem on the root partition.
type Manager struct {
	r          runner.Runner
	device     blockdev.Device
	mountPoint string
	release    string
	hostname   string
	password   string

	mounted bool
}

// NewManager creates a rootfs manager.
func NewManager(r runner.Runner, device blockdev.Device, mountPoint, release, hostname, password string) *Manager {
	slog.Info("rootfs_manager_init", "partition", device.RootPartition(), "release", release)
	return &Manager{
		r:          r,
		device:     device,
		mountPoint: mountPoint,
		release:    release,
		hostname:   hostname,
		password:   password,
	}
}

// chrootArgv prefixes a command so it runs inside the mounted tree.
func (m *Manager) chrootArgv(argv ...string) []string {
	return append([]string{"sudo", "chroot", m.mountPoint}, argv...)
}

// Compose mounts the root partition, runs the two-stage bootstrap and
// customization steps, and unmounts. Any failure after the mount triggers
// exactly one best-effort unmount before the failure is returned; the
// mount point is never left mounted on error.
func (m *Manager) Compose(ctx context.Context) error {
	p := pipeline.New("compose_rootfs",
		pipeline.Step{Name: "mount_root", Run: m.mount},
		pipeline.Step{Name: "bootstrap_stage_1", Run: m.bootstrapStage1},
		pipeline.Step{Name: "bootstrap_stage_2", Run: m.bootstrapStage2},
		pipeline.Step{Name: "set_root_password", Run: m.setRootPassword},
		pipeline.Step{Name: "set_hostname", Run: m.setHostname},
		pipeline.Step{Name: "enable_serial_console", Run: m.enableSerialConsole},
		pipeline.Step{Name: "write_fstab", Run: m.writeFstab},
		pipeline.Step{Name: "write_apt_sources", Run: m.writeAptSources},
		pipeline.Step{Name: "install_starter_packages", Run: m.installStarterPackages},
		pipeline.Step{Name: "cleanup_chroot", Run: m.cleanupChroot},
		pipeline.Step{Name: "unmount_root", Run: m.unmount},
	).WithCleanup(m.unmountOnFailure)
	return p.Run(ctx)
}

func (m *Manager) mount(ctx context.Context) error {
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

// unmountOnFailure releases the mount obligation without inspecting the
// unmount's own outcome.
func (m *Manager) unmountOnFailure(ctx context.Context) {
	if !m.mounted {
		return
	}
	slog.Info("rootfs_unmount_on_failure", "mount_point", m.mountPoint)
	blockdev.Unmount(ctx, m.r, m.mountPoint)
	m.mounted = false
}

func (m *Manager) bootstrapStage1(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "debootstrap", "--arch=arm64", "--foreign", m.release, m.mountPoint},
	})
	return res.Err()
}

func (m *Manager) bootstrapStage2(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: m.chrootArgv("/debootstrap/debootstrap", "--second-stage"),
	})
	return res.Err()
}

func (m *Manager) setRootPassword(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv:  m.chrootArgv("passwd"),
		Input: m.password + "\n" + m.password + "\n",
	})
	return res.Err()
}

// setHostname needs shell redirection inside the chroot.
func (m *Manager) setHostname(ctx context.Context) error {
	cmd := strings.Join(m.chrootArgv("echo", m.hostname, ">", "/etc/hostname"), " ")
	res := m.r.Run(ctx, runner.Command{Shell: cmd})
	return res.Err()
}

func (m *Manager) enableSerialConsole(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: m.chrootArgv("systemctl", "enable", "serial-getty@ttyS0.service"),
	})
	return res.Err()
}

// writeFstab and writeAptSources embed the payload's real tabs and
// newlines inside the quoted shell word. Escape sequences must not reach
// echo; whether it expands them depends on which shell backs sh.
func (m *Manager) writeFstab(ctx context.Context) error {
	cmd := strings.Join(m.chrootArgv("echo", "\""+fstabContent+"\"", ">", "/etc/fstab"), " ")
	res := m.r.Run(ctx, runner.Command{Shell: cmd})
	return res.Err()
}

func (m *Manager) writeAptSources(ctx context.Context) error {
	cmd := strings.Join(m.chrootArgv("echo", "\""+aptSources(m.release)+"\"", ">", "/etc/apt/sources.list"), " ")
	res := m.r.Run(ctx, runner.Command{Shell: cmd})
	return res.Err()
}

func (m *Manager) installStarterPackages(ctx context.Context) error {
	argv := m.chrootArgv(append([]string{"apt-get", "install", "-y"}, starterPackages...)...)
	res := m.r.Run(ctx, runner.Command{Argv: argv})
	return res.Err()
}

// cleanupChroot clears the package cache and removes the resolv.conf that
// debootstrap left pointing at the host.
func (m *Manager) cleanupChroot(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{Argv: m.chrootArgv("apt-get", "clean")})
	if !res.Success {
		return res.Err()
	}
	res = m.r.Run(ctx, runner.Command{Argv: m.chrootArgv("rm", "/etc/resolv.conf")})
	return res.Err()
}
