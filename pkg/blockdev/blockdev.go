// Package blockdev destructively partitions and formats the target block
// device and writes the first-stage bootloader at its fixed offset.
package blockdev

import (
	"context"
	"log/slog"

	"github.com/opz3-tools/opz3-imager/pkg/pipeline"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
)

// PartitionSpec is fed verbatim to sfdisk: a small FAT boot partition at
// 1M and the remainder as a Linux partition. The boundary values are part
// of the board's boot contract and must not change.
const PartitionSpec = "1M,64M,c\n,,L"

// Device identifies the target block device and its derived partitions.
// It is referenced, never owned, by every component that touches the card.
type Device struct {
	Path string
}

// BootPartition returns the first (FAT boot) partition path.
func (d Device) BootPartition() string { return d.Path + "1" }

// RootPartition returns the second (root filesystem) partition path.
func (d Device) RootPartition() string { return d.Path + "2" }

// Manager prepares the block device for the bootable image.
type Manager struct {
	r       runner.Runner
	device  Device
	splPath string
}

// NewManager creates a block device manager. splPath is the prebuilt
// u-boot-with-SPL binary to write at the fixed offset.
func NewManager(r runner.Runner, device Device, splPath string) *Manager {
	slog.Info("blockdev_manager_init", "device", device.Path, "spl", splPath)
	return &Manager{r: r, device: device, splPath: splPath}
}

// Provision wipes the partition table, writes the SPL, and creates and
// formats the two partitions, strictly in that order. Irreversible. A
// failure leaves the device in whatever partial state it reached; there
// is no rollback at this layer.
func (m *Manager) Provision(ctx context.Context) error {
	p := pipeline.New("provision_device",
		pipeline.Step{Name: "wipe_partition_table", Run: m.wipePartitionTable},
		pipeline.Step{Name: "write_spl", Run: m.writeSPL},
		pipeline.Step{Name: "create_partitions", Run: m.createPartitions},
	)
	return p.Run(ctx)
}

// wipePartitionTable zeroes the first megabyte of the device.
func (m *Manager) wipePartitionTable(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv:   []string{"sudo", "dd", "if=/dev/zero", "of=" + m.device.Path, "bs=1M", "count=1"},
		Binary: true,
	})
	return res.Err()
}

// writeSPL writes the bootloader image in 1024-byte blocks, skipping the
// first 8 blocks reserved for the partition table region. This placement
// is what the H618 boot ROM expects.
func (m *Manager) writeSPL(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv:   []string{"sudo", "dd", "if=" + m.splPath, "of=" + m.device.Path, "bs=1024", "seek=8"},
		Binary: true,
	})
	return res.Err()
}

// createPartitions re-reads the partition table, writes the two-partition
// layout, and formats boot as FAT and root as ext4.
func (m *Manager) createPartitions(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "blockdev", "--rereadpt", m.device.Path},
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Argv:  []string{"sudo", "sfdisk", m.device.Path},
		Input: PartitionSpec,
	})
	if !res.Success {
		return res.Err()
	}
	slog.Info("partitions_created", "device", m.device.Path)

	res = m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "mkfs.vfat", m.device.BootPartition()},
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "mkfs.ext4", m.device.RootPartition()},
	})
	if !res.Success {
		return res.Err()
	}

	slog.Info("partitions_formatted", "device", m.device.Path)
	return nil
}

// Mount mounts a partition at the given mount point. Every mount in the
// application goes through here; rootfs and install never build their own
// device commands.
func Mount(ctx context.Context, r runner.Runner, partition, mountPoint string) error {
	res := r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "mount", partition, mountPoint},
	})
	return res.Err()
}

// Unmount unmounts whatever is at the mount point.
func Unmount(ctx context.Context, r runner.Runner, mountPoint string) error {
	res := r.Run(ctx, runner.Command{
		Argv: []string{"sudo", "umount", mountPoint},
	})
	return res.Err()
}
