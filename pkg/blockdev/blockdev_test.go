package blockdev

import (
	"context"
	"testing"

	"github.com/opz3-tools/opz3-imager/pkg/runner"
)

func TestDevice_Partitions(t *testing.T) {
	d := Device{Path: "/dev/sdb"}
	if got := d.BootPartition(); got != "/dev/sdb1" {
		t.Errorf("boot partition = %s, want /dev/sdb1", got)
	}
	if got := d.RootPartition(); got != "/dev/sdb2" {
		t.Errorf("root partition = %s, want /dev/sdb2", got)
	}
}

func TestProvision_CommandSequence(t *testing.T) {
	f := runner.NewFakeRunner()
	m := NewManager(f, Device{Path: "/dev/sdb"}, "/work/u-boot-sunxi-with-spl.bin")

	if err := m.Provision(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"sudo dd if=/dev/zero of=/dev/sdb bs=1M count=1",
		"sudo dd if=/work/u-boot-sunxi-with-spl.bin of=/dev/sdb bs=1024 seek=8",
		"sudo blockdev --rereadpt /dev/sdb",
		"sudo sfdisk /dev/sdb",
		"sudo mkfs.vfat /dev/sdb1",
		"sudo mkfs.ext4 /dev/sdb2",
	}
	if len(f.Calls) != len(want) {
		t.Fatalf("expected %d commands, got %d", len(want), len(f.Calls))
	}
	for i, w := range want {
		if got := f.Calls[i].Line(); got != w {
			t.Errorf("command %d:\n got  %q\n want %q", i, got, w)
		}
	}
}

func TestProvision_SfdiskReceivesLayoutOnStdin(t *testing.T) {
	f := runner.NewFakeRunner()
	m := NewManager(f, Device{Path: "/dev/sdb"}, "/work/spl.bin")

	if err := m.Provision(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sfdisk *runner.Command
	for i := range f.Calls {
		if f.Calls[i].Line() == "sudo sfdisk /dev/sdb" {
			sfdisk = &f.Calls[i]
		}
	}
	if sfdisk == nil {
		t.Fatal("sfdisk never invoked")
	}
	if sfdisk.Input != "1M,64M,c\n,,L" {
		t.Errorf("sfdisk stdin = %q, want %q", sfdisk.Input, "1M,64M,c\n,,L")
	}
}

func TestProvision_SPLWriteFailureStopsBeforePartitioning(t *testing.T) {
	f := runner.NewFakeRunner()
	f.FailOn = []string{"seek=8"}
	m := NewManager(f, Device{Path: "/dev/sdb"}, "/work/spl.bin")

	if err := m.Provision(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := f.CallCount("sfdisk"); got != 0 {
		t.Errorf("partitioning must not run after SPL write failure, sfdisk calls: %d", got)
	}
	if got := f.CallCount("mkfs"); got != 0 {
		t.Errorf("formatting must not run after SPL write failure, mkfs calls: %d", got)
	}
}

func TestProvision_FormatFailureSurfaces(t *testing.T) {
	f := runner.NewFakeRunner()
	f.FailOn = []string{"mkfs.ext4"}
	m := NewManager(f, Device{Path: "/dev/sdb"}, "/work/spl.bin")

	if err := m.Provision(context.Background()); err == nil {
		t.Fatal("expected error from mkfs.ext4 failure")
	}
	if got := f.CallCount("mkfs.vfat"); got != 1 {
		t.Errorf("boot partition format ran %d times, want 1", got)
	}
}

func TestMountUnmount(t *testing.T) {
	f := runner.NewFakeRunner()

	if err := Mount(context.Background(), f, "/dev/sdb2", "/mnt"); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := Unmount(context.Background(), f, "/mnt"); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	if got := f.Calls[0].Line(); got != "sudo mount /dev/sdb2 /mnt" {
		t.Errorf("mount command: %q", got)
	}
	if got := f.Calls[1].Line(); got != "sudo umount /mnt" {
		t.Errorf("umount command: %q", got)
	}

	f.FailOn = []string{"umount"}
	if err := Unmount(context.Background(), f, "/mnt"); err == nil {
		t.Error("failed unmount must surface an error")
	}
}
