// Package build drives cross-compilation of the trusted firmware,
// bootloader, kernel image, device tree, and modules.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opz3-tools/opz3-imager/pkg/pipeline"
	"github.com/opz3-tools/opz3-imager/pkg/runner"
)

// Cross-compilation environment for the Allwinner H618. These are
// architecture-mandated and never vary per run.
const (
	ArchFlag     = "ARCH=arm64"
	CrossCompile = "CROSS_COMPILE=aarch64-linux-gnu-"
	TFAPlatform  = "PLAT=sun50i_h616"
	UBootConfig  = "orangepi_zero3_defconfig"
)

// Artifacts names every build output, relative to the repo dir. Existence
// of an artifact makes the corresponding build step a no-op.
type Artifacts struct {
	BL31  string
	SPL   string
	Image string
	DTB   string
}

// ArtifactsFor derives the artifact set from the repo dir.
func ArtifactsFor(repoDir string) Artifacts {
	return Artifacts{
		BL31:  filepath.Join(repoDir, "arm-trusted-firmware", "build", "sun50i_h616", "debug", "bl31.bin"),
		SPL:   filepath.Join(repoDir, "u-boot", "u-boot-sunxi-with-spl.bin"),
		Image: filepath.Join(repoDir, "linux", "arch", "arm64", "boot", "Image"),
		DTB:   filepath.Join(repoDir, "linux", "arch", "arm64", "boot", "dts", "allwinner", "sun50i-h618-orangepi-zero3.dtb"),
	}
}

// Manager runs the bootloader and kernel build stages.
type Manager struct {
	r         runner.Runner
	repoDir   string
	defconfig string
	artifacts Artifacts
	jobs      int
}

// NewManager creates a build manager. jobs 0 means probe the host core
// count once; the probe defaults to 1 when it fails.
func NewManager(ctx context.Context, r runner.Runner, repoDir, defconfig string, jobs int) *Manager {
	m := &Manager{
		r:         r,
		repoDir:   repoDir,
		defconfig: defconfig,
		artifacts: ArtifactsFor(repoDir),
		jobs:      jobs,
	}
	if m.jobs == 0 {
		m.jobs = m.probeNproc(ctx)
	}
	slog.Info("build_manager_init", "defconfig", defconfig, "jobs", m.jobs)
	return m
}

// Artifacts returns the expected build outputs.
func (m *Manager) Artifacts() Artifacts {
	return m.artifacts
}

// Jobs returns the resolved build parallelism.
func (m *Manager) Jobs() int {
	return m.jobs
}

func (m *Manager) probeNproc(ctx context.Context) int {
	res := m.r.Run(ctx, runner.Command{Argv: []string{"nproc"}})
	if !res.Success {
		slog.Info("nproc_probe_failed_defaulting", "jobs", 1)
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || n < 1 {
		slog.Info("nproc_parse_failed_defaulting", "output", res.Stdout, "jobs", 1)
		return 1
	}
	slog.Info("nproc_probe_ok", "jobs", n)
	return n
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BuildBootloader builds bl31 and the u-boot-with-SPL image. Each step is
// skipped when its artifact already exists. Partial artifacts from a
// failed stage are left in place for diagnosis.
func (m *Manager) BuildBootloader(ctx context.Context) error {
	p := pipeline.New("build_bootloader",
		pipeline.Step{Name: "make_bl31", Run: m.makeBL31},
		pipeline.Step{Name: "make_uboot", Run: m.makeUboot},
	)
	return p.Run(ctx)
}

// BuildKernel applies the defconfig then builds the kernel image, device
// tree blob, and modules. Image and DTB builds are skipped when their
// outputs exist; the module build always runs.
func (m *Manager) BuildKernel(ctx context.Context) error {
	p := pipeline.New("build_kernel",
		pipeline.Step{Name: "apply_defconfig", Run: m.applyDefconfig},
		pipeline.Step{Name: "make_image", Run: m.makeImage},
		pipeline.Step{Name: "make_dtbs", Run: m.makeDTBs},
		pipeline.Step{Name: "make_modules", Run: m.makeModules},
	)
	return p.Run(ctx)
}

func (m *Manager) makeBL31(ctx context.Context) error {
	if exists(m.artifacts.BL31) {
		slog.Info("bl31_exists_skipping", "path", m.artifacts.BL31)
		return nil
	}

	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"make", CrossCompile, TFAPlatform, "DEBUG=1", "bl31"},
		Dir:  filepath.Join(m.repoDir, "arm-trusted-firmware"),
	})
	return res.Err()
}

func (m *Manager) makeUboot(ctx context.Context) error {
	if exists(m.artifacts.SPL) {
		slog.Info("spl_exists_skipping", "path", m.artifacts.SPL)
		return nil
	}

	bl31Flag := "BL31=../arm-trusted-firmware/build/sun50i_h616/debug/bl31.bin"
	dir := filepath.Join(m.repoDir, "u-boot")

	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"make", CrossCompile, bl31Flag, UBootConfig},
		Dir:  dir,
	})
	if !res.Success {
		return res.Err()
	}

	res = m.r.Run(ctx, runner.Command{
		Argv: []string{"make", CrossCompile, bl31Flag},
		Dir:  dir,
	})
	return res.Err()
}

func (m *Manager) applyDefconfig(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", ArchFlag, CrossCompile, "make", m.defconfig},
		Dir:  filepath.Join(m.repoDir, "linux"),
	})
	return res.Err()
}

func (m *Manager) makeImage(ctx context.Context) error {
	if exists(m.artifacts.Image) {
		slog.Info("image_exists_skipping", "path", m.artifacts.Image)
		return nil
	}

	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", ArchFlag, CrossCompile, "make", "Image", m.jobsFlag()},
		Dir:  filepath.Join(m.repoDir, "linux"),
	})
	return res.Err()
}

func (m *Manager) makeDTBs(ctx context.Context) error {
	if exists(m.artifacts.DTB) {
		slog.Info("dtb_exists_skipping", "path", m.artifacts.DTB)
		return nil
	}

	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", ArchFlag, CrossCompile, "make", "dtbs", m.jobsFlag()},
		Dir:  filepath.Join(m.repoDir, "linux"),
	})
	return res.Err()
}

func (m *Manager) makeModules(ctx context.Context) error {
	res := m.r.Run(ctx, runner.Command{
		Argv: []string{"sudo", ArchFlag, CrossCompile, "make", "modules", m.jobsFlag()},
		Dir:  filepath.Join(m.repoDir, "linux"),
	})
	return res.Err()
}

func (m *Manager) jobsFlag() string {
	return fmt.Sprintf("-j%d", m.jobs)
}
