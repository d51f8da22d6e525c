package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/opz3-tools/opz3-imager/pkg/db"
	"github.com/superfly/fsm"
)

func newJournal(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// TestHandleCheckRun drives the first state against a real journal: only a
// complete latest run for the device short-circuits; anything else creates
// a fresh running run.
func TestHandleCheckRun(t *testing.T) {
	tests := []struct {
		name             string
		seedStatus       string // empty means no previous run
		wantShortCircuit bool
	}{
		{"no previous run", "", false},
		{"previous run failed", db.StatusFailed, false},
		{"previous run still running", db.StatusRunning, false},
		{"previous run complete", db.StatusComplete, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newJournal(t)

			var seeded int64
			if tt.seedStatus != "" {
				run := &db.Run{
					Device:    "/dev/sdb",
					Defconfig: "opz3_defconfig",
					Stage:     StateComplete,
					Status:    tt.seedStatus,
				}
				if err := repo.Create(run); err != nil {
					t.Fatalf("failed to seed run: %v", err)
				}
				seeded = run.ID
			}

			m := NewMachine(repo, nil, nil, nil, nil, nil, 5)
			req := &ProvisionRequest{Device: "/dev/sdb", Defconfig: "opz3_defconfig"}
			resp := &ProvisionResponse{}

			out, err := m.handleCheckRun(context.Background(), fsm.NewRequest(req, resp))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out == nil {
				t.Fatal("expected a response")
			}

			runs, err := repo.List()
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}

			if tt.wantShortCircuit {
				if resp.Status != db.StatusComplete || resp.Stage != StateComplete {
					t.Errorf("complete run should short-circuit, got status=%s stage=%s", resp.Status, resp.Stage)
				}
				if resp.RunID != seeded {
					t.Errorf("short-circuit should reuse run %d, got %d", seeded, resp.RunID)
				}
				if len(runs) != 1 {
					t.Errorf("short-circuit must not create a run, journal has %d", len(runs))
				}
				return
			}

			if resp.Status != db.StatusRunning {
				t.Errorf("new run status = %s, want %s", resp.Status, db.StatusRunning)
			}
			if resp.RunID == 0 || resp.RunID == seeded {
				t.Errorf("a fresh run should be journaled, run_id = %d", resp.RunID)
			}
			wantRuns := 1
			if tt.seedStatus != "" {
				wantRuns = 2
			}
			if len(runs) != wantRuns {
				t.Errorf("journal has %d runs, want %d", len(runs), wantRuns)
			}
		})
	}
}

// TestHandleCheckRun_OtherDeviceIgnored verifies the short-circuit is keyed
// per device.
func TestHandleCheckRun_OtherDeviceIgnored(t *testing.T) {
	repo := newJournal(t)
	if err := repo.Create(&db.Run{
		Device:    "/dev/sdc",
		Defconfig: "opz3_defconfig",
		Stage:     StateComplete,
		Status:    db.StatusComplete,
	}); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	m := NewMachine(repo, nil, nil, nil, nil, nil, 5)
	req := &ProvisionRequest{Device: "/dev/sdb", Defconfig: "opz3_defconfig"}
	resp := &ProvisionResponse{}

	if _, err := m.handleCheckRun(context.Background(), fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != db.StatusRunning {
		t.Errorf("another device's run must not short-circuit, status = %s", resp.Status)
	}
}

// TestResponseAccumulation verifies artifact paths survive across stages.
func TestResponseAccumulation(t *testing.T) {
	resp := &ProvisionResponse{
		RunID:   7,
		SPLPath: "/work/repositories/u-boot/u-boot-sunxi-with-spl.bin",
	}

	// Simulate the kernel stage adding its outputs.
	resp.ImagePath = "/work/repositories/linux/arch/arm64/boot/Image"
	resp.DTBPath = "/work/repositories/linux/arch/arm64/boot/dts/allwinner/sun50i-h618-orangepi-zero3.dtb"

	if resp.RunID != 7 {
		t.Error("RunID should be preserved from check_run")
	}
	if resp.SPLPath == "" {
		t.Error("SPLPath should be preserved from the bootloader stage")
	}
	if resp.ImagePath == "" || resp.DTBPath == "" {
		t.Error("kernel stage outputs should be recorded")
	}
}

// TestFailureRecording verifies the terminal failure shape.
func TestFailureRecording(t *testing.T) {
	resp := &ProvisionResponse{RunID: 3, Stage: StateBuildKernel}

	// Simulate fail() without a journal.
	resp.Status = db.StatusFailed
	resp.ErrorMessage = "build_kernel: step make_image failed: scripted failure"

	if resp.Status != db.StatusFailed {
		t.Error("failed stage must set failed status")
	}
	if resp.ErrorMessage == "" {
		t.Error("failure must carry the stage error message")
	}
}
