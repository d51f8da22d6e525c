package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opz3-tools/opz3-imager/pkg/blockdev"
	"github.com/opz3-tools/opz3-imager/pkg/build"
	"github.com/opz3-tools/opz3-imager/pkg/db"
	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/opz3-tools/opz3-imager/pkg/install"
	"github.com/opz3-tools/opz3-imager/pkg/rootfs"
	"github.com/opz3-tools/opz3-imager/pkg/setup"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	setup      *setup.Manager
	builder    *build.Manager
	provision  *blockdev.Manager
	composer   *rootfs.Manager
	installer  *install.Manager
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	repo *db.Repository,
	setupMgr *setup.Manager,
	builder *build.Manager,
	provision *blockdev.Manager,
	composer *rootfs.Manager,
	installer *install.Manager,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		setup:      setupMgr,
		builder:    builder,
		provision:  provision,
		composer:   composer,
		installer:  installer,
		maxRetries: maxRetries,
	}
}

// checkRetries aborts the FSM once the retry budget is spent.
func (m *Machine) checkRetries(ctx context.Context, device string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "device", device, "max_retries", m.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
	}
	return nil
}

// fail journals the stage failure and aborts the FSM. Stage failures are
// terminal; no later stage runs.
func (m *Machine) fail(resp *ProvisionResponse, stage string, err error) (*fsm.Response[ProvisionResponse], error) {
	slog.Error("stage_failed", "stage", stage, "run_id", resp.RunID, "error", err)
	resp.Stage = stage
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if resp.RunID != 0 {
		m.repo.UpdateStatus(resp.RunID, db.StatusFailed, err.Error())
	}
	return nil, fsm.Abort(errors.Wrap(err, "unable to complete "+stage))
}

// enterStage journals the stage transition.
func (m *Machine) enterStage(resp *ProvisionResponse, stage string) {
	slog.Info("stage_start", "stage", stage, "run_id", resp.RunID)
	resp.Stage = stage
	if resp.RunID != 0 {
		m.repo.UpdateStage(resp.RunID, stage)
	}
}

// handleCheckRun journals a new run, or short-circuits when the latest
// run for this device already completed.
func (m *Machine) handleCheckRun(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_check_run", "device", req.Msg.Device)

	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ProvisionResponse{}
	}

	last, err := m.repo.GetLatestByDevice(req.Msg.Device)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "journal error"))
	}

	if last != nil && last.Status == db.StatusComplete {
		slog.Info("device_already_provisioned", "device", req.Msg.Device, "run_id", last.ID)
		resp.RunID = last.ID
		resp.Status = db.StatusComplete
		resp.Stage = StateComplete
		return fsm.NewResponse(resp), nil
	}

	run := &db.Run{
		Device:    req.Msg.Device,
		Defconfig: req.Msg.Defconfig,
		Stage:     StateCheckRun,
		Status:    db.StatusRunning,
	}
	if err := m.repo.Create(run); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to create run record"))
	}
	resp.RunID = run.ID
	resp.Status = db.StatusRunning

	slog.Info("run_created", "device", req.Msg.Device, "run_id", run.ID)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleValidate(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateValidate)
	if err := m.setup.Run(ctx); err != nil {
		return m.fail(resp, StateValidate, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleBuildBootloader(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateBuildBootloader)
	if err := m.builder.BuildBootloader(ctx); err != nil {
		return m.fail(resp, StateBuildBootloader, err)
	}
	resp.SPLPath = m.builder.Artifacts().SPL
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleProvisionDevice(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateProvisionDevice)
	if err := m.provision.Provision(ctx); err != nil {
		return m.fail(resp, StateProvisionDevice, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleBuildKernel(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateBuildKernel)
	if err := m.builder.BuildKernel(ctx); err != nil {
		return m.fail(resp, StateBuildKernel, err)
	}
	resp.ImagePath = m.builder.Artifacts().Image
	resp.DTBPath = m.builder.Artifacts().DTB
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleComposeRootfs(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateComposeRootfs)
	if err := m.composer.Compose(ctx); err != nil {
		return m.fail(resp, StateComposeRootfs, err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleInstall(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusComplete {
		return fsm.NewResponse(resp), nil
	}
	if err := m.checkRetries(ctx, req.Msg.Device); err != nil {
		return nil, fsm.Abort(err)
	}

	m.enterStage(resp, StateInstall)
	if err := m.installer.Install(ctx); err != nil {
		return m.fail(resp, StateInstall, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete journals the finished run.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &ProvisionResponse{}
	}
	if resp.Status == db.StatusComplete && resp.Stage == StateComplete {
		// Short-circuited in check_run; nothing to journal.
		return fsm.NewResponse(resp), nil
	}

	m.enterStage(resp, StateComplete)
	if err := m.repo.UpdateStatus(resp.RunID, db.StatusComplete, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusComplete

	slog.Info("fsm_complete", "device", req.Msg.Device, "run_id", resp.RunID)
	return fsm.NewResponse(resp), nil
}
