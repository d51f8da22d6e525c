// Package workflow implements the top-level provisioning state machine.
// It drives environment validation, the two build stages, device
// provisioning, root filesystem composition, and installation in strict
// order, halting at the first failing stage, using the superfly/fsm
// library for durable execution.
package workflow

import (
	"context"

	"github.com/opz3-tools/opz3-imager/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, "provision").
		Start(StateCheckRun, m.handleCheckRun).
		To(StateValidate, m.handleValidate).
		To(StateBuildBootloader, m.handleBuildBootloader).
		To(StateProvisionDevice, m.handleProvisionDevice).
		To(StateBuildKernel, m.handleBuildKernel).
		To(StateComposeRootfs, m.handleComposeRootfs).
		To(StateInstall, m.handleInstall).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
