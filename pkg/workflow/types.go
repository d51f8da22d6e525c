package workflow

// ProvisionRequest is the FSM input
type ProvisionRequest struct {
	Device    string
	Defconfig string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From CheckRun
	RunID int64

	// Artifact paths recorded as stages complete
	SPLPath   string
	ImagePath string
	DTBPath   string

	// From Complete/Failed
	Stage        string
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckRun        = "check_run"
	StateValidate        = "validate"
	StateBuildBootloader = "build_bootloader"
	StateProvisionDevice = "provision_device"
	StateBuildKernel     = "build_kernel"
	StateComposeRootfs   = "compose_rootfs"
	StateInstall         = "install"
	StateComplete        = "complete"
	StateFailed          = "failed"
)
