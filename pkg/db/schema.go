package db

// Schema defines the SQLite database schema for provisioning runs. Each
// row journals one attempt to image a block device: which device and
// defconfig were selected, the stage the run reached, and its outcome.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device TEXT NOT NULL,
    defconfig TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'complete', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_device ON runs(device);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Status constants
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run represents one provisioning run record
type Run struct {
	ID           int64
	Device       string
	Defconfig    string
	Stage        string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
