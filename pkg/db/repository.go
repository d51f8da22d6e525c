package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/opz3-tools/opz3-imager/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for provisioning runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record
func (r *Repository) Create(run *Run) error {
	slog.Info("database_create_run", "device", run.Device, "defconfig", run.Defconfig, "status", run.Status)

	query := `
		INSERT INTO runs (device, defconfig, stage, status, error_message)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.Device, run.Defconfig, run.Stage, run.Status, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "device", run.Device, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "device", run.Device, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("database_run_created", "run_id", run.ID, "device", run.Device, "status", run.Status)
	return nil
}

// UpdateStage records the stage a run has reached
func (r *Repository) UpdateStage(id int64, stage string) error {
	slog.Info("database_update_stage", "run_id", id, "stage", stage)

	query := `UPDATE runs SET stage = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, stage, id)
	if err != nil {
		slog.Error("database_stage_update_failed", "run_id", id, "stage", stage, "error", err)
		return errors.Wrap(err, "failed to update stage")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", id)
		return fmt.Errorf("run not found: id=%d", id)
	}

	return nil
}

// UpdateStatus updates the status and error message of a run
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "run_id", id, "status", status)

	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	slog.Info("database_status_updated", "run_id", id, "status", status)
	return nil
}

// GetLatestByDevice retrieves the most recent run for a device, or nil
func (r *Repository) GetLatestByDevice(device string) (*Run, error) {
	slog.Info("database_query_run", "device", device)

	query := `
		SELECT id, device, defconfig, stage, status, error_message, created_at, updated_at
		FROM runs WHERE device = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`
	var run Run
	var errorMessage sql.NullString

	err := r.db.QueryRow(query, device).Scan(
		&run.ID, &run.Device, &run.Defconfig, &run.Stage, &run.Status,
		&errorMessage, &run.CreatedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		slog.Info("database_run_not_found", "device", device)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "device", device, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}

	run.ErrorMessage = errorMessage.String

	slog.Info("database_run_found", "device", device, "run_id", run.ID, "status", run.Status)
	return &run, nil
}

// List retrieves all runs, newest first
func (r *Repository) List() ([]*Run, error) {
	slog.Info("database_list_runs")

	query := `
		SELECT id, device, defconfig, stage, status, error_message, created_at, updated_at
		FROM runs ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var errorMessage sql.NullString

		err := rows.Scan(
			&run.ID, &run.Device, &run.Defconfig, &run.Stage, &run.Status,
			&errorMessage, &run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}

		run.ErrorMessage = errorMessage.String
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// Delete removes a run by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_run", "run_id", id)

	query := `DELETE FROM runs WHERE id = ?`
	_, err := r.db.Exec(query, id)
	if err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}

	return nil
}
