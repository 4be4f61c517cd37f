// Package db is the SQLite ledger of provisioning attempts. It backs the
// history command, residual-file cleanup and the durable pipeline driver.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tietjen/generate-linux-templates/pkg/errors"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

// Repository provides database operations for attempts
type Repository struct {
	db *sql.DB
}

var _ provision.Recorder = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveAttempt inserts the attempt or overwrites the stored row with the
// same ID.
func (r *Repository) SaveAttempt(ctx context.Context, a *provision.Attempt) error {
	slog.Debug("database_save_attempt", "attempt_id", a.ID, "image_key", a.ImageKey, "state", a.State)

	warnings, err := json.Marshal(a.Warnings)
	if err != nil {
		return errors.Wrap(err, "failed to encode warnings")
	}

	query := `
		INSERT INTO attempts (id, batch_id, image_key, template_id, state, failed_step, detail,
		                      cancelled, image_path, image_size, warnings, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    state = excluded.state,
		    failed_step = excluded.failed_step,
		    detail = excluded.detail,
		    cancelled = excluded.cancelled,
		    image_path = excluded.image_path,
		    image_size = excluded.image_size,
		    warnings = excluded.warnings,
		    finished_at = excluded.finished_at,
		    updated_at = CURRENT_TIMESTAMP
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.BatchID, a.ImageKey, a.TemplateID, string(a.State), a.FailedStep, a.Detail,
		a.Cancelled, a.ImagePath, a.ImageSize, string(warnings),
		formatTime(a.StartedAt), formatTime(a.FinishedAt))
	if err != nil {
		slog.Error("database_save_attempt_failed", "attempt_id", a.ID, "error", err)
		return errors.Wrap(err, "failed to save attempt")
	}
	return nil
}

const selectAttempt = `
	SELECT id, batch_id, image_key, template_id, state, failed_step, detail,
	       cancelled, image_path, image_size, warnings, started_at, finished_at
	FROM attempts
`

// GetAttempt retrieves an attempt by ID. It returns nil when none exists.
func (r *Repository) GetAttempt(ctx context.Context, id string) (*provision.Attempt, error) {
	slog.Debug("database_query_attempt", "attempt_id", id)

	a, err := scanAttempt(r.db.QueryRowContext(ctx, selectAttempt+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		slog.Info("database_attempt_not_found", "attempt_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "attempt_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query attempt")
	}
	return a, nil
}

// ListAttempts returns attempts newest first.
func (r *Repository) ListAttempts(ctx context.Context, f Filter) ([]*provision.Attempt, error) {
	slog.Debug("database_list_attempts", "image_key", f.ImageKey, "batch_id", f.BatchID, "limit", f.Limit)

	var where []string
	var args []any
	if f.ImageKey != "" {
		where = append(where, "image_key = ?")
		args = append(args, f.ImageKey)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := selectAttempt
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return r.query(ctx, query, args...)
}

// ListResidual returns finished attempts that still reference a local image
// file.
func (r *Repository) ListResidual(ctx context.Context) ([]*provision.Attempt, error) {
	slog.Debug("database_list_residual")

	query := selectAttempt + `
		WHERE image_path IS NOT NULL AND image_path != ''
		  AND state IN ('cleaned_up', 'failed', 'skipped_exists')
		ORDER BY started_at
	`
	return r.query(ctx, query)
}

// ClearImagePath marks the attempt's local image as removed.
func (r *Repository) ClearImagePath(ctx context.Context, id string) error {
	query := `UPDATE attempts SET image_path = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		slog.Error("database_clear_image_path_failed", "attempt_id", id, "error", err)
		return errors.Wrap(err, "failed to clear image path")
	}
	slog.Info("database_image_path_cleared", "attempt_id", id)
	return nil
}

// PruneBefore deletes finished attempts that started before cutoff and
// returns how many rows were removed.
func (r *Repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	slog.Info("database_prune_attempts", "cutoff", cutoff)

	query := `
		DELETE FROM attempts
		WHERE started_at < ? AND state IN ('cleaned_up', 'failed', 'skipped_exists')
		  AND (image_path IS NULL OR image_path = '')
	`
	result, err := r.db.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		slog.Error("database_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune attempts")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_attempts_pruned", "count", rows)
	return rows, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*provision.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var attempts []*provision.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "attempt_count", len(attempts))
	return attempts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*provision.Attempt, error) {
	var a provision.Attempt
	var state, startedAt string
	var failedStep, detail, imagePath, warnings, finishedAt sql.NullString

	err := s.Scan(
		&a.ID, &a.BatchID, &a.ImageKey, &a.TemplateID, &state, &failedStep, &detail,
		&a.Cancelled, &imagePath, &a.ImageSize, &warnings, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	a.State = provision.State(state)
	a.FailedStep = failedStep.String
	a.Detail = detail.String
	a.ImagePath = imagePath.String
	a.StartedAt = parseTime(startedAt)
	a.FinishedAt = parseTime(finishedAt.String)

	if warnings.String != "" && warnings.String != "null" {
		if err := json.Unmarshal([]byte(warnings.String), &a.Warnings); err != nil {
			return nil, errors.Wrap(err, "failed to decode warnings")
		}
	}
	return &a, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
