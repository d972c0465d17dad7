package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/google/uuid"
)

// StateRepo implements state.Store on the single-row run_state table
type StateRepo struct {
	client   *Client
	defaults models.NotificationSettings
}

var _ state.Store = (*StateRepo)(nil)

// NewStateRepo creates a run-state repository. defaults are reported until
// notification settings are saved for the first time.
func NewStateRepo(client *Client, defaults models.NotificationSettings) *StateRepo {
	return &StateRepo{client: client, defaults: defaults}
}

// State returns the current run state
func (r *StateRepo) State(ctx context.Context) (models.RunState, error) {
	var st models.RunState
	var status string
	var notifications []byte

	if r.client.pool == nil {
		return st, ErrNotConnected
	}
	err := r.client.pool.QueryRow(ctx, `
		SELECT last_file_number, status, claimed_at, last_import_time, prevent_auto_import, reset_performed_at, notifications
		FROM run_state WHERE id = 1
	`).Scan(&st.LastFileNumber, &status, &st.ClaimedAt, &st.LastImportTime, &st.PreventAutoImport, &st.ResetPerformedAt, &notifications)
	if err != nil {
		return st, fmt.Errorf("failed to read run state: %w", err)
	}
	st.Status = models.RunStatus(status)

	st.Notifications = r.defaults
	if len(notifications) > 0 {
		if err := json.Unmarshal(notifications, &st.Notifications); err != nil {
			return st, fmt.Errorf("failed to decode notification settings: %w", err)
		}
	}
	return st, nil
}

// ClaimRun moves the status to running with a single conditional update.
// A running claim whose heartbeat is older than lease is taken over.
func (r *StateRepo) ClaimRun(ctx context.Context, lease time.Duration) error {
	if r.client.pool == nil {
		return ErrNotConnected
	}
	tag, err := r.client.pool.Exec(ctx, `
		UPDATE run_state SET status = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = 1 AND (
			status <> $1
			OR ($2::float8 > 0 AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2::float8)))
		)
	`, string(models.StatusRunning), lease.Seconds())
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrAlreadyRunning
	}
	return nil
}

// Heartbeat refreshes claimed_at while the status is running
func (r *StateRepo) Heartbeat(ctx context.Context) error {
	if r.client.pool == nil {
		return ErrNotConnected
	}
	_, err := r.client.pool.Exec(ctx, `
		UPDATE run_state SET claimed_at = NOW() WHERE id = 1 AND status = $1
	`, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to refresh run claim: %w", err)
	}
	return nil
}

func (r *StateRepo) SetStatus(ctx context.Context, status models.RunStatus) error {
	return r.exec(ctx, `
		UPDATE run_state SET status = $1,
			claimed_at = CASE WHEN $1 = 'running' THEN NOW() ELSE claimed_at END,
			updated_at = NOW()
		WHERE id = 1
	`, string(status))
}

func (r *StateRepo) SetLastFile(ctx context.Context, n int) error {
	return r.exec(ctx, `UPDATE run_state SET last_file_number = $1, updated_at = NOW() WHERE id = 1`, n)
}

func (r *StateRepo) SetLastImportTime(ctx context.Context, t time.Time) error {
	return r.exec(ctx, `UPDATE run_state SET last_import_time = $1, updated_at = NOW() WHERE id = 1`, t)
}

func (r *StateRepo) DisableAutoImport(ctx context.Context, at time.Time) error {
	return r.exec(ctx, `
		UPDATE run_state SET prevent_auto_import = TRUE, reset_performed_at = $1, updated_at = NOW()
		WHERE id = 1
	`, at)
}

func (r *StateRepo) EnableAutoImport(ctx context.Context) error {
	return r.exec(ctx, `
		UPDATE run_state SET prevent_auto_import = FALSE, reset_performed_at = NULL, updated_at = NOW()
		WHERE id = 1
	`)
}

func (r *StateRepo) NotificationSettings(ctx context.Context) (models.NotificationSettings, error) {
	st, err := r.State(ctx)
	if err != nil {
		return models.NotificationSettings{}, err
	}
	return st.Notifications, nil
}

func (r *StateRepo) SaveNotifications(ctx context.Context, settings models.NotificationSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE run_state SET notifications = $1, updated_at = NOW() WHERE id = 1`, data)
}

func (r *StateRepo) ResetRunState(ctx context.Context) error {
	return r.exec(ctx, `
		UPDATE run_state SET last_file_number = 0, status = $1, claimed_at = NULL, last_import_time = NULL, updated_at = NOW()
		WHERE id = 1
	`, string(models.StatusIdle))
}

func (r *StateRepo) exec(ctx context.Context, query string, args ...any) error {
	if r.client.pool == nil {
		return ErrNotConnected
	}
	tag, err := r.client.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run state row missing, run migrations first")
	}
	return nil
}

// RunLogRepo implements state.RunLog on the import_runs table
type RunLogRepo struct {
	client *Client
}

var _ state.RunLog = (*RunLogRepo)(nil)

// NewRunLogRepo creates a run log repository
func NewRunLogRepo(client *Client) *RunLogRepo {
	return &RunLogRepo{client: client}
}

// Record appends a run log entry
func (r *RunLogRepo) Record(ctx context.Context, entry models.ImportLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ImportedAt.IsZero() {
		entry.ImportedAt = time.Now()
	}

	_, err := r.client.pool.Exec(ctx, `
		INSERT INTO import_runs (id, file_name, imported_at, imported, updated, failed, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.FileName, entry.ImportedAt, entry.Imported, entry.Updated, entry.Failed,
		string(entry.Status), entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record import run: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit of zero returns all.
func (r *RunLogRepo) Recent(ctx context.Context, limit int) ([]models.ImportLogEntry, error) {
	query := `
		SELECT id::text, file_name, imported_at, imported, updated, failed, status, error_message
		FROM import_runs
		ORDER BY imported_at DESC, id
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query import runs: %w", err)
	}
	defer rows.Close()

	var out []models.ImportLogEntry
	for rows.Next() {
		var e models.ImportLogEntry
		var status string
		if err := rows.Scan(&e.ID, &e.FileName, &e.ImportedAt, &e.Imported, &e.Updated, &e.Failed, &status, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan import run: %w", err)
		}
		e.Status = models.RunStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear removes every run log entry
func (r *RunLogRepo) Clear(ctx context.Context) (int, error) {
	tag, err := r.client.pool.Exec(ctx, `DELETE FROM import_runs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear import runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
