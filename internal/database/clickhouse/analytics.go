package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/badno/catalogsync/pkg/models"
	"github.com/google/uuid"
)

// RunRecord is one row of the import_runs table
type RunRecord struct {
	ID           uuid.UUID
	FileName     string
	ImportedAt   time.Time
	ImportedDate time.Time
	Imported     uint32
	Updated      uint32
	Failed       uint32
	Status       string
	ErrorMessage string
}

// NewRunRecord converts a run log entry. Entries without a parseable ID get a fresh one.
func NewRunRecord(entry models.ImportLogEntry) RunRecord {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		id = uuid.New()
	}
	at := entry.ImportedAt.UTC()
	return RunRecord{
		ID:           id,
		FileName:     entry.FileName,
		ImportedAt:   at,
		ImportedDate: time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC),
		Imported:     clampUint32(entry.Imported),
		Updated:      clampUint32(entry.Updated),
		Failed:       clampUint32(entry.Failed),
		Status:       string(entry.Status),
		ErrorMessage: entry.ErrorMessage,
	}
}

func clampUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// RecordRun mirrors a single run log entry
func (c *Client) RecordRun(ctx context.Context, entry models.ImportLogEntry) error {
	return c.InsertRuns(ctx, []RunRecord{NewRunRecord(entry)})
}

// InsertRuns inserts run records in one batch
func (c *Client) InsertRuns(ctx context.Context, records []RunRecord) error {
	if len(records) == 0 {
		return nil
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO import_runs (
			id, file_name, imported_at, imported_date,
			imported, updated, failed, status, error_message
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range records {
		err := batch.Append(
			r.ID,
			r.FileName,
			r.ImportedAt,
			r.ImportedDate,
			r.Imported,
			r.Updated,
			r.Failed,
			r.Status,
			r.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// DailySummary aggregates the runs of one day
type DailySummary struct {
	Date     time.Time
	Runs     uint64
	Imported uint64
	Updated  uint64
	Failed   uint64
	Errors   uint64 // runs that ended in the error status
}

// FailureRate is the share of processed rows that failed
func (s DailySummary) FailureRate() float64 {
	total := s.Imported + s.Updated + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// GetDailySummaries returns per-day totals for the last days, newest first
func (c *Client) GetDailySummaries(ctx context.Context, days int) ([]DailySummary, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	since := time.Now().AddDate(0, 0, -days)

	query := `
		SELECT
			imported_date as date,
			count() as runs,
			sum(imported) as imported,
			sum(updated) as updated,
			sum(failed) as failed,
			countIf(status = 'error') as errors
		FROM import_runs FINAL
		WHERE imported_at >= ?
		GROUP BY date
		ORDER BY date DESC
	`

	rows, err := c.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var s DailySummary
		if err := rows.Scan(&s.Date, &s.Runs, &s.Imported, &s.Updated, &s.Failed, &s.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FileFailures counts failed rows per feed file
type FileFailures struct {
	FileName string
	Attempts uint64
	Failed   uint64
	LastSeen time.Time
}

// GetFailingFiles returns the feed files with the most failed rows in the last days
func (c *Client) GetFailingFiles(ctx context.Context, days, limit int) ([]FileFailures, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	since := time.Now().AddDate(0, 0, -days)

	query := `
		SELECT
			file_name,
			count() as attempts,
			sum(failed) as failed,
			max(imported_at) as last_seen
		FROM import_runs FINAL
		WHERE imported_at >= ? AND failed > 0
		GROUP BY file_name
		ORDER BY failed DESC, last_seen DESC
		LIMIT ?
	`

	rows, err := c.conn.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failing files: %w", err)
	}
	defer rows.Close()

	var out []FileFailures
	for rows.Next() {
		var f FileFailures
		if err := rows.Scan(&f.FileName, &f.Attempts, &f.Failed, &f.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
