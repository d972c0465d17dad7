package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/badno/catalogsync/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunRecord(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("CET", 3600))

	r := NewRunRecord(models.ImportLogEntry{
		ID: id.String(), FileName: "7.csv", ImportedAt: at,
		Imported: 3, Updated: 2, Failed: -1, Status: models.StatusCompletedWithErrors,
	})

	assert.Equal(t, id, r.ID)
	assert.Equal(t, "7.csv", r.FileName)
	assert.Equal(t, time.Date(2026, 3, 9, 22, 30, 0, 0, time.UTC), r.ImportedAt)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), r.ImportedDate)
	assert.Equal(t, uint32(3), r.Imported)
	assert.Equal(t, uint32(0), r.Failed)
	assert.Equal(t, "completed_with_errors", r.Status)
}

func TestNewRunRecordAssignsID(t *testing.T) {
	r := NewRunRecord(models.ImportLogEntry{ID: "not-a-uuid"})
	assert.NotEqual(t, uuid.Nil, r.ID)
}

func TestFailureRate(t *testing.T) {
	assert.Zero(t, DailySummary{}.FailureRate())
	assert.InDelta(t, 0.25, DailySummary{Imported: 2, Updated: 1, Failed: 1}.FailureRate(), 1e-9)
}

func TestUnconnectedClient(t *testing.T) {
	c := NewClient(nil)
	ctx := context.Background()

	require.ErrorIs(t, c.Ping(ctx), ErrNotConnected)
	assert.ErrorIs(t, c.RecordRun(ctx, models.ImportLogEntry{FileName: "1.csv"}), ErrNotConnected)
	assert.NoError(t, c.InsertRuns(ctx, nil))
	_, err := c.GetDailySummaries(ctx, 7)
	assert.ErrorIs(t, err, ErrNotConnected)
}
