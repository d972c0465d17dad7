package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/badno/catalogsync/internal/reset"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	catalogFile := filepath.Join(dir, "catalog.json")
	ctx := context.Background()

	b, err := OpenFiles(stateFile, catalogFile, models.DefaultNotificationSettings("ops@example.com"))
	require.NoError(t, err)
	assert.Equal(t, BackendFile, b.Kind)

	p := &models.Product{Kind: models.KindSimple, SKU: "A1", Name: "Lamp", Price: decimal.NewFromInt(99)}
	require.NoError(t, b.Products.CreateProduct(ctx, p))
	require.NoError(t, b.State.SetLastFile(ctx, 5))
	require.NoError(t, b.Flusher.Flush(ctx))
	b.Close()

	reopened, err := OpenFiles(stateFile, catalogFile, models.NotificationSettings{})
	require.NoError(t, err)

	got, err := reopened.Products.ProductBySKU(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Lamp", got.Name)
	assert.True(t, decimal.NewFromInt(99).Equal(got.Price))

	st, err := reopened.State.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, st.LastFileNumber)
	assert.Equal(t, "ops@example.com", st.Notifications.Email)
}

func TestFileBackendsShareResets(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")
	catalogFile := filepath.Join(dir, "catalog.json")
	ctx := context.Background()
	defaults := models.DefaultNotificationSettings("ops@example.com")

	serve, err := OpenFiles(stateFile, catalogFile, defaults)
	require.NoError(t, err)
	p := &models.Product{Kind: models.KindSimple, SKU: "A1", Name: "Lamp", Price: decimal.NewFromInt(99)}
	require.NoError(t, serve.Products.CreateProduct(ctx, p))
	require.NoError(t, serve.State.SetLastFile(ctx, 5))
	require.NoError(t, serve.Flusher.Flush(ctx))

	cli, err := OpenFiles(stateFile, catalogFile, defaults)
	require.NoError(t, err)
	resetter := reset.New(cli.Products, cli.Terms, cli.Runs, cli.State, nil, cli.Flusher, nil)

	require.NoError(t, serve.State.ClaimRun(ctx, state.DefaultLease))
	_, err = resetter.Run(ctx)
	assert.ErrorIs(t, err, state.ErrAlreadyRunning)
	require.NoError(t, serve.State.SetStatus(ctx, models.StatusCompleted))

	report, err := resetter.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())

	st, err := serve.State.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.PreventAutoImport)
	assert.Zero(t, st.LastFileNumber)
	assert.Equal(t, models.StatusIdle, st.Status)

	require.NoError(t, serve.Flusher.Refresh(ctx))
	got, err := serve.Products.ProductBySKU(ctx, "A1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, serve.Flusher.Flush(ctx))
	reopened, err := OpenFiles(stateFile, catalogFile, defaults)
	require.NoError(t, err)
	got, err = reopened.Products.ProductBySKU(ctx, "A1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
