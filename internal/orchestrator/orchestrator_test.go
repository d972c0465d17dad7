package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/badno/catalogsync/internal/catalog/memory"
	"github.com/badno/catalogsync/internal/notify"
	"github.com/badno/catalogsync/internal/reconciler"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/internal/taxonomy"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failure struct {
	file   string
	detail string
}

type recordingNotifier struct {
	failures    []failure
	newProducts []notify.NewProductNotice
}

func (n *recordingNotifier) ImportFailed(ctx context.Context, fileName, detail string, at time.Time) (bool, error) {
	n.failures = append(n.failures, failure{file: fileName, detail: detail})
	return true, nil
}

func (n *recordingNotifier) NewProduct(ctx context.Context, notice notify.NewProductNotice) (bool, error) {
	n.newProducts = append(n.newProducts, notice)
	return true, nil
}

type recordingMirror struct {
	entries []models.ImportLogEntry
}

func (m *recordingMirror) RecordRun(ctx context.Context, entry models.ImportLogEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

type fixture struct {
	dir      string
	catalog  *memory.Catalog
	store    *state.FileStore
	notifier *recordingNotifier
	mirror   *recordingMirror
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	c := memory.New()
	store := state.NewFileStore(filepath.Join(dir, "state", "state.json"), models.DefaultNotificationSettings("ops@example.com"))
	require.NoError(t, store.Load())

	f := &fixture{
		dir:      dir,
		catalog:  c,
		store:    store,
		notifier: &recordingNotifier{},
		mirror:   &recordingMirror{},
	}
	rec := reconciler.New(c, taxonomy.NewResolver(c, nil), nil, nil)
	f.orch = New(dir, rec, store, store, f.notifier, nil, WithMirror(f.mirror), WithFlusher(c))
	return f
}

func (f *fixture) write(t *testing.T, n int, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.orch.FilePath(n), []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func (f *fixture) runState(t *testing.T) models.RunState {
	t.Helper()
	st, err := f.store.State(context.Background())
	require.NoError(t, err)
	return st
}

const header = "Modello,DSArticoloAgg,PrezzoIvato,Disponibilita,Taglia,DSColoreWeb"

func TestImportNextEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1, header, `SKU1,"Red Shirt",19.99,5,M,Red`)

	res, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FileNumber)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Failed)
	assert.Equal(t, models.StatusCompleted, res.Status)

	p, err := f.catalog.ProductBySKU(ctx, "SKU1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.KindVariable, p.Kind)

	vars, err := f.catalog.Variations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "m", vars[0].Attributes["pa_size"])
	assert.Equal(t, "red", vars[0].Attributes["pa_color"])
	assert.Equal(t, 5, vars[0].StockQuantity)
	assert.True(t, vars[0].Price.Equal(decimal.RequireFromString("19.99")))

	st := f.runState(t)
	assert.Equal(t, 1, st.LastFileNumber)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.NotNil(t, st.LastImportTime)

	runs, _ := f.store.Recent(ctx, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, "1.csv", runs[0].FileName)
	assert.Len(t, f.mirror.entries, 1)

	require.Len(t, f.notifier.newProducts, 1)
	assert.Equal(t, "SKU1", f.notifier.newProducts[0].SKU)
	assert.Equal(t, "19.99", f.notifier.newProducts[0].Price)
	assert.Empty(t, f.notifier.failures)
}

func TestReimportUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1, header, `SKU1,"Red Shirt",19.99,5,M,Red`)
	f.write(t, 2, header, `SKU1,"Red Shirt",17.50,2,M,Red`)

	_, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	res, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Imported)

	count, _ := f.catalog.CountProducts(ctx)
	assert.Equal(t, 1, count)
	p, _ := f.catalog.ProductBySKU(ctx, "SKU1")
	vars, _ := f.catalog.Variations(ctx, p.ID)
	require.Len(t, vars, 1)
	assert.Equal(t, 2, vars[0].StockQuantity)
	assert.Equal(t, 2, f.runState(t).LastFileNumber)
}

func TestRowFailuresDoNotAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1, header,
		`A1,"Good",10,1,,`,
		`A2,"Bad price",abc,1,,`,
		`A3,"Too few columns"`,
		`A4,"Also good",12,0,,`,
	)

	res, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, models.StatusCompletedWithErrors, res.Status)
	require.Len(t, res.Errors, 2)
	assert.True(t, strings.HasPrefix(res.Errors[0], "Row 3: "), res.Errors[0])
	assert.True(t, strings.HasPrefix(res.Errors[1], "Row 4: "), res.Errors[1])

	st := f.runState(t)
	assert.Zero(t, st.LastFileNumber, "the file is retried next cycle")
	assert.Equal(t, models.StatusCompletedWithErrors, st.Status)
	assert.NotNil(t, st.LastImportTime)

	require.Len(t, f.notifier.failures, 1)
	assert.Contains(t, f.notifier.failures[0].detail, "Import completed with 2 errors out of 4 total products processed")
	assert.Contains(t, f.notifier.failures[0].detail, "Row 3: ")

	runs, _ := f.store.Recent(ctx, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusCompletedWithErrors, runs[0].Status)
	assert.Equal(t, 2, runs[0].Failed)
}

func TestFailureSummaryQuotesFirstFive(t *testing.T) {
	f := newFixture(t)
	lines := []string{header}
	for i := 0; i < 8; i++ {
		lines = append(lines, `X,"Bad",oops,1,,`)
	}
	f.write(t, 1, lines...)

	res, err := f.orch.ImportFile(context.Background(), f.orch.FilePath(1), false)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Failed)

	detail := f.notifier.failures[0].detail
	assert.Contains(t, detail, "Row 6: ")
	assert.NotContains(t, detail, "Row 7: ")
}

func TestMissingRequiredColumnIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1, "Modello,DSArticoloAgg,PrezzoIvato,Taglia", `SKU1,"Red Shirt",19.99,M`)

	_, err := f.orch.ImportNext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStructure)
	assert.Contains(t, err.Error(), "Disponibilita")

	count, _ := f.catalog.CountProducts(ctx)
	assert.Zero(t, count)
	require.Len(t, f.notifier.failures, 1)
	assert.Contains(t, f.notifier.failures[0].detail, "Invalid CSV structure in 1.csv")

	runs, _ := f.store.Recent(ctx, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusError, runs[0].Status)
	assert.Equal(t, models.StatusError, f.runState(t).Status)
	assert.Zero(t, f.runState(t).LastFileNumber)
}

func TestSkippedRowsAreNotFailures(t *testing.T) {
	f := newFixture(t)
	f.write(t, 1, header,
		`,"No sku",10,1,,`,
		`S1,"",10,1,,`,
		`S2,"Kept",10,1,,`,
	)

	res, err := f.orch.ImportFile(context.Background(), f.orch.FilePath(1), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Imported)

	p, _ := f.catalog.ProductBySKU(context.Background(), "S1")
	assert.Nil(t, p)
	assert.Empty(t, f.notifier.failures)
}

func TestMissingFileNotifiesWithoutLogEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.ImportFile(ctx, f.orch.FilePath(9), false)
	assert.ErrorIs(t, err, ErrFileNotFound)
	require.Len(t, f.notifier.failures, 1)
	assert.Equal(t, "CSV file not found: 9.csv", f.notifier.failures[0].detail)

	runs, _ := f.store.Recent(ctx, 10)
	assert.Empty(t, runs)
}

func TestNoUpdateAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetLastFile(ctx, 3))
	require.NoError(t, f.store.SetStatus(ctx, models.StatusRunning))

	_, err := f.orch.ImportNext(ctx)
	assert.ErrorIs(t, err, ErrNoUpdateAvailable)
	assert.Equal(t, models.StatusIdle, f.runState(t).Status)
	assert.Equal(t, 3, f.runState(t).LastFileNumber)
	assert.Empty(t, f.notifier.failures)

	n, _, ok, err := f.orch.NextFile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, ok)
}

func TestImportInitialAdvancesDespiteFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetLastFile(ctx, 5))
	f.write(t, 1, header,
		`A1,"Good",10,1,,`,
		`A2,"Bad",nope,1,,`,
	)

	res, err := f.orch.ImportInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompletedWithErrors, res.Status)
	assert.Equal(t, 1, f.runState(t).LastFileNumber)
	assert.Empty(t, f.notifier.newProducts, "initial imports do not announce products")
}

func TestCancelledContextStopsBetweenRows(t *testing.T) {
	f := newFixture(t)
	f.write(t, 1, header, `A1,"Good",10,1,,`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.ImportFile(ctx, f.orch.FilePath(1), false)
	assert.True(t, errors.Is(err, ErrInterrupted))
	require.NotNil(t, res)
	assert.Zero(t, res.Imported)
}

func TestProgressIsReported(t *testing.T) {
	f := newFixture(t)
	f.write(t, 1, header, `A1,"Good",10,1,,`, `A2,"Good",10,1,,`)

	var calls int
	var last, total int64
	f.orch.progress = func(read, size int64) {
		calls++
		last, total = read, size
	}

	_, err := f.orch.ImportFile(context.Background(), f.orch.FilePath(1), false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Positive(t, last)
	assert.LessOrEqual(t, last, total)
}

type brokenFlusher struct {
	refreshErr error
	flushErr   error
}

func (b *brokenFlusher) Refresh(ctx context.Context) error { return b.refreshErr }
func (b *brokenFlusher) Flush(ctx context.Context) error { return b.flushErr }

type countingCache struct {
	forgets int
}

func (c *countingCache) Forget() { c.forgets++ }

func TestMissingInitialFileLeavesStatusIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetStatus(ctx, models.StatusRunning))

	res, err := f.orch.ImportInitial(ctx)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInitialFileNotFound)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Contains(t, err.Error(), "1.csv")

	assert.Empty(t, f.notifier.failures)
	runs, _ := f.store.Recent(ctx, 10)
	assert.Empty(t, runs)

	st := f.runState(t)
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Zero(t, st.LastFileNumber)
}

func TestFlushFailureDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	WithFlusher(&brokenFlusher{flushErr: errors.New("disk full")})(f.orch)
	f.write(t, 1, header, `A1,"Good",10,1,,`)

	_, err := f.orch.ImportInitial(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCatalogSync)
	assert.Contains(t, err.Error(), "disk full")

	st := f.runState(t)
	assert.Zero(t, st.LastFileNumber)
	assert.Equal(t, models.StatusError, st.Status)

	runs, _ := f.store.Recent(ctx, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StatusError, runs[0].Status)
	assert.Equal(t, 1, runs[0].Imported)

	require.Len(t, f.notifier.failures, 1)
	assert.Contains(t, f.notifier.failures[0].detail, "Import of 1.csv aborted")

	_, err = f.orch.ImportNext(ctx)
	assert.ErrorIs(t, err, ErrCatalogSync)
	assert.Zero(t, f.runState(t).LastFileNumber)
}

func TestRefreshFailureStopsBeforeRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	WithFlusher(&brokenFlusher{refreshErr: errors.New("corrupt snapshot")})(f.orch)
	f.write(t, 1, header, `A1,"Good",10,1,,`)

	res, err := f.orch.ImportNext(ctx)
	assert.ErrorIs(t, err, ErrCatalogSync)
	require.NotNil(t, res)
	assert.Zero(t, res.Imported)

	count, _ := f.catalog.CountProducts(ctx)
	assert.Zero(t, count)
	assert.Equal(t, models.StatusError, f.runState(t).Status)
}

func TestSkipNextMovesPastFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1, header, `A1,"Good",10,1,,`)
	f.write(t, 2, header, `A2,"Good",10,1,,`)
	require.NoError(t, f.store.SetStatus(ctx, models.StatusRunning))

	n, err := f.orch.SkipNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := f.runState(t)
	assert.Equal(t, 1, st.LastFileNumber)
	assert.Equal(t, models.StatusIdle, st.Status)
	count, _ := f.catalog.CountProducts(ctx)
	assert.Zero(t, count)
	runs, _ := f.store.Recent(ctx, 10)
	assert.Empty(t, runs)

	res, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileNumber)

	_, err = f.orch.SkipNext(ctx)
	assert.ErrorIs(t, err, ErrNoUpdateAvailable)
	assert.Equal(t, 2, f.runState(t).LastFileNumber)
}

func TestCachesAreForgottenBeforeEachFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cache := &countingCache{}
	WithCaches(cache)(f.orch)
	f.write(t, 1, header, `A1,"Good",10,1,,`)
	f.write(t, 2, header, `A1,"Good",11,1,,`)

	_, err := f.orch.ImportNext(ctx)
	require.NoError(t, err)
	_, err = f.orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.forgets)
}

func TestSnapshotWrittenElsewhereIsReloaded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "catalog", "catalog.json")

	c, err := memory.Open(snapshot)
	require.NoError(t, err)
	store := state.NewFileStore(filepath.Join(dir, "state", "state.json"), models.DefaultNotificationSettings("ops@example.com"))
	require.NoError(t, store.Load())
	resolver := taxonomy.NewResolver(c, nil)
	orch := New(dir, reconciler.New(c, resolver, nil, nil), store, store, nil, nil, WithFlusher(c), WithCaches(resolver))

	write := func(n int, lines ...string) {
		require.NoError(t, os.WriteFile(orch.FilePath(n), []byte(strings.Join(lines, "\n")+"\n"), 0644))
	}
	write(1, header, `SKU1,"Red Shirt",19.99,5,M,Red`)
	write(2, header, `SKU1,"Red Shirt",17.50,2,M,Red`)

	res, err := orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	other, err := memory.Open(snapshot)
	require.NoError(t, err)
	p, _ := other.ProductBySKU(ctx, "SKU1")
	require.NotNil(t, p)
	_, err = other.DeleteAll(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Flush(ctx))

	res, err = orch.ImportNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported, "the product removed elsewhere is created again")
	assert.Zero(t, res.Updated)
}
