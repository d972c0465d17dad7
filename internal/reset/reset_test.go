package reset

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/badno/catalogsync/internal/catalog/memory"
	"github.com/badno/catalogsync/internal/reconciler"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/internal/taxonomy"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	resolver := taxonomy.NewResolver(c, nil)
	rec := reconciler.New(c, resolver, nil, nil)

	_, err := rec.Reconcile(ctx, &models.ProductRow{
		SKU: "P1", SKUVariable: "V1", Name: "Shirt", Size: "M", BrandName: "Acme",
		ParentCategory: "Tops", Price: decimal.NewFromInt(10), Stock: 1,
	}, true)
	require.NoError(t, err)

	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), models.NotificationSettings{})
	require.NoError(t, store.Load())
	require.NoError(t, store.SetLastFile(ctx, 4))
	require.NoError(t, store.SetLastImportTime(ctx, time.Now()))
	require.NoError(t, store.Record(ctx, models.ImportLogEntry{FileName: "4.csv"}))

	report, err := New(c, c, store, store, []Cache{resolver}, c, nil).Run(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Err())

	assert.Equal(t, 2, report.Count(StepProducts), "product and variation")
	assert.Equal(t, 1, report.Count(StepCategories))
	assert.Equal(t, len(taxonomy.Attributes), report.Count(StepAttributes))
	assert.Equal(t, 1, report.Count(StepBrands))
	assert.Equal(t, 1, report.Count(StepRunLog))

	count, _ := c.CountProducts(ctx)
	assert.Zero(t, count)
	assert.Empty(t, c.Terms(models.TaxonomyCategory))
	assert.Empty(t, c.Terms("pa_size"))

	st, _ := store.State(ctx)
	assert.Zero(t, st.LastFileNumber)
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Nil(t, st.LastImportTime)
	assert.True(t, st.PreventAutoImport)
	assert.NotNil(t, st.ResetPerformedAt)

	// Terms are recreated after the cache is dropped
	_, err = rec.Reconcile(ctx, &models.ProductRow{SKU: "P2", Name: "Hat", ParentCategory: "Tops", Price: decimal.NewFromInt(5)}, true)
	require.NoError(t, err)
	assert.Len(t, c.Terms(models.TaxonomyCategory), 1)
}

func TestFailingStepsDoNotStopTheSequence(t *testing.T) {
	var ran []string
	step := func(name string, n int, err error) Step {
		return Step{Name: name, Run: func(ctx context.Context) (int, error) {
			ran = append(ran, name)
			return n, err
		}}
	}
	boom := errors.New("db gone")

	r := NewWithSteps([]Step{
		step("a", 3, nil),
		step("b", 1, boom),
		{Name: "c", Run: func(ctx context.Context) (int, error) {
			ran = append(ran, "c")
			panic("bad state")
		}},
		step("d", 2, nil),
	}, nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ran)
	assert.False(t, report.OK())
	assert.ErrorIs(t, report.Err(), boom)
	assert.Contains(t, report.Err().Error(), "c: panic: bad state")

	require.Len(t, report.Steps, 4)
	assert.Equal(t, 3, report.Steps[0].Count)
	assert.Equal(t, 1, report.Steps[1].Count, "partial counts are kept")
	assert.Equal(t, "db gone", report.Steps[1].Error)
	assert.NoError(t, report.Steps[3].Err())
}

func TestResetRefusedWhileImportRuns(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	require.NoError(t, c.CreateProduct(ctx, &models.Product{Kind: models.KindSimple, SKU: "P1", Name: "Hat"}))

	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), models.NotificationSettings{})
	require.NoError(t, store.Load())
	require.NoError(t, store.SetLastFile(ctx, 2))
	require.NoError(t, store.ClaimRun(ctx, time.Minute))

	report, err := New(c, c, store, store, nil, c, nil, WithLease(time.Minute)).Run(ctx)
	assert.ErrorIs(t, err, state.ErrAlreadyRunning)
	assert.Nil(t, report)

	count, _ := c.CountProducts(ctx)
	assert.Equal(t, 1, count, "nothing is deleted")
	st, _ := store.State(ctx)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Equal(t, 2, st.LastFileNumber)
}

func TestResetReleasesClaimWhenRunStateStepFails(t *testing.T) {
	ctx := context.Background()
	c := memory.New()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), models.NotificationSettings{})
	require.NoError(t, store.Load())

	r := New(c, c, store, store, nil, nil, nil)
	for i := range r.steps {
		if r.steps[i].Name == StepRunState {
			r.steps[i].Run = func(ctx context.Context) (int, error) { return 0, errors.New("disk full") }
		}
	}

	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	st, _ := store.State(ctx)
	assert.Equal(t, models.StatusError, st.Status, "the claim does not outlive the reset")
}
