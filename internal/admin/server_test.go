package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/badno/catalogsync/internal/metrics"
	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/reset"
	"github.com/badno/catalogsync/internal/scheduler"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	kinds   []scheduler.Kind
	res     *orchestrator.Result
	err     error
	skipped int
}

func (f *fakeRunner) RunManual(ctx context.Context, kind scheduler.Kind) (*orchestrator.Result, error) {
	f.kinds = append(f.kinds, kind)
	return f.res, f.err
}

func (f *fakeRunner) SkipNext(ctx context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.skipped++
	return 2 + f.skipped, nil
}

type fakeResetter struct {
	calls  int
	report *reset.Report
	err    error
}

func (f *fakeResetter) Run(ctx context.Context) (*reset.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeFiles struct{}

func (fakeFiles) NextFile(ctx context.Context) (int, string, bool, error) {
	return 3, "/feed/3.csv", true, nil
}

type fixture struct {
	runner   *fakeRunner
	resetter *fakeResetter
	store    *state.FileStore
	logDir   string
	handler  http.Handler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := state.NewFileStore(filepath.Join(dir, "state.json"), models.DefaultNotificationSettings("admin@example.com"))
	require.NoError(t, store.Load())

	f := &fixture{
		runner:   &fakeRunner{},
		resetter: &fakeResetter{report: &reset.Report{}},
		store:    store,
		logDir:   filepath.Join(dir, "logs"),
	}
	f.handler = New(Deps{
		Runner:   f.runner,
		Resetter: f.resetter,
		Files:    fakeFiles{},
		Store:    store,
		Runs:     store,
		LogDir:   f.logDir,
		Metrics:  metrics.New(),
		Token:    token,
	}).Router()
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "secret")
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/status", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/status", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.SetLastFile(ctx, 2))
	require.NoError(t, f.store.Record(ctx, models.ImportLogEntry{FileName: "2.csv", Status: models.StatusCompleted}))

	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.LastFileNumber)
	assert.Equal(t, models.StatusIdle, resp.Status)
	assert.Equal(t, "3.csv", resp.NextFile)
	assert.True(t, resp.NextFileAvailable)
	assert.True(t, resp.AutoImportEnabled)
	require.Len(t, resp.RecentRuns, 1)
	assert.Equal(t, "2.csv", resp.RecentRuns[0].FileName)
}

func TestManualImport(t *testing.T) {
	f := newFixture(t, "")
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	f.runner.res = &orchestrator.Result{
		FileName: "3.csv", FileNumber: 3, Imported: 4, Updated: 1,
		Status: models.StatusCompleted, StartedAt: start, CompletedAt: start.Add(1500 * time.Millisecond),
	}

	rec := f.do(http.MethodPost, "/api/imports/next", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "3.csv", resp.File)
	assert.Equal(t, 4, resp.Imported)
	assert.Equal(t, "1.5s", resp.Duration)

	f.do(http.MethodPost, "/api/imports/initial", "")
	assert.Equal(t, []scheduler.Kind{scheduler.KindNext, scheduler.KindInitial}, f.runner.kinds)
}

func TestManualImportErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{scheduler.ErrAlreadyRunning, http.StatusConflict},
		{scheduler.ErrLocked, http.StatusConflict},
		{orchestrator.ErrNoUpdateAvailable, http.StatusNotFound},
		{fmt.Errorf("%w: 1.csv", orchestrator.ErrFileNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: missing column", orchestrator.ErrInvalidStructure), http.StatusUnprocessableEntity},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newFixture(t, "")
			f.runner.err = tc.err
			rec := f.do(http.MethodPost, "/api/imports/next", "")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.err.Error(), decode(t, rec)["error"])
		})
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.resetter.calls)
	assert.Equal(t, true, decode(t, rec)["ok"])
}

func TestResetFailureReportsSteps(t *testing.T) {
	f := newFixture(t, "")
	report, err := reset.NewWithSteps([]reset.Step{
		{Name: "products", Run: func(ctx context.Context) (int, error) { return 0, fmt.Errorf("db gone") }},
	}, nil).Run(context.Background())
	require.NoError(t, err)
	f.resetter.report = report

	rec := f.do(http.MethodPost, "/api/reset", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, rec.Body.String(), "db gone")
}

func TestResetConflictsWithRunningImport(t *testing.T) {
	f := newFixture(t, "")
	f.resetter.err = state.ErrAlreadyRunning

	rec := f.do(http.MethodPost, "/api/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, state.ErrAlreadyRunning.Error(), decode(t, rec)["error"])
}

func TestSkipNext(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/api/imports/skip", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["last_file_number"])

	f.runner.err = orchestrator.ErrNoUpdateAvailable
	rec = f.do(http.MethodPost, "/api/imports/skip", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.runner.err = scheduler.ErrAlreadyRunning
	rec = f.do(http.MethodPost, "/api/imports/skip", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnableAutoImport(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.DisableAutoImport(ctx, time.Now()))

	rec := f.do(http.MethodPost, "/api/auto-import/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	st, err := f.store.State(ctx)
	require.NoError(t, err)
	assert.False(t, st.PreventAutoImport)
	assert.Nil(t, st.ResetPerformedAt)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"files":[]}`, rec.Body.String())

	require.NoError(t, os.MkdirAll(f.logDir, 0755))
	name := "import-details-2026-10-01-3.log"
	require.NoError(t, os.WriteFile(filepath.Join(f.logDir, name), []byte("[2026-10-01 12:00:00] [INFO] hello\n"), 0644))

	rec = f.do(http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), name)

	rec = f.do(http.MethodGet, "/api/logs/"+name, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")

	rec = f.do(http.MethodGet, "/api/logs/passwd", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/logs/import-details-2020-01-01.log", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationSettings(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/api/settings/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin@example.com", decode(t, rec)["email"])

	rec = f.do(http.MethodPut, "/api/settings/notifications",
		`{"email_enabled":true,"notify_on_failures":true,"notify_on_new_products":false,"email":" ops@example.com "}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.NotificationSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", got.Email)
	assert.False(t, got.NotifyOnNewProducts)

	rec = f.do(http.MethodPut, "/api/settings/notifications", `{"email_enabled":true,"email":"not-an-address"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPut, "/api/settings/notifications", `{"email_enabled":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPut, "/api/settings/notifications", `{"email_enabled":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/api/settings/notifications", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.do(http.MethodGet, "/api/status", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "catalogsync_http_requests_total")
}
