package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/badno/catalogsync/internal/orchestrator"
	"github.com/badno/catalogsync/internal/state"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeImporter mimics the orchestrator's state transitions
type fakeImporter struct {
	store   state.Store
	calls   []Kind
	err     error
	panicky bool
	sawRun  bool
	skips   int
}

func (f *fakeImporter) run(ctx context.Context, kind Kind) (*orchestrator.Result, error) {
	f.calls = append(f.calls, kind)
	st, _ := f.store.State(ctx)
	f.sawRun = st.Status == models.StatusRunning
	if f.panicky {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	res := &orchestrator.Result{FileName: "1.csv", Status: models.StatusCompleted}
	_ = f.store.SetStatus(ctx, res.Status)
	_ = f.store.SetLastImportTime(ctx, time.Now())
	return res, nil
}

func (f *fakeImporter) ImportNext(ctx context.Context) (*orchestrator.Result, error) {
	return f.run(ctx, KindNext)
}

func (f *fakeImporter) ImportInitial(ctx context.Context) (*orchestrator.Result, error) {
	return f.run(ctx, KindInitial)
}

func (f *fakeImporter) SkipNext(ctx context.Context) (int, error) {
	st, _ := f.store.State(ctx)
	f.sawRun = st.Status == models.StatusRunning
	if f.err != nil {
		return 0, f.err
	}
	f.skips++
	n := st.LastFileNumber + 1
	_ = f.store.SetLastFile(ctx, n)
	_ = f.store.SetStatus(ctx, models.StatusIdle)
	return n, nil
}

func newGuard(t *testing.T, opts ...GuardOption) (*Guard, *fakeImporter, *state.FileStore) {
	t.Helper()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), models.NotificationSettings{})
	require.NoError(t, store.Load())
	imp := &fakeImporter{store: store}
	return NewGuard(imp, store, nil, opts...), imp, store
}

func status(t *testing.T, s state.Store) models.RunStatus {
	t.Helper()
	st, err := s.State(context.Background())
	require.NoError(t, err)
	return st.Status
}

func TestScheduledRunClaimsAndImports(t *testing.T) {
	g, imp, store := newGuard(t)

	d, res, err := g.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionRan, d)
	require.NotNil(t, res)
	assert.Equal(t, []Kind{KindNext}, imp.calls)
	assert.True(t, imp.sawRun, "status is running while the import executes")
	assert.Equal(t, models.StatusCompleted, status(t, store))
}

func TestScheduledRunSkipsWhenDisabled(t *testing.T) {
	g, imp, store := newGuard(t)
	require.NoError(t, store.DisableAutoImport(context.Background(), time.Now().Add(-time.Hour)))

	d, _, err := g.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionDisabled, d)
	assert.Empty(t, imp.calls)

	_, err = g.RunManual(context.Background(), KindNext)
	require.NoError(t, err)
	assert.Len(t, imp.calls, 1, "manual runs ignore the flag")
}

func TestScheduledRunSkipsWhileRunning(t *testing.T) {
	g, imp, store := newGuard(t)
	require.NoError(t, store.SetStatus(context.Background(), models.StatusRunning))

	d, _, err := g.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionRunning, d)
	assert.Empty(t, imp.calls)

	_, err = g.RunManual(context.Background(), KindInitial)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

// crashedState writes a state file left behind by a process that died
// while holding the run since claimedAt
func crashedState(t *testing.T, claimedAt time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	doc := fmt.Sprintf(`{"version":"1.0","run":{"last_file_number":2,"status":"running","claimed_at":%q},"runs":[]}`,
		claimedAt.Format(time.RFC3339Nano))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestStaleClaimIsTakenOverAfterRestart(t *testing.T) {
	path := crashedState(t, time.Now().Add(-2*time.Hour))
	store := state.NewFileStore(path, models.NotificationSettings{})
	require.NoError(t, store.Load())
	imp := &fakeImporter{store: store}
	g := NewGuard(imp, store, nil, WithLease(10*time.Minute))

	d, res, err := g.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionRan, d)
	require.NotNil(t, res)
	assert.True(t, imp.sawRun)
	assert.Equal(t, models.StatusCompleted, status(t, store))

	path = crashedState(t, time.Now().Add(-2*time.Hour))
	store = state.NewFileStore(path, models.NotificationSettings{})
	require.NoError(t, store.Load())
	imp = &fakeImporter{store: store}
	_, err = NewGuard(imp, store, nil).RunManual(context.Background(), KindNext)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindNext}, imp.calls, "manual runs recover the stale claim with the default lease")
}

func TestLiveClaimIsNotTakenOver(t *testing.T) {
	path := crashedState(t, time.Now().Add(-time.Minute))
	store := state.NewFileStore(path, models.NotificationSettings{})
	require.NoError(t, store.Load())
	imp := &fakeImporter{store: store}

	d, _, err := NewGuard(imp, store, nil, WithLease(10*time.Minute)).RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionRunning, d)

	_, err = NewGuard(imp, store, nil, WithLease(0)).RunManual(context.Background(), KindNext)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, imp.calls)
}

// slowImporter blocks until released so heartbeats can be observed
type slowImporter struct {
	fakeImporter
	release chan struct{}
}

func (s *slowImporter) ImportNext(ctx context.Context) (*orchestrator.Result, error) {
	<-s.release
	return s.run(ctx, KindNext)
}

func TestHeartbeatRefreshesClaim(t *testing.T) {
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), models.NotificationSettings{})
	require.NoError(t, store.Load())
	imp := &slowImporter{fakeImporter: fakeImporter{store: store}, release: make(chan struct{})}
	g := NewGuard(imp, store, nil, WithLease(30*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := g.RunManual(context.Background(), KindNext)
		done <- err
	}()

	var first time.Time
	require.Eventually(t, func() bool {
		st, err := store.State(context.Background())
		if err != nil || st.ClaimedAt == nil {
			return false
		}
		if first.IsZero() {
			first = *st.ClaimedAt
			return false
		}
		return st.ClaimedAt.After(first)
	}, 2*time.Second, 5*time.Millisecond)

	close(imp.release)
	require.NoError(t, <-done)
	assert.Equal(t, models.StatusCompleted, status(t, store))
}

func TestScheduledRunDebounces(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	g, imp, store := newGuard(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, store.SetStatus(ctx, models.StatusCompleted))
	require.NoError(t, store.SetLastImportTime(ctx, now.Add(-60*time.Second)))

	d, _, err := g.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionDebounce, d)
	assert.Empty(t, imp.calls)
	assert.Equal(t, models.StatusCompleted, status(t, store), "status is unchanged")

	require.NoError(t, store.SetLastImportTime(ctx, now.Add(-301*time.Second)))
	d, _, err = g.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionRan, d)
}

func TestNoUpdateIsNotAFailure(t *testing.T) {
	g, imp, store := newGuard(t)
	imp.err = orchestrator.ErrNoUpdateAvailable
	require.NoError(t, store.SetStatus(context.Background(), models.StatusIdle))

	d, _, err := g.RunScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DecisionNoUpdate, d)
	// the fake leaves the claimed status alone; the orchestrator resets it to idle
	assert.NotEqual(t, models.StatusError, status(t, store))
}

func TestFailuresAndPanicsSetErrorStatus(t *testing.T) {
	g, imp, store := newGuard(t)
	imp.err = errors.New("disk full")

	d, _, err := g.RunScheduled(context.Background())
	assert.Error(t, err)
	assert.Equal(t, DecisionFailed, d)
	assert.Equal(t, models.StatusError, status(t, store))

	imp.err = nil
	imp.panicky = true
	assert.NotPanics(t, func() {
		d, _, err = g.RunScheduled(context.Background())
	})
	assert.ErrorIs(t, err, ErrPanic)
	assert.Equal(t, DecisionFailed, d)
	assert.Equal(t, models.StatusError, status(t, store))
}

func TestSkipNextClaimsTheRun(t *testing.T) {
	g, imp, store := newGuard(t)
	ctx := context.Background()
	require.NoError(t, store.SetLastFile(ctx, 4))

	n, err := g.SkipNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, imp.sawRun)
	assert.Equal(t, models.StatusIdle, status(t, store))

	require.NoError(t, store.SetStatus(ctx, models.StatusRunning))
	_, err = g.SkipNext(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, imp.skips)

	require.NoError(t, store.SetStatus(ctx, models.StatusIdle))
	imp.err = orchestrator.ErrNoUpdateAvailable
	_, err = g.SkipNext(ctx)
	assert.ErrorIs(t, err, orchestrator.ErrNoUpdateAvailable)
	assert.NotEqual(t, models.StatusError, status(t, store))
}

func TestMissingInitialFileIsNotAFailure(t *testing.T) {
	g, imp, store := newGuard(t)
	imp.err = fmt.Errorf("%w: 1.csv", orchestrator.ErrInitialFileNotFound)

	_, err := g.RunManual(context.Background(), KindInitial)
	assert.ErrorIs(t, err, orchestrator.ErrFileNotFound)
	assert.NotEqual(t, models.StatusError, status(t, store))
}

func TestRunManualRejectsUnknownKind(t *testing.T) {
	g, _, _ := newGuard(t)
	_, err := g.RunManual(context.Background(), Kind("bogus"))
	assert.Error(t, err)
}

func TestRedisLockSerializesRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	holder := NewRedisLock(client, "catalogsync:import", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	g, imp, _ := newGuard(t, WithLocker(NewRedisLock(client, "catalogsync:import", time.Minute)))
	d, _, err := g.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionLocked, d)
	assert.Empty(t, imp.calls)

	require.NoError(t, holder.Release(ctx))
	d, _, err = g.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionRan, d)
	assert.False(t, mr.Exists("lock:catalogsync:import"), "lock is released after the run")
}

func TestRedisLockReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	a := NewRedisLock(client, "k", time.Minute)
	b := NewRedisLock(client, "k", time.Minute)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:k"))
}

func TestServiceDefaultInterval(t *testing.T) {
	g, _, _ := newGuard(t)
	s, err := NewService(g, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.Interval())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}
