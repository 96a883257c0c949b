package sampler_test

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/sampler"
	"codeberg.org/mutker/hostmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 2, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedCollector struct {
	mu      sync.Mutex
	calls   int
	failOn  map[int]bool
	mem     float64
	release chan struct{}
}

func (c *scriptedCollector) Collect(ctx context.Context) (metrics.RawSample, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	release := c.release
	c.mu.Unlock()

	if release != nil {
		<-release
	}
	if c.failOn[call] {
		return metrics.RawSample{}, stderrors.New("collector exploded")
	}
	return metrics.RawSample{
		CPUUsagePctAvg10s: metrics.Some(float64(call)),
		MemUsedPct:        c.mem,
	}, nil
}

type countingStore struct {
	*metrics.Repository

	mu         sync.Mutex
	failInsert bool
	rollups    []int64
	prunes     int
}

func (c *countingStore) setFailInsert(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failInsert = v
}

func (c *countingStore) InsertRawBatch(ctx context.Context, rows []metrics.RawSample) error {
	c.mu.Lock()
	fail := c.failInsert
	c.mu.Unlock()
	if fail {
		return stderrors.New("disk full")
	}
	return c.Repository.InsertRawBatch(ctx, rows)
}

func (c *countingStore) InsertRollup(ctx context.Context, row metrics.RollupSample) error {
	c.mu.Lock()
	c.rollups = append(c.rollups, row.BucketStartMs)
	c.mu.Unlock()
	return c.Repository.InsertRollup(ctx, row)
}

func (c *countingStore) PruneRaw(ctx context.Context, olderThanMs int64) (int64, error) {
	c.mu.Lock()
	c.prunes++
	c.mu.Unlock()
	return c.Repository.PruneRaw(ctx, olderThanMs)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()

	cfg := metrics.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "metrics.db")
	repo, err := metrics.NewRepository(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return &countingStore{Repository: repo}
}

func noopRecorder(t *testing.T) telemetry.Recorder {
	t.Helper()
	rec, err := telemetry.NewService(telemetry.Config{}, logger.Nop())
	require.NoError(t, err)
	return rec
}

func newScheduler(t *testing.T, store metrics.Store, col sampler.Collector, clock metrics.Clock, cfg sampler.Config) *sampler.Scheduler {
	t.Helper()
	return sampler.New(cfg, store, col, clock, logger.Nop(), noopRecorder(t))
}

func allRaw(t *testing.T, store metrics.Store) []metrics.RawSample {
	t.Helper()
	rows, err := store.SelectRawRange(context.Background(), 0, t0.Add(48*time.Hour).UnixMilli())
	require.NoError(t, err)
	return rows
}

func TestTickStoresSampleStampedWithClock(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	s := newScheduler(t, store, &scriptedCollector{mem: 33}, clock, sampler.DefaultConfig())

	require.NoError(t, s.Tick(context.Background()))

	rows := allRaw(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, t0.UnixMilli(), rows[0].TimeMs)
	assert.Equal(t, 33.0, rows[0].MemUsedPct)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, rows[0], latest)
}

func TestCollectorFailureDoesNotStopLaterTicks(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	col := &scriptedCollector{mem: 10, failOn: map[int]bool{2: true}}
	s := newScheduler(t, store, col, clock, sampler.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	clock.Advance(5 * time.Second)

	err := s.Tick(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sampler.ErrCollectFailed))
	assert.Equal(t, 1, s.State().ConsecutiveFailures)

	clock.Advance(5 * time.Second)
	require.NoError(t, s.Tick(ctx))
	assert.Zero(t, s.State().ConsecutiveFailures)

	rows := allRaw(t, store)
	require.Len(t, rows, 2)
	assert.Equal(t, t0.Add(10*time.Second).UnixMilli(), rows[1].TimeMs)
}

func TestFlushFailureRetainsPendingBatch(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	s := newScheduler(t, store, &scriptedCollector{mem: 10}, clock, sampler.DefaultConfig())
	ctx := context.Background()

	store.setFailInsert(true)
	err := s.Tick(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sampler.ErrFlushFailed))
	assert.Equal(t, 1, s.State().Pending)

	store.setFailInsert(false)
	clock.Advance(5 * time.Second)
	require.NoError(t, s.Tick(ctx))
	assert.Zero(t, s.State().Pending)

	assert.Len(t, allRaw(t, store), 2)
}

func TestPendingBatchIsCapped(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	cfg := sampler.DefaultConfig()
	cfg.MaxPending = 3
	s := newScheduler(t, store, &scriptedCollector{mem: 10}, clock, cfg)
	ctx := context.Background()

	store.setFailInsert(true)
	for i := 0; i < 5; i++ {
		require.Error(t, s.Tick(ctx))
		clock.Advance(5 * time.Second)
	}
	assert.Equal(t, 3, s.State().Pending)

	store.setFailInsert(false)
	require.NoError(t, s.Tick(ctx))

	rows := allRaw(t, store)
	require.Len(t, rows, 3)
	// Only the newest samples survive
	assert.Equal(t, t0.Add(15*time.Second).UnixMilli(), rows[0].TimeMs)
}

func TestEachClosedMinuteRolledUpOnce(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	s := newScheduler(t, store, &scriptedCollector{mem: 50}, clock, sampler.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 41; i++ {
		require.NoError(t, s.Tick(ctx))
		clock.Advance(5 * time.Second)
	}

	minute := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	want := []int64{
		minute.UnixMilli(),
		minute.Add(time.Minute).UnixMilli(),
		minute.Add(2 * time.Minute).UnixMilli(),
	}
	assert.Equal(t, want, store.rollups)

	rollups, err := store.SelectRollupRange(ctx, 0, minute.Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, rollups, 3)
	for _, r := range rollups {
		assert.Equal(t, 50.0, r.MemUsedPct)
		assert.True(t, r.CPUUsagePctAvg10s.Valid())
	}

	// First minute holds ticks 1..12, whose averages are the call numbers
	v, _ := rollups[0].CPUUsagePctAvg10s.Get()
	assert.InDelta(t, 6.5, v, 1e-9)

	assert.Equal(t, want[2], s.State().LastRollupBucketMs)
}

func TestRollupWaitsForMinuteToClose(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	s := newScheduler(t, store, &scriptedCollector{mem: 50}, clock, sampler.DefaultConfig())
	ctx := context.Background()

	// 12:00:02 .. 12:00:57 never closes the 12:00 bucket
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Tick(ctx))
		clock.Advance(5 * time.Second)
	}
	assert.Empty(t, store.rollups)

	// 12:01:02 closes 12:00
	require.NoError(t, s.Tick(ctx))
	minute := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []int64{minute.UnixMilli()}, store.rollups)
}

func TestRestartCatchesUpMissedMinutes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	minute := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	// Samples written by a previous run for 12:00, 12:01 and 12:02
	var rows []metrics.RawSample
	for m := 0; m < 3; m++ {
		for sec := 0; sec < 60; sec += 20 {
			ts := minute.Add(time.Duration(m)*time.Minute + time.Duration(sec)*time.Second)
			rows = append(rows, metrics.RawSample{TimeMs: ts.UnixMilli(), MemUsedPct: float64(m + 1)})
		}
	}
	require.NoError(t, store.InsertRawBatch(ctx, rows))

	clock := &manualClock{now: minute.Add(10*time.Minute + 5*time.Second)}
	s := newScheduler(t, store, &scriptedCollector{mem: 9}, clock, sampler.DefaultConfig())
	require.NoError(t, s.Tick(ctx))

	rollups, err := store.SelectRollupRange(ctx, 0, minute.Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, rollups, 3)
	for i, r := range rollups {
		assert.Equal(t, minute.Add(time.Duration(i)*time.Minute).UnixMilli(), r.BucketStartMs)
		assert.Equal(t, float64(i+1), r.MemUsedPct)
	}
	assert.Equal(t, minute.Add(9*time.Minute).UnixMilli(), s.State().LastRollupBucketMs)
}

func TestPruneRunsOnBoundedCadence(t *testing.T) {
	store := newStore(t)
	clock := &manualClock{now: t0}
	s := newScheduler(t, store, &scriptedCollector{mem: 10}, clock, sampler.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Tick(ctx))
		clock.Advance(time.Minute)
	}

	// Minutes 0, 10 and 20
	assert.Equal(t, 3, store.prunes)
	assert.Equal(t, t0.Add(20*time.Minute).UnixMilli(), s.State().LastPrunedAtMs)
}

func TestPruneRemovesExpiredRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := metrics.RawSample{TimeMs: t0.Add(-30 * time.Hour).UnixMilli(), MemUsedPct: 1}
	require.NoError(t, store.InsertRaw(ctx, old))

	cfg := sampler.DefaultConfig()
	cfg.Retention = metrics.RetentionPolicy{RawHours: 24, RollupDays: 30}
	s := newScheduler(t, store, &scriptedCollector{mem: 10}, &manualClock{now: t0}, cfg)
	require.NoError(t, s.Tick(ctx))

	rows := allRaw(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, t0.UnixMilli(), rows[0].TimeMs)
}

func TestTicksNeverOverlap(t *testing.T) {
	store := newStore(t)
	col := &scriptedCollector{mem: 10, release: make(chan struct{})}
	s := newScheduler(t, store, col, &manualClock{now: t0}, sampler.DefaultConfig())
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Tick(ctx) }()

	require.Eventually(t, func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		return col.calls == 1
	}, time.Second, 5*time.Millisecond)

	err := s.Tick(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sampler.ErrTickInProgress))

	close(col.release)
	require.NoError(t, <-firstDone)
}

func TestIntervalIsClamped(t *testing.T) {
	store := newStore(t)

	for _, d := range []time.Duration{0, -time.Second, 10 * time.Millisecond} {
		cfg := sampler.DefaultConfig()
		cfg.Interval = d
		s := newScheduler(t, store, &scriptedCollector{}, nil, cfg)
		assert.GreaterOrEqual(t, s.Interval(), time.Second, "interval %v", d)
	}
}

func TestStartStopFlushesAndStops(t *testing.T) {
	store := newStore(t)
	col := &scriptedCollector{mem: 10}
	cfg := sampler.DefaultConfig()
	cfg.Interval = time.Second
	s := newScheduler(t, store, col, metrics.SystemClock{}, cfg)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool {
		return !s.State().LastTickAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.State().Running)
	err := s.Stop(stopCtx)
	require.Error(t, err, "second stop is rejected")
	assert.True(t, errors.HasCode(err, sampler.ErrNotStarted))

	col.mu.Lock()
	calls := col.calls
	col.mu.Unlock()

	time.Sleep(1500 * time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Equal(t, calls, col.calls, "no ticks after stop")
	assert.NotEmpty(t, allRaw(t, store))
}

func TestStopWithoutStart(t *testing.T) {
	s := newScheduler(t, newStore(t), &scriptedCollector{}, nil, sampler.DefaultConfig())

	err := s.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, sampler.ErrNotStarted))
}

func TestStateDoesNotWaitForStop(t *testing.T) {
	store := newStore(t)
	col := &scriptedCollector{mem: 10, release: make(chan struct{})}
	s := newScheduler(t, store, col, metrics.SystemClock{}, sampler.DefaultConfig())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// The first tick is stuck in the collector
	require.Eventually(t, func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		return col.calls == 1
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- s.Stop(stopCtx)
	}()

	// Stop is now waiting for the loop; State must still answer
	require.Eventually(t, func() bool {
		return !s.State().Running
	}, time.Second, 5*time.Millisecond)

	close(col.release)
	require.NoError(t, <-stopped)
	assert.NotEmpty(t, allRaw(t, store))
}
