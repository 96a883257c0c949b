package sampler

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/telemetry"
)

// Buckets rolled up in one tick after a restart or an outage.
const maxCatchUpBuckets = 60

// Collector produces one raw sample per call.
type Collector interface {
	Collect(ctx context.Context) (metrics.RawSample, error)
}

// State is a point-in-time view of the scheduler watermarks.
type State struct {
	Running             bool      `json:"running"`
	Pending             int       `json:"pending"`
	Buffered            int       `json:"buffered"`
	LastRollupBucketMs  int64     `json:"lastRollupBucketMs"`
	LastPrunedAtMs      int64     `json:"lastPrunedAtMs"`
	LastTickAt          time.Time `json:"lastTickAt"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

type watermarks struct {
	pending          int
	lastRollupBucket int64
	lastPrunedAt     int64
}

// Scheduler drives the collect, flush, rollup and prune cycle on a fixed
// interval. Ticks never overlap; all watermark fields are guarded by tickMu.
type Scheduler struct {
	cfg       Config
	store     metrics.Store
	collector Collector
	clock     metrics.Clock
	log       logger.Logger
	recorder  telemetry.Recorder
	ring      *Ring

	tickMu           sync.Mutex
	pending          []metrics.RawSample
	primed           bool
	lastRollupBucket int64
	lastPrunedAt     int64

	stateMu   sync.RWMutex
	lastTick  time.Time
	lastErr   error
	failures  int
	published watermarks

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(
	cfg Config,
	store metrics.Store,
	collector Collector,
	clock metrics.Clock,
	log logger.Logger,
	recorder telemetry.Recorder,
) *Scheduler {
	cfg = cfg.normalized()
	if clock == nil {
		clock = metrics.SystemClock{}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		collector: collector,
		clock:     clock,
		log:       log,
		recorder:  recorder,
		ring:      NewRing(ringSpan.Milliseconds(), cfg.ringCapacity()),
	}
}

// Start launches the sampling loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel != nil {
		return errors.New().New(ErrAlreadyStarted)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("raw_retention_hours", s.cfg.Retention.RawHours).
		Int("rollup_retention_days", s.cfg.Retention.RollupDays).
		Msg("Sampler started")

	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	err := s.Tick(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	if errors.HasCode(err, ErrTickInProgress) {
		s.log.Warn().Msg("Previous tick still running, skipping")
		return
	}

	s.stateMu.RLock()
	failures := s.failures
	s.stateMu.RUnlock()

	var ev *logger.LogEvent
	if e, ok := err.(errors.Error); ok {
		ev = s.log.ErrorWithCode(e)
	} else {
		ev = s.log.Error()
		ev.Err(err)
	}
	ev.Int("consecutive_failures", failures).Msg("Sampler tick failed")
}

// Stop cancels the loop, waits for it to exit and flushes any pending
// samples. The store is left open for the caller to close. Stopping a
// scheduler that is not running returns ErrNotStarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.cancel == nil {
		s.lifeMu.Unlock()
		return errors.New().New(ErrNotStarted)
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.lifeMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	err := s.flush(ctx)

	s.stateMu.Lock()
	s.published.pending = len(s.pending)
	s.stateMu.Unlock()

	if err != nil {
		return err
	}

	s.log.Info().Msg("Sampler stopped")
	return nil
}

// Tick runs one collect, flush, rollup and prune pass. It returns
// ErrTickInProgress without doing anything if another tick is running.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		return errors.New().New(ErrTickInProgress)
	}
	defer s.tickMu.Unlock()

	err := s.tick(ctx)

	s.stateMu.Lock()
	s.lastTick = s.clock.Now()
	s.lastErr = err
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	s.published = watermarks{
		pending:          len(s.pending),
		lastRollupBucket: s.lastRollupBucket,
		lastPrunedAt:     s.lastPrunedAt,
	}
	s.stateMu.Unlock()

	s.recorder.RecordTick(err)
	return err
}

func (s *Scheduler) tick(ctx context.Context) error {
	errFactory := errors.New()

	sample, err := s.collector.Collect(ctx)
	if err != nil {
		return errFactory.Wrap(ErrCollectFailed, err)
	}
	if sample.TimeMs == 0 {
		sample.TimeMs = s.clock.Now().UnixMilli()
	}

	s.appendPending(sample)
	s.ring.Push(sample)
	s.recorder.RecordSample(sample)

	// Flushing before the rollup guarantees the rollup reads every sample
	// collected so far.
	if err := s.flush(ctx); err != nil {
		return err
	}

	now := s.clock.Now().UnixMilli()

	if err := s.rollup(ctx, now); err != nil {
		return errFactory.Wrap(ErrRollupFailed, err)
	}

	if err := s.prune(ctx, now); err != nil {
		return errFactory.Wrap(ErrPruneFailed, err)
	}

	return nil
}

func (s *Scheduler) appendPending(sample metrics.RawSample) {
	s.pending = append(s.pending, sample)
	if over := len(s.pending) - s.cfg.MaxPending; over > 0 {
		s.log.Warn().
			Int("dropped", over).
			Int("max_pending", s.cfg.MaxPending).
			Msg("Pending batch full, dropping oldest samples")
		s.pending = append(s.pending[:0], s.pending[over:]...)
	}
}

func (s *Scheduler) flush(ctx context.Context) error {
	defer func() { s.recorder.RecordPending(len(s.pending)) }()

	if len(s.pending) == 0 {
		return nil
	}
	if err := s.store.InsertRawBatch(ctx, s.pending); err != nil {
		return errors.New().Wrap(ErrFlushFailed, err).WithData(struct {
			Pending int
		}{
			Pending: len(s.pending),
		})
	}
	s.pending = s.pending[:0]
	return nil
}

// prime sets the rollup watermark from the store so a restart resumes
// after the newest persisted bucket instead of skipping ahead.
func (s *Scheduler) prime(ctx context.Context, now int64) error {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return err
	}

	closed := metrics.LastClosedBucket(now)
	switch {
	case stats.Rollup.Rows > 0:
		s.lastRollupBucket = stats.Rollup.NewestMs
	case stats.Raw.Rows > 0:
		s.lastRollupBucket = metrics.FloorToMinute(stats.Raw.OldestMs) - metrics.MinuteMs
	default:
		s.lastRollupBucket = closed - metrics.MinuteMs
	}

	// Anything older than the raw horizon has been pruned already
	floor := metrics.FloorToMinute(s.cfg.Retention.RawCutoff(now)) - metrics.MinuteMs
	s.lastRollupBucket = max(s.lastRollupBucket, floor)
	s.primed = true

	s.log.Debug().
		Int64("last_rollup_bucket_ms", s.lastRollupBucket).
		Msg("Rollup watermark primed")
	return nil
}

func (s *Scheduler) rollup(ctx context.Context, now int64) error {
	if !s.primed {
		if err := s.prime(ctx, now); err != nil {
			return err
		}
	}

	last := metrics.LastClosedBucket(now)
	if last <= s.lastRollupBucket {
		return nil
	}

	first := s.lastRollupBucket + metrics.MinuteMs
	if n := (last-first)/metrics.MinuteMs + 1; n > maxCatchUpBuckets {
		last = first + (maxCatchUpBuckets-1)*metrics.MinuteMs
	}

	rows, err := s.store.SelectRawRange(ctx, first, last+metrics.MinuteMs-1)
	if err != nil {
		return err
	}

	byBucket := make(map[int64][]metrics.RawSample)
	for _, r := range rows {
		b := metrics.FloorToMinute(r.TimeMs)
		byBucket[b] = append(byBucket[b], r)
	}

	for b := first; b <= last; b += metrics.MinuteMs {
		bucketRows := byBucket[b]
		// A bucket without samples has nothing to average
		if len(bucketRows) > 0 {
			if err := s.store.InsertRollup(ctx, metrics.ComputeRollup(b, bucketRows)); err != nil {
				return err
			}
			s.recorder.RecordRollup(b)
		}
		s.lastRollupBucket = b
	}

	s.log.Debug().
		Int64("from_ms", first).
		Int64("to_ms", last).
		Int("samples", len(rows)).
		Msg("Rolled up closed minutes")

	return nil
}

func (s *Scheduler) prune(ctx context.Context, now int64) error {
	if s.lastPrunedAt != 0 && now-s.lastPrunedAt < s.cfg.PruneEvery.Milliseconds() {
		return nil
	}

	res, err := s.cfg.Retention.Apply(ctx, s.store, now)
	if err != nil {
		return err
	}
	s.lastPrunedAt = now
	s.recorder.RecordPrune(res)

	if res.RawDeleted > 0 || res.RollupDeleted > 0 {
		s.log.Info().
			Int64("raw_deleted", res.RawDeleted).
			Int64("rollup_deleted", res.RollupDeleted).
			Msg("Pruned expired samples")
	}
	return nil
}

// Recent returns buffered samples no older than fromMs, oldest first.
func (s *Scheduler) Recent(fromMs int64) []metrics.RawSample {
	return s.ring.Since(fromMs)
}

// Latest returns the newest buffered sample.
func (s *Scheduler) Latest() (metrics.RawSample, bool) {
	return s.ring.Latest()
}

// Interval returns the effective sampling interval after clamping.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// State reports the scheduler watermarks as of the last finished tick.
func (s *Scheduler) State() State {
	s.lifeMu.Lock()
	running := s.cancel != nil
	s.lifeMu.Unlock()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := State{
		Running:             running,
		Pending:             s.published.pending,
		Buffered:            s.ring.Len(),
		LastRollupBucketMs:  s.published.lastRollupBucket,
		LastPrunedAtMs:      s.published.lastPrunedAt,
		LastTickAt:          s.lastTick,
		ConsecutiveFailures: s.failures,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
