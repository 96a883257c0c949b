package metrics

import (
	"context"

	"codeberg.org/mutker/hostmon/internal/errors"
)

// RetentionPolicy holds the age horizons of the two tiers. Values below one
// are treated as one so a bad setting cannot wipe the store.
type RetentionPolicy struct {
	RawHours   int
	RollupDays int
}

// PruneResult reports how many rows a prune pass removed.
type PruneResult struct {
	RawCutoffMs    int64
	RollupCutoffMs int64
	RawDeleted     int64
	RollupDeleted  int64
}

func (p RetentionPolicy) rawHours() int64 {
	return int64(max(1, p.RawHours))
}

// RawCutoff is the key below which raw rows are expired at nowMs.
func (p RetentionPolicy) RawCutoff(nowMs int64) int64 {
	return nowMs - p.rawHours()*HourMs
}

// RollupCutoff is the key below which rollup rows are expired at nowMs.
func (p RetentionPolicy) RollupCutoff(nowMs int64) int64 {
	return nowMs - int64(max(1, p.RollupDays))*DayMs
}

// Apply prunes both tiers. The raw tier is pruned first; a failure there
// leaves the rollup tier untouched.
func (p RetentionPolicy) Apply(ctx context.Context, store Store, nowMs int64) (PruneResult, error) {
	errFactory := errors.New()

	res := PruneResult{
		RawCutoffMs:    p.RawCutoff(nowMs),
		RollupCutoffMs: p.RollupCutoff(nowMs),
	}

	var err error
	if res.RawDeleted, err = store.PruneRaw(ctx, res.RawCutoffMs); err != nil {
		return res, errFactory.Wrap(ErrPruneFailed, err).WithMessage("Failed to prune raw tier")
	}
	if res.RollupDeleted, err = store.PruneRollup(ctx, res.RollupCutoffMs); err != nil {
		return res, errFactory.Wrap(ErrPruneFailed, err).WithMessage("Failed to prune rollup tier")
	}

	return res, nil
}
