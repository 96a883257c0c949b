package metrics

import (
	"context"
	"math"

	"codeberg.org/mutker/hostmon/internal/errors"
)

// QueryService answers range queries at the best resolution available,
// reading the rollup tier for history older than the raw retention horizon.
type QueryService struct {
	store     Store
	clock     Clock
	retention RetentionPolicy
	defRange  float64
}

func NewQueryService(store Store, clock Clock, cfg Config) *QueryService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &QueryService{
		store:     store,
		clock:     clock,
		retention: cfg.Retention(),
		defRange:  cfg.defaultRange(),
	}
}

func clampRange(hours float64) float64 {
	return math.Min(maxRangeHours, math.Max(minRangeHours, hours))
}

// NormalizeRange clamps hours to the supported window, substituting def
// when hours is not a finite number.
func NormalizeRange(hours, def float64) float64 {
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		return def
	}
	return clampRange(hours)
}

// Query returns samples covering the last rangeHours, ascending by time.
// Pass math.NaN() to use the configured default range.
func (q *QueryService) Query(ctx context.Context, rangeHours float64) ([]Sample, error) {
	errFactory := errors.New()

	hours := NormalizeRange(rangeHours, q.defRange)
	now := q.clock.Now().UnixMilli()
	from := now - int64(hours*float64(HourMs))
	rawFrom := max(from, q.retention.RawCutoff(now))

	var out []Sample

	if from < rawFrom {
		rollups, err := q.store.SelectRollupRange(ctx, from, rawFrom-1)
		if err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		out = make([]Sample, 0, len(rollups))
		for _, r := range rollups {
			out = append(out, FromRollup(r))
		}
	}

	raws, err := q.store.SelectRawRange(ctx, rawFrom, now)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	if out == nil {
		out = make([]Sample, 0, len(raws))
	}
	for _, r := range raws {
		out = append(out, FromRaw(r))
	}

	return out, nil
}

// DefaultRangeHours is the range used when a caller does not specify one.
func (q *QueryService) DefaultRangeHours() float64 {
	return q.defRange
}
