package metrics

import (
	"context"
	"time"
)

// Store is the durable two-tier time-series store. One writer and any number
// of concurrent readers may use it at the same time.
type Store interface {
	InsertRaw(ctx context.Context, row RawSample) error
	InsertRawBatch(ctx context.Context, rows []RawSample) error
	InsertRollup(ctx context.Context, row RollupSample) error

	// Range selects are inclusive on both ends and ordered by key ascending.
	SelectRawRange(ctx context.Context, fromMs, toMs int64) ([]RawSample, error)
	SelectRollupRange(ctx context.Context, fromMs, toMs int64) ([]RollupSample, error)

	// Prune deletes rows whose key is strictly less than the cutoff.
	PruneRaw(ctx context.Context, olderThanMs int64) (int64, error)
	PruneRollup(ctx context.Context, olderThanMs int64) (int64, error)

	Latest(ctx context.Context) (RawSample, bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// RawSample is one observation taken by the sampler on a single tick.
type RawSample struct {
	TimeMs             int64   `json:"timeMs"`
	CPUUsagePctInstant Reading `json:"cpuUsagePctInstant"`
	CPUUsagePctAvg10s  Reading `json:"cpuUsagePctAvg10s"`
	CPUTempC           Reading `json:"cpuTempC"`
	DiskUsedPct        Reading `json:"diskUsedPct"`
	InodesUsedPct      Reading `json:"inodesUsedPct"`
	MemUsedPct         float64 `json:"memUsedPct"`
}

// RollupSample aggregates the raw samples of one minute bucket. Instant CPU
// readings are not carried over.
type RollupSample struct {
	BucketStartMs     int64   `json:"bucketStartMs"`
	CPUUsagePctAvg10s Reading `json:"cpuUsagePctAvg10s"`
	CPUTempC          Reading `json:"cpuTempC"`
	DiskUsedPct       Reading `json:"diskUsedPct"`
	InodesUsedPct     Reading `json:"inodesUsedPct"`
	MemUsedPct        float64 `json:"memUsedPct"`
}

// Resolution names the tier a Sample was read from.
type Resolution string

const (
	ResolutionRaw Resolution = "raw"
	Resolution1m  Resolution = "1m"
)

// Sample is the caller-facing shape returned by range queries.
type Sample struct {
	TimeMs             int64      `json:"timeMs"`
	Time               string     `json:"time"`
	Resolution         Resolution `json:"resolution"`
	CPUUsagePctInstant Reading    `json:"cpuUsagePctInstant"`
	CPUUsagePctAvg10s  Reading    `json:"cpuUsagePctAvg10s"`
	CPUTempC           Reading    `json:"cpuTempC"`
	DiskUsedPct        Reading    `json:"diskUsedPct"`
	InodesUsedPct      Reading    `json:"inodesUsedPct"`
	MemUsedPct         Reading    `json:"memUsedPct"`
}

// TierStats summarizes the rows held by one tier.
type TierStats struct {
	Rows     int64 `json:"rows"`
	OldestMs int64 `json:"oldestMs,omitempty"`
	NewestMs int64 `json:"newestMs,omitempty"`
}

// Stats summarizes both tiers.
type Stats struct {
	Raw    TierStats `json:"raw"`
	Rollup TierStats `json:"rollup"`
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

// FromRaw converts a raw row into the caller-facing shape.
func FromRaw(r RawSample) Sample {
	return Sample{
		TimeMs:             r.TimeMs,
		Time:               formatTime(r.TimeMs),
		Resolution:         ResolutionRaw,
		CPUUsagePctInstant: r.CPUUsagePctInstant,
		CPUUsagePctAvg10s:  r.CPUUsagePctAvg10s,
		CPUTempC:           r.CPUTempC,
		DiskUsedPct:        r.DiskUsedPct,
		InodesUsedPct:      r.InodesUsedPct,
		MemUsedPct:         Some(r.MemUsedPct),
	}
}

// FromRollup converts a rollup row into the caller-facing shape.
func FromRollup(r RollupSample) Sample {
	return Sample{
		TimeMs:            r.BucketStartMs,
		Time:              formatTime(r.BucketStartMs),
		Resolution:        Resolution1m,
		CPUUsagePctAvg10s: r.CPUUsagePctAvg10s,
		CPUTempC:          r.CPUTempC,
		DiskUsedPct:       r.DiskUsedPct,
		InodesUsedPct:     r.InodesUsedPct,
		MemUsedPct:        Some(r.MemUsedPct),
	}
}
