package metrics

const (
	MinuteMs = int64(60_000)
	HourMs   = int64(3_600_000)
	DayMs    = int64(86_400_000)
)

// FloorToMinute returns the start of the minute bucket containing ms.
// Negative timestamps floor toward negative infinity.
func FloorToMinute(ms int64) int64 {
	b := ms - ms%MinuteMs
	if ms%MinuteMs < 0 {
		b -= MinuteMs
	}
	return b
}

// LastClosedBucket returns the newest minute bucket that has fully elapsed
// at nowMs.
func LastClosedBucket(nowMs int64) int64 {
	return FloorToMinute(nowMs - MinuteMs)
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(r Reading) {
	if v, ok := r.Get(); ok {
		m.sum += v
		m.count++
	}
}

func (m mean) reading() Reading {
	if m.count == 0 {
		return Absent()
	}
	return Some(m.sum / float64(m.count))
}

// ComputeRollup averages the raw rows of one bucket. Absent values are
// ignored; a field with no contributing values stays absent, except
// MemUsedPct which falls back to 0.
func ComputeRollup(bucketStartMs int64, rows []RawSample) RollupSample {
	var cpu, temp, disk, inodes, mem mean
	for _, r := range rows {
		cpu.add(r.CPUUsagePctAvg10s)
		temp.add(r.CPUTempC)
		disk.add(r.DiskUsedPct)
		inodes.add(r.InodesUsedPct)
		mem.add(Some(r.MemUsedPct))
	}

	// NOTE: the 0 fallback for memory differs from every other field. It is
	// kept for compatibility with existing rollup rows.
	memPct, _ := mem.reading().Get()

	return RollupSample{
		BucketStartMs:     bucketStartMs,
		CPUUsagePctAvg10s: cpu.reading(),
		CPUTempC:          temp.reading(),
		DiskUsedPct:       disk.reading(),
		InodesUsedPct:     inodes.reading(),
		MemUsedPct:        memPct,
	}
}
