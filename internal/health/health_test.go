package health

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(age time.Duration) metrics.RawSample {
	return metrics.RawSample{
		TimeMs:            now.Add(-age).UnixMilli(),
		CPUUsagePctAvg10s: metrics.Some(20),
		CPUTempC:          metrics.Some(50),
		DiskUsedPct:       metrics.Some(40),
		InodesUsedPct:     metrics.Some(10),
		MemUsedPct:        30,
	}
}

func newTestEvaluator(cfg Config, find ProcessFinder) *Evaluator {
	return newEvaluator(cfg, fixedClock{now: now}, logger.Nop(), find, nil)
}

func newKernelEvaluator(cfg Config, count KernelLogCounter) *Evaluator {
	cfg.KernelLog = true
	return newEvaluator(cfg, fixedClock{now: now}, logger.Nop(), nil, count)
}

func checkByName(t *testing.T, r Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "check not found", "%s", name)
	return Check{}
}

func TestEvaluateHealthySample(t *testing.T) {
	e := newTestEvaluator(Config{}, nil)

	r := e.Evaluate(context.Background(), sampleAt(2*time.Second), true)

	assert.Equal(t, StatusOK, r.Status)
	assert.Nil(t, r.Service)
	assert.Len(t, r.Checks, 6)
}

func TestEvaluateThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *metrics.RawSample)
		check  string
		want   Status
	}{
		{"hot cpu warns", func(s *metrics.RawSample) { s.CPUTempC = metrics.Some(80) }, "cpu_temp_c", StatusWarn},
		{"very hot cpu is critical", func(s *metrics.RawSample) { s.CPUTempC = metrics.Some(85) }, "cpu_temp_c", StatusCritical},
		{"full disk is critical", func(s *metrics.RawSample) { s.DiskUsedPct = metrics.Some(99) }, "disk_used_pct", StatusCritical},
		{"inodes exhausted is critical", func(s *metrics.RawSample) { s.InodesUsedPct = metrics.Some(96) }, "inodes_used_pct", StatusCritical},
		{"many inodes warns", func(s *metrics.RawSample) { s.InodesUsedPct = metrics.Some(85) }, "inodes_used_pct", StatusWarn},
		{"high memory warns", func(s *metrics.RawSample) { s.MemUsedPct = 91 }, "mem_used_pct", StatusWarn},
		{"busy cpu warns", func(s *metrics.RawSample) { s.CPUUsagePctAvg10s = metrics.Some(95) }, "cpu_usage_pct_avg_10s", StatusWarn},
	}

	e := newTestEvaluator(Config{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampleAt(time.Second)
			tt.mutate(&s)

			r := e.Evaluate(context.Background(), s, true)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.want, checkByName(t, r, tt.check).Status)
		})
	}
}

func TestMissingReadingsNeverRaiseVerdict(t *testing.T) {
	e := newTestEvaluator(Config{}, nil)

	s := sampleAt(time.Second)
	s.CPUTempC = metrics.Absent()
	s.DiskUsedPct = metrics.Absent()
	s.InodesUsedPct = metrics.Absent()
	s.CPUUsagePctAvg10s = metrics.Absent()

	r := e.Evaluate(context.Background(), s, true)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "cpu_temp_c").Status)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "inodes_used_pct").Status)

	r = e.Evaluate(context.Background(), metrics.RawSample{}, false)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "sample").Status)
}

func TestStaleSampleWarns(t *testing.T) {
	e := newTestEvaluator(Config{StaleAfter: 10 * time.Second}, nil)

	r := e.Evaluate(context.Background(), sampleAt(time.Minute), true)
	assert.Equal(t, StatusWarn, r.Status)

	c := checkByName(t, r, "sample")
	v, ok := c.Value.Get()
	require.True(t, ok)
	assert.Equal(t, 60.0, v)
}

func TestServiceRunning(t *testing.T) {
	find := func(_ context.Context, name string) ([]int32, error) {
		assert.Equal(t, "nginx", name)
		return []int32{10, 11}, nil
	}
	e := newTestEvaluator(Config{Service: "nginx"}, find)

	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	assert.Equal(t, StatusOK, r.Status)
	require.NotNil(t, r.Service)
	assert.True(t, r.Service.Running)
	assert.Equal(t, []int32{10, 11}, r.Service.PIDs)
}

func TestServiceDownIsCritical(t *testing.T) {
	find := func(context.Context, string) ([]int32, error) { return nil, nil }
	e := newTestEvaluator(Config{Service: "nginx"}, find)

	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	assert.Equal(t, StatusCritical, r.Status)
	require.NotNil(t, r.Service)
	assert.False(t, r.Service.Running)
}

func TestServiceProbeFailureIsUnknown(t *testing.T) {
	find := func(context.Context, string) ([]int32, error) { return nil, stderrors.New("permission denied") }
	e := newTestEvaluator(Config{Service: "nginx"}, find)

	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "service").Status)
	assert.Contains(t, r.Service.Error, "permission denied")
}

func TestServiceProbeTimeout(t *testing.T) {
	find := func(ctx context.Context, _ string) ([]int32, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return []int32{1}, nil
	}
	e := newTestEvaluator(Config{Service: "nginx", ProbeTimeout: 20 * time.Millisecond}, find)

	start := time.Now()
	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "service").Status)
}

func TestFindProcessesNoMatch(t *testing.T) {
	pids, err := FindProcesses(context.Background(), "definitely-not-a-process-name")
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "nginx", baseName("/usr/sbin/nginx"))
	assert.Equal(t, "nginx", baseName("nginx"))
}

func TestKernelLogCheck(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  Status
	}{
		{"quiet kernel", 0, StatusOK},
		{"one error warns", 1, StatusWarn},
		{"error storm is critical", 20, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotWindow time.Duration
			count := func(_ context.Context, window time.Duration) (int, error) {
				gotWindow = window
				return tt.count, nil
			}
			e := newKernelEvaluator(Config{}, count)

			r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
			c := checkByName(t, r, "kernel_log")
			assert.Equal(t, tt.want, c.Status)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, metrics.Some(float64(tt.count)), c.Value)
			assert.Equal(t, 10*time.Minute, gotWindow)
		})
	}
}

func TestKernelLogUnreadableIsUnknown(t *testing.T) {
	count := func(context.Context, time.Duration) (int, error) {
		return 0, stderrors.New("open /dev/kmsg: operation not permitted")
	}
	e := newKernelEvaluator(Config{}, count)

	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	c := checkByName(t, r, "kernel_log")
	assert.Equal(t, StatusUnknown, c.Status)
	assert.False(t, c.Value.Valid())
	assert.Contains(t, c.Message, "operation not permitted")
	assert.Equal(t, StatusOK, r.Status)
}

func TestKernelLogTimeoutIsUnknown(t *testing.T) {
	count := func(ctx context.Context, _ time.Duration) (int, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return 50, nil
	}
	e := newKernelEvaluator(Config{ProbeTimeout: 20 * time.Millisecond}, count)

	start := time.Now()
	r := e.Evaluate(context.Background(), metrics.RawSample{}, false)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnknown, checkByName(t, r, "kernel_log").Status)
	assert.Equal(t, StatusOK, r.Status)
}

func TestKernelLogDisabledByDefault(t *testing.T) {
	e := newTestEvaluator(Config{}, nil)

	r := e.Evaluate(context.Background(), sampleAt(time.Second), true)
	for _, c := range r.Checks {
		assert.NotEqual(t, "kernel_log", c.Name)
	}
}

func TestParseKmsgRecord(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want kmsgRecord
		ok   bool
	}{
		{"kernel err", "3,1234,5000000,-;ata1: failed command\n", kmsgRecord{level: 3, tsUs: 5_000_000}, true},
		{"daemon info", "30,7,42,-;systemd[1]: started\n", kmsgRecord{level: 6, tsUs: 42}, true},
		{"extra header fields", "2,9,100,c,caller=T1;oops\n", kmsgRecord{level: 2, tsUs: 100}, true},
		{"no separator", "3,1,2,-", kmsgRecord{}, false},
		{"short header", "3,1;msg", kmsgRecord{}, false},
		{"bad priority", "x,1,2,-;msg", kmsgRecord{}, false},
		{"bad timestamp", "3,1,-5,-;msg", kmsgRecord{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseKmsgRecord([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountRecentKernelErrors(t *testing.T) {
	recs := []kmsgRecord{
		{level: 3, tsUs: 100},  // before the window
		{level: 3, tsUs: 1000}, // on the edge
		{level: 0, tsUs: 2000},
		{level: 4, tsUs: 3000}, // warning
		{level: 6, tsUs: 4000},
	}
	assert.Equal(t, 2, countRecent(recs, 1000))
	assert.Equal(t, 0, countRecent(nil, 0))
}
