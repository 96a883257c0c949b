package telemetry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestExporterRecordsSample(t *testing.T) {
	exp, err := telemetry.NewService(telemetry.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	exp.RecordSample(metrics.RawSample{
		TimeMs:            1_700_000_000_000,
		CPUUsagePctAvg10s: metrics.Some(12.5),
		CPUTempC:          metrics.Absent(),
		DiskUsedPct:       metrics.Some(0),
		InodesUsedPct:     metrics.Some(3.5),
		MemUsedPct:        40,
	})
	exp.RecordTick(nil)
	exp.RecordTick(errors.New().New(errors.ErrInternal))
	exp.RecordRollup(1_700_000_000_000)
	exp.RecordPrune(metrics.PruneResult{RawDeleted: 3, RollupDeleted: 1})
	exp.RecordPending(2)

	code, body := scrape(t, exp.Handler())
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `hostmon_reading{metric="cpu_usage_pct_avg10s"} 12.5`)
	assert.Contains(t, body, `hostmon_reading{metric="disk_used_pct"} 0`)
	assert.Contains(t, body, `hostmon_reading{metric="inodes_used_pct"} 3.5`)
	assert.Contains(t, body, `hostmon_reading{metric="mem_used_pct"} 40`)
	assert.NotContains(t, body, `metric="cpu_temp_c"`)
	assert.NotContains(t, body, `metric="cpu_usage_pct_instant"`)
	assert.Contains(t, body, `hostmon_sampler_ticks_total{outcome="ok"} 1`)
	assert.Contains(t, body, `hostmon_sampler_ticks_total{outcome="error"} 1`)
	assert.Contains(t, body, `hostmon_rollups_total 1`)
	assert.Contains(t, body, `hostmon_pruned_rows_total{tier="raw"} 3`)
	assert.Contains(t, body, `hostmon_pending_samples 2`)
}

func TestExporterDropsSeriesWhenReadingDisappears(t *testing.T) {
	exp, err := telemetry.NewService(telemetry.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	exp.RecordSample(metrics.RawSample{CPUTempC: metrics.Some(50), MemUsedPct: 1})
	_, body := scrape(t, exp.Handler())
	assert.Contains(t, body, `metric="cpu_temp_c"`)

	exp.RecordSample(metrics.RawSample{MemUsedPct: 1})
	_, body = scrape(t, exp.Handler())
	assert.NotContains(t, body, `metric="cpu_temp_c"`)
}

func TestDisabledExporter(t *testing.T) {
	exp, err := telemetry.NewService(telemetry.Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)

	exp.RecordSample(metrics.RawSample{MemUsedPct: 1})
	code, _ := scrape(t, exp.Handler())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInvalidConfig(t *testing.T) {
	_, err := telemetry.NewService(telemetry.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, telemetry.ErrInvalidConfig))
}
