package telemetry

import (
	"net/http"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type service struct {
	registry *prometheus.Registry

	gauges       *prometheus.GaugeVec
	lastSample   prometheus.Gauge
	ticks        *prometheus.CounterVec
	rollups      prometheus.Counter
	lastRollup   prometheus.Gauge
	pruned       *prometheus.CounterVec
	pendingBatch prometheus.Gauge
}

type noopExporter struct{}

// NewService builds the Prometheus exporter on a private registry. A
// disabled config yields an exporter that records nothing and serves 404.
func NewService(cfg Config, log logger.Logger) (Exporter, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Prometheus exporter disabled, using no-op exporter")
		return &noopExporter{}, nil
	}

	ns := cfg.Namespace
	s := &service{
		registry: prometheus.NewRegistry(),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "reading",
			Help:      "Latest sampled host reading; series are removed while a reading is absent.",
		}, []string{"metric"}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_sample_timestamp_seconds",
			Help:      "Unix time of the latest raw sample.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sampler_ticks_total",
			Help:      "Sampler ticks by outcome.",
		}, []string{"outcome"}),
		rollups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rollups_total",
			Help:      "Minute buckets rolled up.",
		}),
		lastRollup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_rollup_bucket_seconds",
			Help:      "Start of the newest rolled up minute bucket.",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pruned_rows_total",
			Help:      "Rows deleted by retention, by tier.",
		}, []string{"tier"}),
		pendingBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_samples",
			Help:      "Raw samples waiting to be written.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.gauges, s.lastSample, s.ticks, s.rollups, s.lastRollup, s.pruned, s.pendingBatch,
	} {
		if err := s.registry.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegister, err)
		}
	}

	log.Debug().Str("namespace", ns).Msg("Prometheus exporter initialized")

	return s, nil
}

func (s *service) setReading(name string, r metrics.Reading) {
	if v, ok := r.Get(); ok {
		s.gauges.WithLabelValues(name).Set(v)
		return
	}
	s.gauges.DeleteLabelValues(name)
}

func (s *service) RecordSample(sample metrics.RawSample) {
	s.setReading("cpu_usage_pct_instant", sample.CPUUsagePctInstant)
	s.setReading("cpu_usage_pct_avg10s", sample.CPUUsagePctAvg10s)
	s.setReading("cpu_temp_c", sample.CPUTempC)
	s.setReading("disk_used_pct", sample.DiskUsedPct)
	s.setReading("inodes_used_pct", sample.InodesUsedPct)
	s.setReading("mem_used_pct", metrics.Some(sample.MemUsedPct))
	s.lastSample.Set(float64(sample.TimeMs) / 1000)
}

func (s *service) RecordTick(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.ticks.WithLabelValues(outcome).Inc()
}

func (s *service) RecordRollup(bucketStartMs int64) {
	s.rollups.Inc()
	s.lastRollup.Set(float64(bucketStartMs) / 1000)
}

func (s *service) RecordPrune(res metrics.PruneResult) {
	s.pruned.WithLabelValues("raw").Add(float64(res.RawDeleted))
	s.pruned.WithLabelValues("rollup").Add(float64(res.RollupDeleted))
}

func (s *service) RecordPending(n int) {
	s.pendingBatch.Set(float64(n))
}

func (s *service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (*noopExporter) RecordSample(metrics.RawSample)  {}
func (*noopExporter) RecordTick(error)                {}
func (*noopExporter) RecordRollup(int64)              {}
func (*noopExporter) RecordPrune(metrics.PruneResult) {}
func (*noopExporter) RecordPending(int)               {}

func (*noopExporter) Handler() http.Handler {
	return http.NotFoundHandler()
}
