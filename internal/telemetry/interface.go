package telemetry

import (
	"net/http"

	"codeberg.org/mutker/hostmon/internal/metrics"
)

// Recorder receives sampler events for exposition.
type Recorder interface {
	RecordSample(sample metrics.RawSample)
	RecordTick(err error)
	RecordRollup(bucketStartMs int64)
	RecordPrune(res metrics.PruneResult)
	RecordPending(n int)
}

// Exporter is a Recorder that can serve what it recorded.
type Exporter interface {
	Recorder
	Handler() http.Handler
}
