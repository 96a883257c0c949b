package collector

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	ErrMemoryProbe  = errors.ErrorCode("collector_memory_probe_failed")
	ErrProbeTimeout = errors.ErrorCode("collector_probe_timeout")
	ErrNoData       = errors.ErrorCode("collector_no_data")
)
