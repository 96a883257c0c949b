package health

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	ErrProcessScan  = errors.ErrorCode("health_process_scan_failed")
	ErrProbeTimeout = errors.ErrorCode("health_probe_timeout")
	ErrKernelLog    = errors.ErrorCode("health_kernel_log_failed")
)
