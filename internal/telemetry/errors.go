package telemetry

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")
	ErrRegister      = errors.ErrorCode("telemetry_register_failed")
)
