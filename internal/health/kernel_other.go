//go:build !linux

package health

import (
	"context"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
)

// CountKernelErrors is only implemented on Linux.
func CountKernelErrors(context.Context, time.Duration) (int, error) {
	return 0, errors.New().WithMessage(ErrKernelLog, "kernel log is only readable on Linux")
}
