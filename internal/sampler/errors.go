package sampler

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	ErrCollectFailed  = errors.ErrorCode("sampler_collect_failed")
	ErrFlushFailed    = errors.ErrorCode("sampler_flush_failed")
	ErrRollupFailed   = errors.ErrorCode("sampler_rollup_failed")
	ErrPruneFailed    = errors.ErrorCode("sampler_prune_failed")
	ErrTickInProgress = errors.ErrorCode("sampler_tick_in_progress")
	ErrAlreadyStarted = errors.ErrorCode("sampler_already_started")
	ErrNotStarted     = errors.ErrorCode("sampler_not_started")
)
