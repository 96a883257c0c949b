package server

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	ErrQueryFailed  = errors.ErrorCode("server_query_failed")
	ErrStoreFailed  = errors.ErrorCode("server_store_failed")
	ErrInvalidParam = errors.ErrorCode("server_invalid_parameter")
	ErrNoSamples    = errors.ErrorCode("server_no_samples")
)
