package metrics

import "codeberg.org/mutker/hostmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("metrics_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("metrics_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("metrics_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("metrics_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("metrics_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("metrics_storage_access_failed")
	ErrStorageInit   = errors.ErrorCode("metrics_storage_init_failed")
	ErrStorageClose  = errors.ErrorCode("metrics_storage_close_failed")
	ErrStoreClosed   = errors.ErrorCode("metrics_store_closed")

	// Query Errors
	ErrQueryFailed = errors.ErrorCode("metrics_query_failed")
	ErrPruneFailed = errors.ErrorCode("metrics_prune_failed")
)
