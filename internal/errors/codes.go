package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"

	// Configuration errors
	ErrInvalidConfig ErrorCode = "invalid_configuration"
	ErrBindFlags     ErrorCode = "bind_flags_failed"
	ErrReadConfig    ErrorCode = "read_config_failed"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrAlreadyRunning ErrorCode = "already_running"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"

	// Application errors
	ErrOpenStore    ErrorCode = "open_store_failed"
	ErrCloseStore   ErrorCode = "close_store_failed"
	ErrStopSampler  ErrorCode = "stop_sampler_failed"
	ErrServeHTTP    ErrorCode = "serve_http_failed"
	ErrShutdownHTTP ErrorCode = "shutdown_http_failed"
)

var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrInvalidConfig:   "Invalid configuration",
	ErrBindFlags:       "Failed to bind flags",
	ErrReadConfig:      "Failed to read config file",
	ErrInvalidLogLevel: "Invalid log level",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrTimeout:         "Operation timed out",
	ErrOpenStore:       "Failed to open metrics store",
	ErrCloseStore:      "Failed to close metrics store",
	ErrStopSampler:     "Failed to stop sampler",
	ErrServeHTTP:       "HTTP server failed",
	ErrShutdownHTTP:    "Failed to shut down HTTP server",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
