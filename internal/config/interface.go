package config

// Option adjusts how Load locates configuration sources.
type Option func(*options)

type options struct {
	configPath  string
	envPrefix   string
	searchPaths []string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "HOSTMON"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithSearchPaths replaces the directories searched for hostmon.toml when
// no explicit file is given.
func WithSearchPaths(paths ...string) Option {
	return func(o *options) {
		o.searchPaths = paths
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Adjustment records a configured value that was replaced because it was
// out of range.
type Adjustment struct {
	Key   string
	Value any
	Using any
}
