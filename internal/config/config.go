package config

import (
	"math"
	"os"
	"strings"

	"codeberg.org/mutker/hostmon/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultIntervalMs          = 5000
	MinIntervalMs              = 1000
	DefaultRawRetentionHours   = 24
	DefaultRollupRetentionDays = 30
	DefaultRangeHours          = 6.0
	MinRangeHours              = 0.25
	MaxRangeHours              = 720.0
	DefaultDBPath              = "/var/lib/hostmon/metrics.db"
	DefaultListen              = ":8080"
	DefaultDiskPath            = "/"
	DefaultProbeTimeoutMs      = 3000
	DefaultKernelLogWindowMin  = 10
	DefaultPIDFile             = "/run/hostmon.pid"
	DefaultEnvPrefix           = "HOSTMON"
)

type Config struct {
	IntervalMs          int
	RawRetentionHours   int
	RollupRetentionDays int
	DefaultRangeHours   float64
	DBPath              string
	Listen              string
	DiskPath            string
	Service             string
	ProbeTimeoutMs      int
	KernelLog           bool
	KernelLogWindowMin  int
	PIDFile             string
	Prometheus          bool
	LogLevel            LogLevel
	Debug               bool
	Verbose             bool

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string
	// Adjustments lists out-of-range values that were replaced.
	Adjustments []Adjustment
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval_ms", DefaultIntervalMs)
	v.SetDefault("raw_retention_hours", DefaultRawRetentionHours)
	v.SetDefault("rollup_retention_days", DefaultRollupRetentionDays)
	v.SetDefault("default_range_hours", DefaultRangeHours)
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("disk_path", DefaultDiskPath)
	v.SetDefault("service", "")
	v.SetDefault("probe_timeout_ms", DefaultProbeTimeoutMs)
	v.SetDefault("kernel_log", true)
	v.SetDefault("kernel_log_window_min", DefaultKernelLogWindowMin)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("prometheus", true)
	v.SetDefault("log_level", "")
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("hostmon", pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.Int("interval-ms", DefaultIntervalMs, "Sampling interval in milliseconds")
	fs.Int("raw-retention-hours", DefaultRawRetentionHours, "Hours of raw samples to keep")
	fs.Int("rollup-retention-days", DefaultRollupRetentionDays, "Days of minute rollups to keep")
	fs.Float64("default-range-hours", DefaultRangeHours, "Range served when a query names none")
	fs.String("db-path", DefaultDBPath, "Path to the metrics database")
	fs.String("listen", DefaultListen, "HTTP listen address")
	fs.String("disk-path", DefaultDiskPath, "Mount point whose usage is sampled")
	fs.String("service", "", "Process name whose liveness is reported by /health")
	fs.Int("probe-timeout-ms", DefaultProbeTimeoutMs, "Timeout for each host probe in milliseconds")
	fs.Bool("kernel-log", true, "Report recent kernel log errors on /health")
	fs.Int("kernel-log-window-min", DefaultKernelLogWindowMin, "Minutes of kernel log checked for errors")
	fs.String("pid-file", DefaultPIDFile, "PID file path")
	fs.Bool("prometheus", true, "Serve Prometheus metrics on /metrics")
	fs.String("log-level", "", "Log level: debug, info, warning or error")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	return fs
}

// Load merges built-in defaults, the TOML config file, HOSTMON_ environment
// variables and command-line flags, in increasing precedence. Out-of-range
// numeric values are replaced and reported in Adjustments; an unreadable
// config file or an unknown log level is an error.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		envPrefix:   DefaultEnvPrefix,
		searchPaths: []string{"/etc"},
	}
	for _, opt := range opts {
		opt(&o)
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if f := fs.Lookup("config"); f.Changed {
		path = f.Value.String()
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("hostmon")
		v.SetConfigType("toml")
		for _, p := range o.searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Flags only override when given explicitly
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	cfg := &Config{
		IntervalMs:          v.GetInt("interval_ms"),
		RawRetentionHours:   v.GetInt("raw_retention_hours"),
		RollupRetentionDays: v.GetInt("rollup_retention_days"),
		DefaultRangeHours:   v.GetFloat64("default_range_hours"),
		DBPath:              v.GetString("db_path"),
		Listen:              v.GetString("listen"),
		DiskPath:            v.GetString("disk_path"),
		Service:             v.GetString("service"),
		ProbeTimeoutMs:      v.GetInt("probe_timeout_ms"),
		KernelLog:           v.GetBool("kernel_log"),
		KernelLogWindowMin:  v.GetInt("kernel_log_window_min"),
		PIDFile:             v.GetString("pid_file"),
		Prometheus:          v.GetBool("prometheus"),
		LogLevel:            LogLevel(strings.ToLower(v.GetString("log_level"))),
		Debug:               v.GetBool("debug"),
		Verbose:             v.GetBool("verbose"),
		ConfigFile:          v.ConfigFileUsed(),
	}

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		return nil, errFactory.WithData(errors.ErrInvalidLogLevel, cfg.LogLevel)
	}

	if cfg.DBPath == "" {
		return nil, errFactory.WithMessage(errors.ErrInvalidConfig, "db_path must not be empty")
	}

	cfg.normalize()

	return cfg, nil
}

func (c *Config) adjust(key string, value, using any) {
	c.Adjustments = append(c.Adjustments, Adjustment{Key: key, Value: value, Using: using})
}

func (c *Config) normalize() {
	switch {
	case c.IntervalMs <= 0:
		c.adjust("interval_ms", c.IntervalMs, DefaultIntervalMs)
		c.IntervalMs = DefaultIntervalMs
	case c.IntervalMs < MinIntervalMs:
		c.adjust("interval_ms", c.IntervalMs, MinIntervalMs)
		c.IntervalMs = MinIntervalMs
	}

	if c.RawRetentionHours <= 0 {
		c.adjust("raw_retention_hours", c.RawRetentionHours, DefaultRawRetentionHours)
		c.RawRetentionHours = DefaultRawRetentionHours
	}

	if c.RollupRetentionDays <= 0 {
		c.adjust("rollup_retention_days", c.RollupRetentionDays, DefaultRollupRetentionDays)
		c.RollupRetentionDays = DefaultRollupRetentionDays
	}

	switch h := c.DefaultRangeHours; {
	case math.IsNaN(h) || math.IsInf(h, 0) || h <= 0:
		c.adjust("default_range_hours", h, DefaultRangeHours)
		c.DefaultRangeHours = DefaultRangeHours
	case h < MinRangeHours:
		c.adjust("default_range_hours", h, MinRangeHours)
		c.DefaultRangeHours = MinRangeHours
	case h > MaxRangeHours:
		c.adjust("default_range_hours", h, MaxRangeHours)
		c.DefaultRangeHours = MaxRangeHours
	}

	if c.ProbeTimeoutMs <= 0 {
		c.adjust("probe_timeout_ms", c.ProbeTimeoutMs, DefaultProbeTimeoutMs)
		c.ProbeTimeoutMs = DefaultProbeTimeoutMs
	}

	if c.KernelLogWindowMin <= 0 {
		c.adjust("kernel_log_window_min", c.KernelLogWindowMin, DefaultKernelLogWindowMin)
		c.KernelLogWindowMin = DefaultKernelLogWindowMin
	}

	if c.DiskPath == "" {
		c.adjust("disk_path", c.DiskPath, DefaultDiskPath)
		c.DiskPath = DefaultDiskPath
	}
}
