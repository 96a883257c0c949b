package metrics

import (
	"math"

	"codeberg.org/mutker/hostmon/internal/errors"
)

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/hostmon/metrics.db"

	defaultRawRetentionHours   = 24
	defaultRollupRetentionDays = 30
	defaultRangeHours          = 6.0

	minRangeHours = 0.25
	maxRangeHours = 720.0
)

type Config struct {
	DBPath              string
	BackupOnMigrate     bool
	RawRetentionHours   int
	RollupRetentionDays int
	DefaultRangeHours   float64
}

func DefaultConfig() Config {
	return Config{
		DBPath:              defaultDBPath,
		BackupOnMigrate:     true,
		RawRetentionHours:   defaultRawRetentionHours,
		RollupRetentionDays: defaultRollupRetentionDays,
		DefaultRangeHours:   defaultRangeHours,
	}
}

// Validate rejects an empty database path.
func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

// Retention returns the retention policy described by the config.
func (c Config) Retention() RetentionPolicy {
	return RetentionPolicy{
		RawHours:   c.RawRetentionHours,
		RollupDays: c.RollupRetentionDays,
	}
}

func (c Config) defaultRange() float64 {
	if math.IsNaN(c.DefaultRangeHours) || math.IsInf(c.DefaultRangeHours, 0) || c.DefaultRangeHours <= 0 {
		return defaultRangeHours
	}
	return clampRange(c.DefaultRangeHours)
}
