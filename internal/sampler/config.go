package sampler

import (
	"time"

	"codeberg.org/mutker/hostmon/internal/metrics"
)

const (
	minInterval     = time.Second
	defaultInterval = 5 * time.Second
	pruneEvery      = 10 * time.Minute
	ringSpan        = time.Hour

	// One hour of samples at the minimum interval.
	maxPending = 3600
)

type Config struct {
	Interval   time.Duration
	Retention  metrics.RetentionPolicy
	PruneEvery time.Duration
	MaxPending int
}

func DefaultConfig() Config {
	return Config{
		Interval:   defaultInterval,
		Retention:  metrics.DefaultConfig().Retention(),
		PruneEvery: pruneEvery,
		MaxPending: maxPending,
	}
}

// normalized clamps the interval to the one second floor and fills in
// unset fields.
func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = pruneEvery
	}
	if c.MaxPending <= 0 {
		c.MaxPending = maxPending
	}
	return c
}

func (c Config) ringCapacity() int {
	return int(ringSpan/c.Interval) + 1
}
