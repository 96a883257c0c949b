package collector

import (
	"context"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultProbeTimeout  = 3 * time.Second
	defaultAverageWindow = 10 * time.Second
	defaultDiskPath      = "/"
)

// Sensor keys tried in order when picking the CPU temperature.
var defaultSensors = []string{
	"cpu_thermal",
	"coretemp_package_id_0",
	"coretemp",
	"k10temp",
	"zenpower",
	"soc_thermal",
	"cpu",
}

type Config struct {
	DiskPath      string
	ProbeTimeout  time.Duration
	AverageWindow time.Duration
	Sensors       []string
}

func DefaultConfig() Config {
	return Config{
		DiskPath:      defaultDiskPath,
		ProbeTimeout:  defaultProbeTimeout,
		AverageWindow: defaultAverageWindow,
		Sensors:       defaultSensors,
	}
}

type probes struct {
	cpuTimes    func(ctx context.Context) (cpu.TimesStat, error)
	memUsed     func(ctx context.Context) (float64, error)
	diskUsage   func(ctx context.Context, path string) (*disk.UsageStat, error)
	temperature func(ctx context.Context, sensors []string) (float64, error)
}

type timedReading struct {
	ms    int64
	value float64
}

// Collector samples host metrics through gopsutil. Every probe runs under
// its own timeout; a failed optional probe leaves its field absent.
type Collector struct {
	cfg    Config
	clock  metrics.Clock
	log    logger.Logger
	probes probes

	mu       sync.Mutex
	prev     *cpu.TimesStat
	instants []timedReading
}

func New(cfg Config, clock metrics.Clock, log logger.Logger) *Collector {
	return newWithProbes(cfg, clock, log, probes{
		cpuTimes:    readCPUTimes,
		memUsed:     readMemUsed,
		diskUsage:   disk.UsageWithContext,
		temperature: readTemperature,
	})
}

func newWithProbes(cfg Config, clock metrics.Clock, log logger.Logger, p probes) *Collector {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.AverageWindow <= 0 {
		cfg.AverageWindow = defaultAverageWindow
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = defaultDiskPath
	}
	if len(cfg.Sensors) == 0 {
		cfg.Sensors = defaultSensors
	}
	if clock == nil {
		clock = metrics.SystemClock{}
	}
	return &Collector{
		cfg:    cfg,
		clock:  clock,
		log:    log,
		probes: p,
	}
}

// Collect takes one sample. Only a memory probe failure fails the whole
// collection, since memory is the one required field.
func (c *Collector) Collect(ctx context.Context) (metrics.RawSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.clock.Now().UnixMilli()
	sample := metrics.RawSample{TimeMs: nowMs}

	memPct, err := withTimeout(ctx, c.cfg.ProbeTimeout, c.probes.memUsed)
	if err != nil {
		return metrics.RawSample{}, errors.New().Wrap(ErrMemoryProbe, err)
	}
	sample.MemUsedPct = memPct

	sample.CPUUsagePctInstant = c.cpuInstant(ctx)
	sample.CPUUsagePctAvg10s = c.cpuAverage(nowMs, sample.CPUUsagePctInstant)

	sample.DiskUsedPct, sample.InodesUsedPct = c.diskUsage(ctx)
	sample.CPUTempC = c.optional(ctx, "temperature", func(ctx context.Context) (float64, error) {
		return c.probes.temperature(ctx, c.cfg.Sensors)
	})

	return sample, nil
}

func (c *Collector) optional(ctx context.Context, name string, fn func(context.Context) (float64, error)) metrics.Reading {
	v, err := withTimeout(ctx, c.cfg.ProbeTimeout, fn)
	if err != nil {
		c.log.Debug().Err(err).Str("probe", name).Msg("Probe failed, recording absent value")
		return metrics.Absent()
	}
	return metrics.Some(v)
}

// diskUsage reads block and inode usage of the configured mount in one
// statfs. Filesystems without a fixed inode table report no inodes.
func (c *Collector) diskUsage(ctx context.Context) (used, inodes metrics.Reading) {
	u, err := withTimeout(ctx, c.cfg.ProbeTimeout, func(ctx context.Context) (*disk.UsageStat, error) {
		return c.probes.diskUsage(ctx, c.cfg.DiskPath)
	})
	if err != nil {
		c.log.Debug().Err(err).Str("probe", "disk").Msg("Probe failed, recording absent value")
		return metrics.Absent(), metrics.Absent()
	}

	used = metrics.Some(u.UsedPercent)
	if u.InodesTotal > 0 {
		inodes = metrics.Some(u.InodesUsedPercent)
	}
	return used, inodes
}

func (c *Collector) cpuInstant(ctx context.Context) metrics.Reading {
	times, err := withTimeout(ctx, c.cfg.ProbeTimeout, c.probes.cpuTimes)
	if err != nil {
		c.log.Debug().Err(err).Str("probe", "cpu").Msg("Probe failed, recording absent value")
		return metrics.Absent()
	}

	prev := c.prev
	c.prev = &times
	if prev == nil {
		return metrics.Absent()
	}

	return usageBetween(*prev, times)
}

// cpuAverage records the instant reading and returns the mean of the
// readings inside the trailing window.
func (c *Collector) cpuAverage(nowMs int64, instant metrics.Reading) metrics.Reading {
	if v, ok := instant.Get(); ok {
		c.instants = append(c.instants, timedReading{ms: nowMs, value: v})
	}

	cutoff := nowMs - c.cfg.AverageWindow.Milliseconds()
	kept := c.instants[:0]
	for _, r := range c.instants {
		if r.ms >= cutoff {
			kept = append(kept, r)
		}
	}
	c.instants = kept

	if len(kept) == 0 {
		return metrics.Absent()
	}
	var sum float64
	for _, r := range kept {
		sum += r.value
	}
	return metrics.Some(sum / float64(len(kept)))
}

func busyIdle(t cpu.TimesStat) (busy, total float64) {
	idle := t.Idle + t.Iowait
	total = t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	return total - idle, total
}

// usageBetween is the busy share of CPU time between two counters. It is
// absent when the counters did not advance.
func usageBetween(prev, cur cpu.TimesStat) metrics.Reading {
	prevBusy, prevTotal := busyIdle(prev)
	curBusy, curTotal := busyIdle(cur)

	dTotal := curTotal - prevTotal
	if dTotal <= 0 {
		return metrics.Absent()
	}
	pct := (curBusy - prevBusy) / dTotal * 100
	return metrics.Some(min(100, max(0, pct)))
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, errors.New().Wrap(ErrProbeTimeout, ctx.Err())
	}
}

func readCPUTimes(ctx context.Context) (cpu.TimesStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(times) == 0 {
		return cpu.TimesStat{}, errors.New().New(ErrNoData)
	}
	return times[0], nil
}

func readMemUsed(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

func readTemperature(ctx context.Context, sensors []string) (float64, error) {
	// gopsutil reports unreadable sensors as warnings next to the readable
	// ones, so a non-empty result is used even when err is set.
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err != nil {
			return 0, err
		}
		return 0, errors.New().New(ErrNoData)
	}
	if v, ok := pickSensor(temps, sensors); ok {
		return v, nil
	}
	return 0, errors.New().WithData(ErrNoData, struct {
		Probe   string
		Sensors int
	}{
		Probe:   "temperature",
		Sensors: len(temps),
	})
}

func pickSensor(temps []host.TemperatureStat, preferred []string) (float64, bool) {
	for _, key := range preferred {
		for _, t := range temps {
			if strings.Contains(strings.ToLower(t.SensorKey), key) && t.Temperature > 0 {
				return t.Temperature, true
			}
		}
	}
	return 0, false
}
