// Package health turns the latest sample and the watched service into a
// coarse ok/warn/critical verdict.
package health

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusWarn     Status = "warn"
	StatusCritical Status = "critical"
	// StatusUnknown marks a check without data. It never raises the verdict.
	StatusUnknown Status = "unknown"
)

func (s Status) rank() int {
	switch s {
	case StatusWarn:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

// Limit is a warn/critical threshold pair; a reading at or above a level
// reaches it.
type Limit struct {
	Warn     float64
	Critical float64
}

func (l Limit) status(v float64) Status {
	switch {
	case v >= l.Critical:
		return StatusCritical
	case v >= l.Warn:
		return StatusWarn
	default:
		return StatusOK
	}
}

type Thresholds struct {
	CPUTempC      Limit
	DiskUsedPct   Limit
	InodesUsedPct Limit
	MemUsedPct    Limit
	CPUUsagePct   Limit
	// KernelErrors grades the count of err-level kernel log records.
	KernelErrors Limit
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUTempC:      Limit{Warn: 75, Critical: 85},
		DiskUsedPct:   Limit{Warn: 85, Critical: 95},
		InodesUsedPct: Limit{Warn: 85, Critical: 95},
		MemUsedPct:    Limit{Warn: 90, Critical: 97},
		CPUUsagePct:   Limit{Warn: 90, Critical: 98},
		KernelErrors:  Limit{Warn: 1, Critical: 20},
	}
}

type Config struct {
	Thresholds Thresholds
	// Service is the watched process name; empty disables the check.
	Service      string
	ProbeTimeout time.Duration
	// StaleAfter is how old the latest sample may be before it warns.
	StaleAfter time.Duration
	// KernelLog enables the kernel log check over the last KernelLogWindow.
	KernelLog       bool
	KernelLogWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		ProbeTimeout:    3 * time.Second,
		StaleAfter:      15 * time.Second,
		KernelLogWindow: 10 * time.Minute,
	}
}

type Check struct {
	Name    string          `json:"name"`
	Status  Status          `json:"status"`
	Value   metrics.Reading `json:"value"`
	Message string          `json:"message,omitempty"`
}

type ServiceStatus struct {
	Name    string  `json:"name"`
	Running bool    `json:"running"`
	PIDs    []int32 `json:"pids,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type Report struct {
	Status       Status         `json:"status"`
	SampleTimeMs int64          `json:"sampleTimeMs,omitempty"`
	Checks       []Check        `json:"checks"`
	Service      *ServiceStatus `json:"service,omitempty"`
}

type Evaluator struct {
	cfg         Config
	find        ProcessFinder
	countKernel KernelLogCounter
	clock       metrics.Clock
	log         logger.Logger
}

func NewEvaluator(cfg Config, clock metrics.Clock, log logger.Logger) *Evaluator {
	return newEvaluator(cfg, clock, log, FindProcesses, CountKernelErrors)
}

func newEvaluator(cfg Config, clock metrics.Clock, log logger.Logger, find ProcessFinder, countKernel KernelLogCounter) *Evaluator {
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.KernelLogWindow <= 0 {
		cfg.KernelLogWindow = def.KernelLogWindow
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if clock == nil {
		clock = metrics.SystemClock{}
	}
	return &Evaluator{cfg: cfg, find: find, countKernel: countKernel, clock: clock, log: log}
}

// Evaluate grades latest against the thresholds and checks the watched
// service. ok is false when no sample exists yet.
func (e *Evaluator) Evaluate(ctx context.Context, latest metrics.RawSample, ok bool) Report {
	r := Report{Status: StatusOK}

	if !ok {
		r.Checks = append(r.Checks, Check{Name: "sample", Status: StatusUnknown, Message: "no samples yet"})
	} else {
		r.SampleTimeMs = latest.TimeMs
		r.Checks = append(r.Checks, e.freshness(latest.TimeMs))

		t := e.cfg.Thresholds
		r.Checks = append(r.Checks,
			grade("cpu_temp_c", latest.CPUTempC, t.CPUTempC),
			grade("disk_used_pct", latest.DiskUsedPct, t.DiskUsedPct),
			grade("inodes_used_pct", latest.InodesUsedPct, t.InodesUsedPct),
			grade("mem_used_pct", metrics.Some(latest.MemUsedPct), t.MemUsedPct),
			grade("cpu_usage_pct_avg_10s", latest.CPUUsagePctAvg10s, t.CPUUsagePct),
		)
	}

	if e.cfg.Service != "" {
		svc, check := e.service(ctx)
		r.Service = &svc
		r.Checks = append(r.Checks, check)
	}

	if e.cfg.KernelLog {
		r.Checks = append(r.Checks, e.kernelLog(ctx))
	}

	for _, c := range r.Checks {
		if c.Status.rank() > r.Status.rank() {
			r.Status = c.Status
		}
	}
	return r
}

func grade(name string, v metrics.Reading, l Limit) Check {
	value, ok := v.Get()
	if !ok {
		return Check{Name: name, Status: StatusUnknown, Value: v}
	}
	return Check{Name: name, Status: l.status(value), Value: v}
}

func (e *Evaluator) freshness(sampleMs int64) Check {
	age := e.clock.Now().UnixMilli() - sampleMs
	c := Check{Name: "sample", Status: StatusOK, Value: metrics.Some(float64(age) / 1000)}
	if age > e.cfg.StaleAfter.Milliseconds() {
		c.Status = StatusWarn
		c.Message = "latest sample is stale"
	}
	return c
}

func (e *Evaluator) service(ctx context.Context) (ServiceStatus, Check) {
	svc := ServiceStatus{Name: e.cfg.Service}
	check := Check{Name: "service"}

	pids, err := withTimeout(ctx, e.cfg.ProbeTimeout, ErrProcessScan, func(ctx context.Context) ([]int32, error) {
		return e.find(ctx, e.cfg.Service)
	})
	if err != nil {
		e.log.ErrorWithCode(err).Str("service", e.cfg.Service).Msg("Service liveness probe failed")
		svc.Error = err.Error()
		check.Status = StatusUnknown
		check.Message = svc.Error
		return svc, check
	}

	svc.PIDs = pids
	svc.Running = len(pids) > 0
	if svc.Running {
		check.Status = StatusOK
		check.Value = metrics.Some(float64(len(pids)))
	} else {
		check.Status = StatusCritical
		check.Message = "service " + e.cfg.Service + " is not running"
	}
	return svc, check
}

func (e *Evaluator) kernelLog(ctx context.Context) Check {
	check := Check{Name: "kernel_log"}
	window := e.cfg.KernelLogWindow

	n, err := withTimeout(ctx, e.cfg.ProbeTimeout, ErrKernelLog, func(ctx context.Context) (int, error) {
		return e.countKernel(ctx, window)
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("Kernel log unreadable")
		check.Status = StatusUnknown
		check.Message = err.Error()
		return check
	}

	check.Value = metrics.Some(float64(n))
	check.Status = e.cfg.Thresholds.KernelErrors.status(float64(n))
	if n > 0 {
		check.Message = fmt.Sprintf("%d kernel errors in the last %s", n, window)
	}
	return check
}

// withTimeout runs fn under timeout. Errors from fn are wrapped with code;
// running out of time yields ErrProbeTimeout. fn keeps running in the
// background after a timeout and must honor ctx.
func withTimeout[T any](ctx context.Context, timeout time.Duration, code errors.ErrorCode, fn func(context.Context) (T, error)) (T, errors.Error) {
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

	var zero T
	select {
	case res := <-ch:
		if res.err != nil {
			return zero, errors.New().Wrap(code, res.err)
		}
		return res.v, nil
	case <-ctx.Done():
		return zero, errors.New().Wrap(ErrProbeTimeout, ctx.Err())
	}
}
