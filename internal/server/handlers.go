package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/health"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/sampler"
)

const (
	defaultRecentMinutes = 60
	maxRecentMinutes     = 60
)

type rangeResponse struct {
	RangeHours float64          `json:"rangeHours"`
	NowMs      int64            `json:"nowMs"`
	Count      int              `json:"count"`
	Samples    []metrics.Sample `json:"samples"`
}

// parseHours returns NaN for an absent or malformed value so the query
// service applies its default.
func parseHours(raw string) float64 {
	if raw == "" {
		return math.NaN()
	}
	h, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return h
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	hours := metrics.NormalizeRange(parseHours(r.URL.Query().Get("hours")), s.deps.Query.DefaultRangeHours())

	samples, err := s.deps.Query.Query(r.Context(), hours)
	if err != nil {
		s.logError(err, "Range query failed")
		s.respondErrorString(w, http.StatusInternalServerError, string(ErrQueryFailed), err.Error())
		return
	}
	if samples == nil {
		samples = []metrics.Sample{}
	}

	s.respondJSON(w, http.StatusOK, rangeResponse{
		RangeHours: hours,
		NowMs:      s.deps.Clock.Now().UnixMilli(),
		Count:      len(samples),
		Samples:    samples,
	})
}

type recentResponse struct {
	Minutes int                 `json:"minutes"`
	Count   int                 `json:"count"`
	Samples []metrics.RawSample `json:"samples"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	minutes := defaultRecentMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		m, err := strconv.Atoi(raw)
		if err != nil || m <= 0 {
			s.respondErrorString(w, http.StatusBadRequest, string(ErrInvalidParam), "minutes must be a positive integer")
			return
		}
		minutes = min(m, maxRecentMinutes)
	}

	from := s.deps.Clock.Now().Add(-time.Duration(minutes) * time.Minute).UnixMilli()
	samples := s.deps.Sampler.Recent(from)
	if samples == nil {
		samples = []metrics.RawSample{}
	}

	s.respondJSON(w, http.StatusOK, recentResponse{
		Minutes: minutes,
		Count:   len(samples),
		Samples: samples,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok, err := s.deps.Store.Latest(r.Context())
	if err != nil {
		s.logError(err, "Latest sample lookup failed")
		s.respondErrorString(w, http.StatusInternalServerError, string(ErrStoreFailed), err.Error())
		return
	}
	if !ok {
		s.respondErrorString(w, http.StatusNotFound, string(ErrNoSamples), "no samples stored yet")
		return
	}
	s.respondJSON(w, http.StatusOK, metrics.FromRaw(latest))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.logError(err, "Store stats failed")
		s.respondErrorString(w, http.StatusInternalServerError, string(ErrStoreFailed), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	health.Report
	Sampler    sampler.State  `json:"sampler"`
	Stats      *metrics.Stats `json:"stats,omitempty"`
	StatsError string         `json:"statsError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	latest, ok := s.deps.Sampler.Latest()
	if !ok {
		// Buffer is empty right after a restart
		var err error
		latest, ok, err = s.deps.Store.Latest(ctx)
		if err != nil {
			s.logError(err, "Latest sample lookup failed")
			ok = false
		}
	}

	resp := healthResponse{
		Report:  s.deps.Health.Evaluate(ctx, latest, ok),
		Sampler: s.deps.Sampler.State(),
	}

	if stats, err := s.deps.Store.Stats(ctx); err != nil {
		s.logError(err, "Store stats failed")
		resp.StatsError = err.Error()
	} else {
		resp.Stats = &stats
	}

	status := http.StatusOK
	if resp.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) logError(err error, msg string) {
	if e, ok := err.(errors.Error); ok {
		s.log.ErrorWithCode(e).Msg(msg)
		return
	}
	s.log.Error().Err(err).Msg(msg)
}
