package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/liquidity/internal/modules/indicators"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
)

// parseAsOf accepts ISO 8601 timestamps, tolerating a trailing Z and a bare
// date.
func parseAsOf(raw string) (time.Time, error) {
	norm := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, norm); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", norm)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func queryBool(r *http.Request, key string, fallback bool) bool {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return fallback
}

type seriesPoint struct {
	ObservationDate string   `json:"observation_date"`
	ValueNumeric    float64  `json:"value_numeric"`
	Units           string   `json:"units"`
	Scale           float64  `json:"scale"`
	Source          string   `json:"source"`
	VintageID       string   `json:"vintage_id"`
	VintageDate     *string  `json:"vintage_date"`
	PublicationDate *string  `json:"publication_date"`
	FetchedAt       string   `json:"fetched_at"`
}

type seriesResponse struct {
	SeriesID string        `json:"series_id"`
	Points   []seriesPoint `json:"points"`
}

// handleSeries returns the best-known view of one series, optionally
// replayed as of a past fetch time or restricted to a date range.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")
	limit := queryInt(r, "limit", 500)

	var points []series.Point
	var err error
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, parseErr := parseAsOf(raw)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid as_of; use ISO 8601 (e.g., 2025-08-02T12:00:00Z)")
			return
		}
		points, err = s.seriesRepo.AsOfFetched(seriesID, asOf, limit)
	} else if start, end := r.URL.Query().Get("start"), r.URL.Query().Get("end"); start != "" || end != "" {
		var startT, endT *time.Time
		if start != "" {
			t, parseErr := parseAsOf(start)
			if parseErr != nil {
				s.writeError(w, http.StatusBadRequest, "Invalid start date")
				return
			}
			startT = &t
		}
		if end != "" {
			t, parseErr := parseAsOf(end)
			if parseErr != nil {
				s.writeError(w, http.StatusBadRequest, "Invalid end date")
				return
			}
			endT = &t
		}
		points, err = s.seriesRepo.PointsBetween(seriesID, startT, endT)
		if limit > 0 && len(points) > limit {
			points = points[len(points)-limit:]
		}
	} else {
		points, err = s.seriesRepo.LatestPoints(seriesID, limit)
	}
	if err != nil {
		s.log.Error().Err(err).Str("series_id", seriesID).Msg("Failed to query series")
		s.writeError(w, http.StatusInternalServerError, "failed to query series")
		return
	}

	out := seriesResponse{SeriesID: seriesID, Points: make([]seriesPoint, 0, len(points))}
	for _, p := range points {
		point := seriesPoint{
			ObservationDate: p.ObservationDate.Format("2006-01-02"),
			ValueNumeric:    p.ValueNumeric,
			Units:           p.Units,
			Scale:           p.Scale,
			Source:          p.Source,
			VintageID:       p.VintageID,
			FetchedAt:       p.FetchedAt.UTC().Format(time.RFC3339),
		}
		if p.VintageDate != nil {
			v := p.VintageDate.Format("2006-01-02")
			point.VintageDate = &v
		}
		if p.PublicationDate != nil {
			v := p.PublicationDate.UTC().Format(time.RFC3339)
			point.PublicationDate = &v
		}
		out.Points = append(out.Points, point)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleSeriesList returns the distinct stored series ids.
func (s *Server) handleSeriesList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.seriesRepo.DistinctSeriesIDs()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list series ids")
		s.writeError(w, http.StatusInternalServerError, "failed to list series")
		return
	}
	s.writeJSON(w, http.StatusOK, ids)
}

// listIndicators returns the registry, optionally restricted to indicators
// whose input series all have stored data.
func (s *Server) listIndicators(r *http.Request) ([]registry.IndicatorSpec, error) {
	specs, err := s.registryRepo.List()
	if err != nil {
		return nil, err
	}
	if !queryBool(r, "only_available", false) {
		return specs, nil
	}

	stored, err := s.seriesRepo.DistinctSeriesIDs()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(stored))
	for _, id := range stored {
		have[id] = true
	}

	available := specs[:0]
	for _, spec := range specs {
		ok := len(spec.Series) > 0
		for _, sid := range spec.Series {
			if !have[registry.ResolveSeriesID(sid)] {
				ok = false
				break
			}
		}
		if ok {
			available = append(available, spec)
		}
	}
	return available, nil
}

// handleIndicators returns the registry, ordered by indicator id.
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	specs, err := s.listIndicators(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list registry")
		s.writeError(w, http.StatusInternalServerError, "failed to list indicators")
		return
	}
	s.writeJSON(w, http.StatusOK, specs)
}

// handleIndicatorsList returns just the indicator ids.
func (s *Server) handleIndicatorsList(w http.ResponseWriter, r *http.Request) {
	specs, err := s.listIndicators(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list registry")
		s.writeError(w, http.StatusInternalServerError, "failed to list indicators")
		return
	}
	ids := make([]string, len(specs))
	for i, spec := range specs {
		ids[i] = spec.IndicatorID
	}
	s.writeJSON(w, http.StatusOK, ids)
}

// handleRegistryBuckets groups registry entries under their duplicates_of
// roots without evaluating them.
func (s *Server) handleRegistryBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.snapshots.RegistryBuckets()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to compute registry buckets")
		s.writeError(w, http.StatusInternalServerError, "failed to compute buckets")
		return
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

// handleSnapshot computes a live snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		s.writeError(w, http.StatusBadRequest, "horizon is required")
		return
	}
	k := queryInt(r, "k", 8)
	// Invalid as_of values on this GET are ignored rather than rejected.
	var asOf *indicators.AsOf
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if t, err := parseAsOf(raw); err == nil {
			asOf = &indicators.AsOf{Time: t, Mode: indicators.ModeFetched}
		}
	}
	result, err := s.snapshots.Compute(horizon, k, asOf)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Failed to compute snapshot")
		s.writeError(w, http.StatusInternalServerError, "failed to compute snapshot")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRouter computes the watch list for a horizon.
func (s *Server) handleRouter(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		s.writeError(w, http.StatusBadRequest, "horizon is required")
		return
	}
	k := queryInt(r, "k", 8)
	result, err := s.snapshots.Router(horizon, k)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Failed to compute router")
		s.writeError(w, http.StatusInternalServerError, "failed to compute router")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRecompute computes and persists a snapshot, replacing any earlier
// one for the same horizon and day.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	k := queryInt(r, "k", 8)
	mode, err := indicators.ParseAsOfMode(r.URL.Query().Get("as_of_mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var asOf *indicators.AsOf
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, parseErr := parseAsOf(raw)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid as_of; use ISO 8601")
			return
		}
		asOf = &indicators.AsOf{Time: t, Mode: mode}
	}

	result, err := s.snapshots.ComputeAndSave(horizon, k, asOf)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Failed to recompute snapshot")
		s.snapRepo.LogEvent("recompute", horizon, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "failed to recompute snapshot")
		return
	}
	s.snapRepo.LogEvent("recompute", horizon, "ok", "")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"as_of":    result.AsOf,
		"snapshot": result,
	})
}

// handleBackfillHistory persists one snapshot per day for the last N days.
func (s *Server) handleBackfillHistory(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	days := queryInt(r, "days", 180)
	k := queryInt(r, "k", 8)
	mode, err := indicators.ParseAsOfMode(r.URL.Query().Get("as_of_mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("as_of_mode") == "" {
		mode = indicators.ModeObservation
	}

	count, err := s.snapshots.BackfillHistory(horizon, days, k, mode)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Backfill failed")
		s.snapRepo.LogEvent("backfill_history", horizon, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	s.snapRepo.LogEvent("backfill_history", horizon, "ok", "")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"horizon":   horizon,
		"days":      days,
		"persisted": count,
	})
}

// handleIngest runs the source fan-out once.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ingest.RunAll(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Ingest run failed")
		s.writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleSnapshotHistory returns day-deduplicated saved snapshots.
func (s *Server) handleSnapshotHistory(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	days := queryInt(r, "days", 180)
	slim := queryBool(r, "slim", true)

	items, err := s.snapRepo.History(horizon, days, slim)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Failed to query snapshot history")
		s.writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"horizon": horizon,
		"days":    days,
		"slim":    slim,
		"items":   items,
	})
}

// handleIndicatorHistory returns one saved state per day for an indicator.
func (s *Server) handleIndicatorHistory(w http.ResponseWriter, r *http.Request) {
	indicatorID := chi.URLParam(r, "indicatorID")
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	days := queryInt(r, "days", 180)

	items, err := s.snapRepo.IndicatorHistory(indicatorID, horizon, days)
	if err != nil {
		s.log.Error().Err(err).Str("indicator_id", indicatorID).Msg("Failed to query indicator history")
		s.writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"indicator_id": indicatorID,
		"horizon":      horizon,
		"days":         days,
		"items":        items,
	})
}
