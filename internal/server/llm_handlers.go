package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aristath/liquidity/internal/modules/indicators"
)

// handleBrief generates (or serves from cache) a verified markdown brief.
func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	k := queryInt(r, "k", 12)

	var asOf *indicators.AsOf
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, parseErr := parseAsOf(raw)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid as_of; use ISO 8601")
			return
		}
		asOf = &indicators.AsOf{Time: t, Mode: indicators.ModeObservation}
	}

	brief, err := s.agent.GenerateBrief(r.Context(), horizon, k, asOf)
	if err != nil {
		s.log.Error().Err(err).Str("horizon", horizon).Msg("Failed to generate brief")
		s.writeError(w, http.StatusInternalServerError, "failed to generate brief")
		return
	}
	s.writeJSON(w, http.StatusOK, brief)
}

// handleAskStream answers a question over SSE. Each agent event becomes one
// SSE frame; the stream ends when the agent closes its channel.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("question")
	if question == "" {
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	horizon := r.URL.Query().Get("horizon")
	if horizon == "" {
		horizon = "1w"
	}
	// Invalid as_of values on the streaming GET are ignored rather than
	// rejected; the run falls back to live data.
	var asOf *indicators.AsOf
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if t, err := parseAsOf(raw); err == nil {
			asOf = &indicators.AsOf{Time: t, Mode: indicators.ModeObservation}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.agent.AskStream(r.Context(), question, horizon, asOf) {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			s.log.Error().Err(err).Str("event", ev.Event).Msg("Failed to encode SSE event")
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
		flusher.Flush()
	}
}
