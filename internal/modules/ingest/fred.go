// Package ingest pulls raw observations from the upstream sources (FRED,
// Treasury fiscal data, OFR) and upserts them as series vintages. Each
// adapter is a thin read-then-parse client; persistence goes through the
// series repository so re-running an ingest is idempotent.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/series"
)

const fredBaseURL = "https://api.stlouisfed.org/fred/series/observations"

// FREDClient fetches observation lists from the FRED API.
type FREDClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewFREDClient creates a FRED client. baseURL overrides the production
// endpoint, empty means the real API.
func NewFREDClient(apiKey, baseURL string, log zerolog.Logger) *FREDClient {
	if baseURL == "" {
		baseURL = fredBaseURL
	}
	return &FREDClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("source", "fred").Logger(),
	}
}

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Observations fetches up to lastN observations for a series, newest first
// upstream, returned as upsert rows. FRED marks missing values with "."; those
// and non-numeric values are skipped.
func (c *FREDClient) Observations(ctx context.Context, seriesID, observationStart string, lastN int) ([]series.UpsertRow, error) {
	params := url.Values{}
	params.Set("series_id", seriesID)
	params.Set("api_key", c.apiKey)
	params.Set("file_type", "json")
	params.Set("sort_order", "desc")
	params.Set("limit", strconv.Itoa(lastN))
	if observationStart != "" {
		params.Set("observation_start", observationStart)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build FRED request for %s: %w", seriesID, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("FRED request for %s failed: %w", seriesID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("FRED returned status %d for %s", resp.StatusCode, seriesID)
	}

	var payload fredResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode FRED response for %s: %w", seriesID, err)
	}

	now := time.Now().UTC()
	rows := make([]series.UpsertRow, 0, len(payload.Observations))
	for _, obs := range payload.Observations {
		if obs.Value == "" || obs.Value == "." {
			continue
		}
		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		obsDate, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			continue
		}
		rows = append(rows, series.UpsertRow{
			ObservationDate: obsDate,
			FetchedAt:       now,
			ValueNumeric:    value,
		})
	}
	return rows, nil
}
