package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/series"
)

// OFRClient fetches the OFR financial stress index CSV.
type OFRClient struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewOFRClient creates an OFR client for the given CSV URL.
func NewOFRClient(url string, log zerolog.Logger) *OFRClient {
	return &OFRClient{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("source", "ofr").Logger(),
	}
}

// StressIndex downloads and parses the FSI CSV.
func (c *OFRClient) StressIndex(ctx context.Context) ([]series.UpsertRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build OFR request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OFR request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OFR returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFR response: %w", err)
	}
	return ParseStressIndexCSV(string(body))
}

// normalizeHeader folds a CSV header for matching: lowercase, underscores to
// spaces, whitespace collapsed.
func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

var ofrDateLayouts = []string{"2006-01-02", "01/02/2006", "2006/01/02"}

// ParseStressIndexCSV extracts (date, value) rows from the FSI CSV. The value
// comes strictly from the composite "OFR FSI" column; rows without a parseable
// date or value are skipped.
func ParseStressIndexCSV(text string) ([]series.UpsertRow, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read OFR CSV header: %w", err)
	}
	dateCol, valueCol := -1, -1
	for i, name := range header {
		switch normalizeHeader(name) {
		case "date", "observation date":
			if dateCol < 0 {
				dateCol = i
			}
		case "ofr fsi":
			if valueCol < 0 {
				valueCol = i
			}
		}
	}
	if dateCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("OFR CSV is missing the Date or OFR FSI column")
	}

	now := time.Now().UTC()
	var rows []series.UpsertRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read OFR CSV row: %w", err)
		}
		if dateCol >= len(record) || valueCol >= len(record) {
			continue
		}

		var obsDate time.Time
		parsed := false
		for _, layout := range ofrDateLayouts {
			if d, err := time.Parse(layout, strings.TrimSpace(record[dateCol])); err == nil {
				obsDate = d
				parsed = true
				break
			}
		}
		if !parsed {
			continue
		}

		raw := strings.TrimSpace(record[valueCol])
		if raw == "" || raw == "." {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
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
