// Package indicators evaluates registry entries into evidence rows: a value,
// an optional z-score, a ternary status and the provenance that produced it.
package indicators

import (
	"fmt"
	"time"

	"github.com/aristath/liquidity/internal/modules/series"
)

// Evidence is the computed state of one indicator. Provenance records the
// exact vintages and thresholds behind the numbers so the row can be
// reproduced later.
type Evidence struct {
	ID           string         `json:"id"`
	ValueNumeric *float64       `json:"value_numeric"`
	Window       *string        `json:"window,omitempty"`
	Z20          *float64       `json:"z20"`
	Status       string         `json:"status"`
	FlipTrigger  string         `json:"flip_trigger"`
	Provenance   map[string]any `json:"provenance"`
}

// Available reports whether the indicator had underlying data.
func (e Evidence) Available() bool {
	return e.Status != StatusNA
}

// Status values. Statuses are serialized as strings so "+1" and "-1" render
// unambiguously in briefs.
const (
	StatusNA       = "n/a"
	StatusPositive = "+1"
	StatusNegative = "-1"
	StatusNeutral  = "0"
)

func statusString(status int) string {
	switch {
	case status > 0:
		return StatusPositive
	case status < 0:
		return StatusNegative
	default:
		return StatusNeutral
	}
}

// AsOf replays history: only vintages visible under the given mode at the
// given time participate in the evaluation.
type AsOf struct {
	Time time.Time
	Mode string
}

// As-of modes.
const (
	ModeFetched     = "fetched" // vintages fetched at or before the cutoff
	ModePublication = "pub"     // vintages published at or before the cutoff's date
	ModeObservation = "obs"     // observations dated at or before the cutoff's date
)

// ParseAsOfMode validates an as_of_mode parameter, defaulting to fetched.
func ParseAsOfMode(mode string) (string, error) {
	switch mode {
	case "", ModeFetched:
		return ModeFetched, nil
	case ModePublication, ModeObservation:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown as_of_mode %q", mode)
	}
}

func datePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func strPtrAny(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// pointProvenance is the standard single-series provenance block taken from
// the latest point.
func pointProvenance(seriesIDs []string, p *series.Point) map[string]any {
	prov := map[string]any{"series": seriesIDs}
	if p == nil {
		return prov
	}
	prov["observation_date"] = p.ObservationDate.Format("2006-01-02")
	prov["publication_date"] = timePtrString(p.PublicationDate)
	prov["vintage_date"] = datePtrString(p.VintageDate)
	prov["fetched_at"] = p.FetchedAt.UTC().Format(time.RFC3339)
	prov["vintage_id"] = p.VintageID
	prov["source"] = p.Source
	prov["source_url"] = strPtrAny(p.SourceURL)
	return prov
}
