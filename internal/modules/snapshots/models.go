// Package snapshots aggregates indicator evidence into a regime snapshot,
// persists reproducible snapshots with frozen inputs, and serves their
// history.
package snapshots

import "github.com/aristath/liquidity/internal/modules/indicators"

// Regime is the headline assessment of a snapshot.
type Regime struct {
	Label     string  `json:"label"`
	Tilt      string  `json:"tilt"`
	Score     int     `json:"score"`
	MaxScore  int     `json:"max_score"`
	ScoreCont float64 `json:"score_cont"`
}

// BucketMember describes one indicator inside a concept bucket.
type BucketMember struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Z20              *float64 `json:"z20"`
	IsRoot           bool     `json:"is_root"`
	IsRepresentative bool     `json:"is_representative"`
}

// BucketDetail is the aggregate view of one concept bucket.
type BucketDetail struct {
	BucketID         string         `json:"bucket_id"`
	Category         string         `json:"category"`
	Weight           float64        `json:"weight"`
	AggregateStatus  string         `json:"aggregate_status"`
	RepresentativeID string         `json:"representative_id"`
	Members          []BucketMember `json:"members"`
}

// Result is a computed snapshot. Indicators holds the top-K bucket
// representatives ranked by |z20|; allIndicators keeps every evaluated row
// for persistence.
type Result struct {
	AsOf           string                `json:"as_of"`
	Regime         Regime                `json:"regime"`
	Indicators     []indicators.Evidence `json:"indicators"`
	BucketDetails  []BucketDetail        `json:"bucket_details"`
	BucketWeights  map[string]float64    `json:"bucket_weights"`
	FrozenInputsID string                `json:"frozen_inputs_id"`
	Horizon        string                `json:"horizon"`

	allIndicators []indicators.Evidence
}

// FrozenInput pins one (indicator, series, vintage) triple that fed a
// snapshot's evidence table.
type FrozenInput struct {
	IndicatorID     string  `json:"indicator_id"`
	SeriesID        string  `json:"series_id"`
	VintageID       *string `json:"vintage_id"`
	ObservationDate *string `json:"observation_date"`
}

// RouterPick is one entry of the router's watch list.
type RouterPick struct {
	ID         string  `json:"id"`
	Why        string  `json:"why"`
	Trigger    string  `json:"trigger"`
	NextUpdate *string `json:"next_update"`
}

// RouterResult is the router response: the indicators most worth watching
// for the horizon, ranked by |z20|.
type RouterResult struct {
	Horizon string       `json:"horizon"`
	Picks   []RouterPick `json:"picks"`
}

// HistoryItem is one saved snapshot in a day-deduplicated history.
type HistoryItem struct {
	AsOf           string `json:"as_of"`
	Regime         Regime `json:"regime"`
	SnapshotID     string `json:"snapshot_id,omitempty"`
	FrozenInputsID string `json:"frozen_inputs_id,omitempty"`
}

// IndicatorHistoryItem is one indicator's saved state on one day.
type IndicatorHistoryItem struct {
	AsOf         string   `json:"as_of"`
	ValueNumeric *float64 `json:"value_numeric"`
	Z20          *float64 `json:"z20"`
	Status       string   `json:"status"`
	FlipTrigger  string   `json:"flip_trigger"`
}

// Category weights applied to bucket aggregates. Categories outside this map
// carry zero weight and do not move the score.
var bucketWeights = map[string]float64{
	"core_plumbing": 0.50,
	"floor":         0.30,
	"supply":        0.20,
}

// Regime label thresholds: a rounded score at or beyond ±2 leaves Neutral.
func regimeLabel(score int) string {
	switch {
	case score >= 2:
		return "Positive"
	case score <= -2:
		return "Negative"
	default:
		return "Neutral"
	}
}

func regimeTilt(scoreCont float64) string {
	switch {
	case scoreCont > 0:
		return "positive"
	case scoreCont < 0:
		return "negative"
	default:
		return "flat"
	}
}
