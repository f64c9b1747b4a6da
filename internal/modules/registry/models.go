// Package registry manages the indicator registry: which indicators exist,
// which series feed them, and how each one is scored.
package registry

// IndicatorSpec is one registry entry. Series lists the input series ids in
// the order the scoring variant expects them.
type IndicatorSpec struct {
	IndicatorID    string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Category       string   `json:"category" yaml:"category"`
	Series         []string `json:"series" yaml:"series"`
	Cadence        string   `json:"cadence" yaml:"cadence"`
	Directionality string   `json:"directionality" yaml:"directionality"`
	TriggerDefault string   `json:"trigger_default" yaml:"trigger_default"`
	Scoring        string   `json:"scoring" yaml:"scoring"`
	ZCutoff        *float64 `json:"z_cutoff,omitempty" yaml:"z_cutoff"`
	Persistence    *int     `json:"persistence,omitempty" yaml:"persistence"`
	DuplicatesOf   *string  `json:"duplicates_of,omitempty" yaml:"duplicates_of"`
	PollWindowET   *string  `json:"-" yaml:"poll_window_et"`
	SLOMinutes     *int     `json:"-" yaml:"slo_minutes"`
	Notes          *string  `json:"notes,omitempty" yaml:"notes"`
}

// DirectionalitySign maps directionality to the sign applied when a stress
// reading is judged. Unknown values count as supportive.
func (s IndicatorSpec) DirectionalitySign() float64 {
	switch s.Directionality {
	case "lower_is_supportive", "higher_is_draining":
		return -1
	default:
		return 1
	}
}

// ZCutoffOrDefault returns the configured z cutoff, defaulting to 1.0.
func (s IndicatorSpec) ZCutoffOrDefault() float64 {
	if s.ZCutoff != nil {
		return *s.ZCutoff
	}
	return 1.0
}

// PersistenceOrDefault returns the configured persistence, defaulting to 1.
func (s IndicatorSpec) PersistenceOrDefault() int {
	if s.Persistence != nil && *s.Persistence > 0 {
		return *s.Persistence
	}
	return 1
}

// ScoringVariant names the scoring flavor an indicator evaluates with.
type ScoringVariant string

const (
	VariantZ                   ScoringVariant = "z"
	VariantThreshold           ScoringVariant = "threshold"
	VariantPercentileThreshold ScoringVariant = "percentile_threshold"
	VariantCapComparison       ScoringVariant = "cap_comparison"
	VariantSpreadThreshold     ScoringVariant = "spread_threshold"
	VariantCompositeZ          ScoringVariant = "composite_z"
	VariantDerivedZ            ScoringVariant = "derived_z"
	VariantBillShareThreshold  ScoringVariant = "bill_share_threshold"
)

// legacyVariants resolves entries from seed files that predate variant
// naming and carry only "z" or "threshold" in scoring.
var legacyVariants = map[string]ScoringVariant{
	"net_liq":     VariantCompositeZ,
	"qt_pace":     VariantCapComparison,
	"sofr_iorb":   VariantSpreadThreshold,
	"bill_share":  VariantBillShareThreshold,
	"ofr_liq_idx": VariantPercentileThreshold,
	"ust_net_w":   VariantDerivedZ,
}

// Variant returns the scoring variant of this entry. Entries may name any
// variant directly in scoring; the legacy values "z", "threshold" and empty
// resolve through the id table before defaulting.
func (s IndicatorSpec) Variant() ScoringVariant {
	switch v := ScoringVariant(s.Scoring); v {
	case VariantPercentileThreshold, VariantCapComparison, VariantSpreadThreshold,
		VariantCompositeZ, VariantDerivedZ, VariantBillShareThreshold:
		return v
	}
	if v, ok := legacyVariants[s.IndicatorID]; ok {
		return v
	}
	if s.Scoring == string(VariantThreshold) {
		return VariantThreshold
	}
	return VariantZ
}

// defaultScoreWindow is the history a single-series variant reads.
const defaultScoreWindow = 40

// derivedRedirects points entries scored on a derived builder output at that
// series instead of the raw inputs they list. bill_rrp thresholds over a
// longer daily window.
var derivedRedirects = map[string]struct {
	seriesID string
	window   int
}{
	"ust_net_w": {seriesID: "UST_NET_SETTLE_W", window: defaultScoreWindow},
	"bill_rrp":  {seriesID: "BILL_RRP_BPS", window: 60},
}

// ScoredSeries returns the series ids a single-series variant reads and how
// much history the read covers, following derived-builder redirects.
func (s IndicatorSpec) ScoredSeries() ([]string, int) {
	if r, ok := derivedRedirects[s.IndicatorID]; ok {
		return []string{r.seriesID}, r.window
	}
	return s.Series, defaultScoreWindow
}

// seriesAliases maps registry shorthand to actual stored series ids.
var seriesAliases = map[string]string{
	"RRP": "RRPONTSYD",
}

// ResolveSeriesID expands registry shorthand series names.
func ResolveSeriesID(id string) string {
	if actual, ok := seriesAliases[id]; ok {
		return actual
	}
	return id
}

// QTCaps holds the weekly runoff caps in effect from EffectiveDate onward.
type QTCaps struct {
	EffectiveDate string
	USTCapUSDWeek float64
	MBSCapUSDWeek float64
}
