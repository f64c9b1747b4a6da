package indicators

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/stats"
)

const zWindow = 20

// Evaluator turns registry specs into evidence rows.
type Evaluator struct {
	seriesRepo   *series.Repository
	registryRepo *registry.Repository
	log          zerolog.Logger
}

// NewEvaluator creates a new indicator evaluator.
func NewEvaluator(seriesRepo *series.Repository, registryRepo *registry.Repository, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		seriesRepo:   seriesRepo,
		registryRepo: registryRepo,
		log:          log.With().Str("component", "indicators").Logger(),
	}
}

// pts fetches points for a series honoring the as-of replay mode.
func (e *Evaluator) pts(seriesID string, limit int, asOf *AsOf) ([]series.Point, error) {
	if asOf == nil {
		return e.seriesRepo.LatestPoints(seriesID, limit)
	}
	switch asOf.Mode {
	case ModePublication:
		return e.seriesRepo.AsOfPublication(seriesID, asOf.Time, limit)
	case ModeObservation:
		return e.seriesRepo.UpToObservationDate(seriesID, asOf.Time, limit)
	default:
		return e.seriesRepo.AsOfFetched(seriesID, asOf.Time, limit)
	}
}

func notAvailable(spec registry.IndicatorSpec, fallbackTrigger string, provSeries []string) (Evidence, float64) {
	trigger := spec.TriggerDefault
	if trigger == "" {
		trigger = fallbackTrigger
	}
	return Evidence{
		ID:          spec.IndicatorID,
		Status:      StatusNA,
		FlipTrigger: trigger,
		Provenance:  map[string]any{"series": provSeries},
	}, 0
}

// Evaluate computes the evidence row and numeric contribution for one
// indicator. Indicators with no usable data come back with status n/a and a
// zero contribution; callers decide whether to keep or drop them.
func (e *Evaluator) Evaluate(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	if len(spec.Series) == 0 {
		ev, c := notAvailable(spec, "", spec.Series)
		return ev, c, nil
	}

	// Multi-series variants carry their own input handling. A variant that
	// lacks the inputs it expects degrades to the single-series path.
	variant := spec.Variant()
	switch variant {
	case registry.VariantCompositeZ:
		if len(spec.Series) >= 3 {
			return e.evalNetLiquidity(spec, asOf)
		}
	case registry.VariantCapComparison:
		return e.evalQTPace(spec, asOf)
	case registry.VariantSpreadThreshold:
		if len(spec.Series) >= 2 {
			return e.evalSpreadThreshold(spec, asOf)
		}
	case registry.VariantBillShareThreshold:
		return e.evalBillShare(spec, asOf)
	case registry.VariantPercentileThreshold:
		return e.evalPercentileThreshold(spec, asOf)
	}

	// The rest read a single series, possibly a derived builder output.
	seriesIDs, limit := spec.ScoredSeries()
	points, err := e.pts(registry.ResolveSeriesID(seriesIDs[0]), limit, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(points) == 0 {
		ev, c := notAvailable(spec, "", seriesIDs)
		return ev, c, nil
	}

	switch variant {
	case registry.VariantZ, registry.VariantDerivedZ, registry.VariantCompositeZ:
		ev, c := e.evalZ(spec, seriesIDs, points)
		return ev, c, nil
	}
	ev, c := e.evalGenericThreshold(spec, seriesIDs, points)
	return ev, c, nil
}

// evalZ scores a series of points with a trailing z-score and persistence.
//
// Persistence requires the last N truncated-suffix z-scores to all clear the
// cutoff with a consistent directionality-adjusted sign. A break in either
// magnitude or sign resets the streak to neutral.
func (e *Evaluator) evalZ(spec registry.IndicatorSpec, seriesIDs []string, points []series.Point) (Evidence, float64) {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.ValueNumeric
	}

	var z20 *float64
	if z, ok := stats.Z(values, zWindow); ok {
		z20 = &z
	}

	status := 0
	if z20 != nil {
		cutoff := spec.ZCutoffOrDefault()
		required := spec.PersistenceOrDefault()
		sign := spec.DirectionalitySign()
		if streak := zStreak(values, cutoff, sign, required); streak >= required {
			status = 1
		} else if streak := zStreak(values, cutoff, -sign, required); streak >= required {
			status = -1
		}
	}

	latest := points[len(points)-1]
	value := latest.ScaledValue()
	prov := pointProvenance(seriesIDs, &latest)
	prov["z_window"] = zWindow

	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Window:       measurementWindow(spec),
		Z20:          z20,
		Status:       statusString(status),
		FlipTrigger:  spec.TriggerDefault,
		Provenance:   prov,
	}, float64(status)
}

// zStreak counts how many consecutive truncated suffixes, newest first, have
// a z-score clearing cutoff with the wanted sign. Stops at the first miss.
func zStreak(values []float64, cutoff, wantSign float64, required int) int {
	streak := 0
	for back := 0; back < required; back++ {
		n := len(values) - back
		if n < 3 {
			break
		}
		z, ok := stats.Z(values[:n], zWindow)
		if !ok || z < cutoff && z > -cutoff {
			break
		}
		if z*wantSign <= 0 {
			break
		}
		streak++
	}
	return streak
}

// evalGenericThreshold checks the last N observations against a comparison
// parsed out of trigger_default. An unparseable trigger yields neutral.
func (e *Evaluator) evalGenericThreshold(spec registry.IndicatorSpec, seriesIDs []string, points []series.Point) (Evidence, float64) {
	op, threshold, parsed := parseTrigger(spec.TriggerDefault)
	required := spec.PersistenceOrDefault()

	met := 0
	if parsed {
		start := len(points) - required
		if start < 0 {
			start = 0
		}
		for _, p := range points[start:] {
			if compare(p.ValueNumeric, op, threshold) {
				met++
			}
		}
	}

	status := 0
	if parsed && met >= required {
		status = int(spec.DirectionalitySign())
	}

	latest := points[len(points)-1]
	value := latest.ValueNumeric
	prov := pointProvenance(seriesIDs, &latest)
	prov["threshold"] = map[string]any{"op": op, "value": thresholdAny(threshold, parsed)}
	prov["streak"] = map[string]any{"current": met, "required": required}

	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Status:       statusString(status),
		FlipTrigger:  spec.TriggerDefault,
		Provenance:   prov,
	}, float64(status)
}

func thresholdAny(threshold float64, parsed bool) any {
	if !parsed {
		return nil
	}
	return threshold
}

var triggerRe = regexp.MustCompile(`(>=|>|<=|<)\s*([+\-]?[0-9]+(?:\.[0-9]+)?(?:[eE][+\-]?[0-9]+)?)`)

// parseTrigger extracts the first comparison operator and number from a
// human-readable flip expression such as ">= 65%" or "> 0 bps".
func parseTrigger(trigger string) (op string, threshold float64, ok bool) {
	m := triggerRe.FindStringSubmatch(trigger)
	if m == nil {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], v, true
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	default:
		return false
	}
}

var (
	windowSuffixRe = regexp.MustCompile(`(?i)/\s*([0-9]+[dw]|[dw])\b`)
	windowOverRe   = regexp.MustCompile(`(?i)over\s+([0-9]+[dw])\b`)
)

// measurementWindow derives the human measurement window of the value from
// the trigger text ("/w", "/5d", "over 2w") or the cadence. This is the
// window the value covers, not the z lookback.
func measurementWindow(spec registry.IndicatorSpec) *string {
	if m := windowSuffixRe.FindStringSubmatch(spec.TriggerDefault); m != nil {
		w := strings.ToLower(m[1])
		return &w
	}
	if m := windowOverRe.FindStringSubmatch(spec.TriggerDefault); m != nil {
		w := strings.ToLower(m[1])
		return &w
	}
	if strings.EqualFold(spec.Cadence, "weekly") {
		w := "w"
		return &w
	}
	return nil
}

// formatUSD renders a dollar magnitude with a short suffix, e.g. $25.00B.
func formatUSD(v float64) string {
	a := v
	if a < 0 {
		a = -a
	}
	switch {
	case a >= 1e12:
		return fmt.Sprintf("$%.2fT", a/1e12)
	case a >= 1e9:
		return fmt.Sprintf("$%.2fB", a/1e9)
	case a >= 1e6:
		return fmt.Sprintf("$%.2fM", a/1e6)
	case a >= 1e3:
		return fmt.Sprintf("$%.2fK", a/1e3)
	default:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("$%.2f", a), "0"), ".")
	}
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
