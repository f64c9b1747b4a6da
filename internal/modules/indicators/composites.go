package indicators

import (
	"sort"
	"time"

	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/stats"
)

// compositePoint is a computed observation assembled from several series.
type compositePoint struct {
	Date      time.Time
	Value     float64
	FetchedAt time.Time
	Inputs    map[string]any
}

// evalNetLiquidity computes WALCL - TGA - RRP on the daily dates where both
// TGA and RRP report, pairing each with the most recent prior WALCL print.
// The composite is then z-scored like a regular series.
func (e *Evaluator) evalNetLiquidity(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	walcl, err := e.pts(registry.ResolveSeriesID(spec.Series[0]), 60, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	tga, err := e.pts(registry.ResolveSeriesID(spec.Series[1]), 120, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	rrp, err := e.pts(registry.ResolveSeriesID(spec.Series[2]), 120, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(walcl) == 0 || len(tga) == 0 || len(rrp) == 0 {
		ev, c := notAvailable(spec, "", spec.Series)
		return ev, c, nil
	}

	tgaByDate := pointsByDate(tga)
	rrpByDate := pointsByDate(rrp)

	var dates []string
	for d := range tgaByDate {
		if _, ok := rrpByDate[d]; ok {
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)

	inputMeta := func(p series.Point) map[string]any {
		return map[string]any{
			"observation_date": p.ObservationDate.Format("2006-01-02"),
			"vintage_id":       p.VintageID,
			"fetched_at":       p.FetchedAt.UTC().Format(time.RFC3339),
		}
	}

	var composite []compositePoint
	for _, d := range dates {
		day, _ := time.Parse("2006-01-02", d)

		// Most recent WALCL print at or before this date. WALCL is weekly,
		// the others daily.
		var wp *series.Point
		for i := len(walcl) - 1; i >= 0; i-- {
			if !walcl[i].ObservationDate.After(day) {
				wp = &walcl[i]
				break
			}
		}
		if wp == nil {
			continue
		}

		tp := tgaByDate[d]
		rp := rrpByDate[d]
		fetched := maxTime(maxTime(wp.FetchedAt, tp.FetchedAt), rp.FetchedAt)
		composite = append(composite, compositePoint{
			Date:      day,
			Value:     wp.ScaledValue() - tp.ScaledValue() - rp.ScaledValue(),
			FetchedAt: fetched,
			Inputs: map[string]any{
				spec.Series[0]: inputMeta(*wp),
				spec.Series[1]: inputMeta(tp),
				spec.Series[2]: inputMeta(rp),
			},
		})
	}
	if len(composite) > 40 {
		composite = composite[len(composite)-40:]
	}
	if len(composite) == 0 {
		ev, c := notAvailable(spec, "", spec.Series)
		return ev, c, nil
	}

	values := make([]float64, len(composite))
	for i, cp := range composite {
		values[i] = cp.Value
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

	latest := composite[len(composite)-1]
	value := latest.Value
	prov := map[string]any{
		"series":           spec.Series,
		"observation_date": latest.Date.Format("2006-01-02"),
		"fetched_at":       latest.FetchedAt.UTC().Format(time.RFC3339),
		"inputs":           latest.Inputs,
		"z_window":         zWindow,
	}

	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Window:       measurementWindow(spec),
		Z20:          z20,
		Status:       statusString(status),
		FlipTrigger:  spec.TriggerDefault,
		Provenance:   prov,
	}, float64(status), nil
}

// evalQTPace compares the latest weekly SOMA runoff against the QT caps in
// effect. Runoff at or above either cap is a headwind.
func (e *Evaluator) evalQTPace(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	const fallbackTrigger = "@cap => headwind"
	provSeries := []string{"WSHOSHO", "WSHOMCB"}

	ust, err := e.pts("WSHOSHO", 2, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	mbs, err := e.pts("WSHOMCB", 2, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(ust) < 2 || len(mbs) < 2 {
		ev, c := notAvailable(spec, fallbackTrigger, provSeries)
		return ev, c, nil
	}

	// Runoff is the magnitude of the weekly decline; growth counts as zero.
	ustRunoff := ust[len(ust)-2].ScaledValue() - ust[len(ust)-1].ScaledValue()
	if ustRunoff < 0 {
		ustRunoff = 0
	}
	mbsRunoff := mbs[len(mbs)-2].ScaledValue() - mbs[len(mbs)-1].ScaledValue()
	if mbsRunoff < 0 {
		mbsRunoff = 0
	}

	latestUST := ust[len(ust)-1]
	caps, err := e.registryRepo.CapsForDate(latestUST.ObservationDate.Format("2006-01-02"))
	if err != nil {
		return Evidence{}, 0, err
	}
	if caps == nil {
		ev, c := notAvailable(spec, fallbackTrigger, provSeries)
		return ev, c, nil
	}

	status := 0
	if ustRunoff >= caps.USTCapUSDWeek || mbsRunoff >= caps.MBSCapUSDWeek {
		status = -1
	}

	value := ustRunoff + mbsRunoff
	latestMBS := mbs[len(mbs)-1]
	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Status:       statusString(status),
		FlipTrigger:  "UST ≥ " + formatUSD(caps.USTCapUSDWeek) + "/w or MBS ≥ " + formatUSD(caps.MBSCapUSDWeek) + "/w",
		Provenance: map[string]any{
			"series":     provSeries,
			"fetched_at": maxTime(latestUST.FetchedAt, latestMBS.FetchedAt).UTC().Format(time.RFC3339),
			"qt_caps": map[string]any{
				"effective_date":   caps.EffectiveDate,
				"ust_cap_usd_week": caps.USTCapUSDWeek,
				"mbs_cap_usd_week": caps.MBSCapUSDWeek,
			},
		},
	}, float64(status), nil
}

// evalSpreadThreshold scores the spread of two series on their common dates
// against zero, with persistence. Used by sofr_iorb.
func (e *Evaluator) evalSpreadThreshold(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	a, err := e.pts(registry.ResolveSeriesID(spec.Series[0]), 60, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	b, err := e.pts(registry.ResolveSeriesID(spec.Series[1]), 60, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(a) == 0 || len(b) == 0 {
		ev, c := notAvailable(spec, "", spec.Series)
		return ev, c, nil
	}

	aByDate := pointsByDate(a)
	bByDate := pointsByDate(b)
	var dates []string
	for d := range aByDate {
		if _, ok := bByDate[d]; ok {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		ev, c := notAvailable(spec, "", spec.Series)
		return ev, c, nil
	}
	sort.Strings(dates)

	required := spec.PersistenceOrDefault()
	start := len(dates) - required
	if start < 0 {
		start = 0
	}
	met := 0
	for _, d := range dates[start:] {
		if aByDate[d].ValueNumeric-bByDate[d].ValueNumeric > 0 {
			met++
		}
	}

	status := 0
	if met >= required {
		status = int(spec.DirectionalitySign())
	}

	lastDate := dates[len(dates)-1]
	latest := aByDate[lastDate]
	value := latest.ValueNumeric - bByDate[lastDate].ValueNumeric
	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Status:       statusString(status),
		FlipTrigger:  spec.TriggerDefault,
		Provenance: map[string]any{
			"series":           spec.Series,
			"observation_date": lastDate,
			"fetched_at":       latest.FetchedAt.UTC().Format(time.RFC3339),
			"threshold":        map[string]any{"op": ">", "value": 0.0},
			"streak":           map[string]any{"current": met, "required": required},
		},
	}, float64(status), nil
}

// evalBillShare computes the percent of bill offerings in total auction
// offerings per auction day and thresholds it (default >= 65).
func (e *Evaluator) evalBillShare(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	const fallbackTrigger = ">= 65%"
	provSeries := []string{"UST_BILL_OFFERINGS", "UST_AUCTION_OFFERINGS"}

	total, err := e.pts("UST_AUCTION_OFFERINGS", 120, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	bills, err := e.pts("UST_BILL_OFFERINGS", 120, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(total) == 0 || len(bills) == 0 {
		ev, c := notAvailable(spec, fallbackTrigger, provSeries)
		return ev, c, nil
	}

	totalByDate := pointsByDate(total)
	billsByDate := pointsByDate(bills)

	type pctPoint struct {
		date string
		pct  float64
	}
	var pcts []pctPoint
	for d, tp := range totalByDate {
		bp, ok := billsByDate[d]
		if !ok || tp.ValueNumeric <= 0 {
			continue
		}
		pcts = append(pcts, pctPoint{date: d, pct: 100.0 * bp.ValueNumeric / tp.ValueNumeric})
	}
	if len(pcts) == 0 {
		ev, c := notAvailable(spec, fallbackTrigger, provSeries)
		return ev, c, nil
	}
	sort.Slice(pcts, func(i, j int) bool { return pcts[i].date < pcts[j].date })

	op, threshold, parsed := parseTrigger(spec.TriggerDefault)
	if !parsed {
		op, threshold = ">=", 65.0
	}
	required := spec.PersistenceOrDefault()
	start := len(pcts) - required
	if start < 0 {
		start = 0
	}
	met := 0
	for _, p := range pcts[start:] {
		if compare(p.pct, op, threshold) {
			met++
		}
	}

	status := 0
	if met >= required {
		status = int(spec.DirectionalitySign())
	}

	latest := pcts[len(pcts)-1]
	value := latest.pct
	trigger := spec.TriggerDefault
	if trigger == "" {
		trigger = fallbackTrigger
	}
	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Status:       statusString(status),
		FlipTrigger:  trigger,
		Provenance: map[string]any{
			"series":         provSeries,
			"auction_date":   latest.date,
			"bill_share_pct": latest.pct,
			"threshold":      map[string]any{"op": op, "value": threshold, "units": "%"},
			"streak":         map[string]any{"current": met, "required": required},
		},
	}, float64(status), nil
}

// evalPercentileThreshold flags values above the 80th percentile of their own
// recent history (up to 252 observations). Used by ofr_liq_idx.
func (e *Evaluator) evalPercentileThreshold(spec registry.IndicatorSpec, asOf *AsOf) (Evidence, float64, error) {
	const fallbackTrigger = "> 80th pct"
	const historyWindow = 252

	points, err := e.pts(registry.ResolveSeriesID(spec.Series[0]), historyWindow, asOf)
	if err != nil {
		return Evidence{}, 0, err
	}
	if len(points) < 3 {
		ev, c := notAvailable(spec, fallbackTrigger, spec.Series)
		return ev, c, nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.ValueNumeric
	}
	cutoff := stats.PercentileNearestRank(values, 0.80)

	required := spec.PersistenceOrDefault()
	start := len(points) - required
	if start < 0 {
		start = 0
	}
	met := 0
	for _, p := range points[start:] {
		if p.ValueNumeric > cutoff {
			met++
		}
	}

	status := 0
	if met >= required {
		status = int(spec.DirectionalitySign())
	}

	latest := points[len(points)-1]
	value := latest.ValueNumeric
	trigger := spec.TriggerDefault
	if trigger == "" {
		trigger = fallbackTrigger
	}
	return Evidence{
		ID:           spec.IndicatorID,
		ValueNumeric: &value,
		Status:       statusString(status),
		FlipTrigger:  trigger,
		Provenance: map[string]any{
			"series":           spec.Series,
			"observation_date": latest.ObservationDate.Format("2006-01-02"),
			"fetched_at":       latest.FetchedAt.UTC().Format(time.RFC3339),
			"threshold":        map[string]any{"type": "percentile", "pct": 80.0, "cutoff_value": cutoff},
			"streak":           map[string]any{"current": met, "required": required},
		},
	}, float64(status), nil
}

func pointsByDate(points []series.Point) map[string]series.Point {
	m := make(map[string]series.Point, len(points))
	for _, p := range points {
		m[p.ObservationDate.Format("2006-01-02")] = p
	}
	return m
}
