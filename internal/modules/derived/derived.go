// Package derived computes series that are built out of stored ones: weekly
// Treasury net settlements and the bill minus RRP rate spread. Derived rows
// are written back through the series store with source DERIVED so the rest
// of the system reads them like any other series.
package derived

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/series"
)

const (
	// SeriesNetSettlements is the weekly net settlement series id.
	SeriesNetSettlements = "UST_NET_SETTLE_W"
	// SeriesBillRRPSpread is the bill minus RRP rate spread series id, in bps.
	SeriesBillRRPSpread = "BILL_RRP_BPS"
)

// WeeklyPoint is one derived weekly value anchored to the week's Monday.
type WeeklyPoint struct {
	WeekStart time.Time
	Value     float64
}

// Service derives and persists the computed series.
type Service struct {
	seriesRepo *series.Repository
	log        zerolog.Logger
}

// NewService creates a new derived-series service.
func NewService(seriesRepo *series.Repository, log zerolog.Logger) *Service {
	return &Service{
		seriesRepo: seriesRepo,
		log:        log.With().Str("component", "derived").Logger(),
	}
}

// mondayOf truncates a date to the Monday of its ISO week.
func mondayOf(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// ComputeWeeklyNetSettlements computes net settlements per week:
// issues minus redemptions minus interest, all scaled to USD.
//
// The calculation window is restricted to the date overlap of all three
// inputs, and a week is emitted only when all three components contributed
// at least one observation to it. weeksBack limits the output to the most
// recent weeks; it also sizes the raw fetch.
func (s *Service) ComputeWeeklyNetSettlements(weeksBack int) ([]WeeklyPoint, error) {
	fetchLimit := weeksBack * 40
	issues, err := s.seriesRepo.LatestPoints("UST_AUCTION_ISSUES", fetchLimit)
	if err != nil {
		return nil, err
	}
	redemptions, err := s.seriesRepo.LatestPoints("UST_REDEMPTIONS", fetchLimit)
	if err != nil {
		return nil, err
	}
	interest, err := s.seriesRepo.LatestPoints("UST_INTEREST", fetchLimit)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 || len(redemptions) == 0 || len(interest) == 0 {
		return nil, nil
	}

	commonStart := maxDate(issues[0].ObservationDate, redemptions[0].ObservationDate, interest[0].ObservationDate)
	commonEnd := minDate(
		issues[len(issues)-1].ObservationDate,
		redemptions[len(redemptions)-1].ObservationDate,
		interest[len(interest)-1].ObservationDate,
	)
	if commonStart.After(commonEnd) {
		return nil, nil
	}

	type weekAgg struct {
		issues, redemptions, interest          float64
		hasIssues, hasRedemptions, hasInterest bool
	}
	weekly := make(map[time.Time]*weekAgg)

	accumulate := func(points []series.Point, add func(*weekAgg, float64)) {
		for _, p := range points {
			if p.ObservationDate.Before(commonStart) || p.ObservationDate.After(commonEnd) {
				continue
			}
			week := mondayOf(p.ObservationDate)
			agg := weekly[week]
			if agg == nil {
				agg = &weekAgg{}
				weekly[week] = agg
			}
			add(agg, p.ScaledValue())
		}
	}
	accumulate(issues, func(a *weekAgg, v float64) { a.issues += v; a.hasIssues = true })
	accumulate(redemptions, func(a *weekAgg, v float64) { a.redemptions += v; a.hasRedemptions = true })
	accumulate(interest, func(a *weekAgg, v float64) { a.interest += v; a.hasInterest = true })

	startWeek := mondayOf(commonStart)
	endWeek := mondayOf(commonEnd)

	var out []WeeklyPoint
	for week, agg := range weekly {
		if week.Before(startWeek) || week.After(endWeek) {
			continue
		}
		if !agg.hasIssues || !agg.hasRedemptions || !agg.hasInterest {
			continue
		}
		out = append(out, WeeklyPoint{
			WeekStart: week,
			Value:     agg.issues - agg.redemptions - agg.interest,
		})
	}
	sortWeekly(out)
	if weeksBack > 0 && len(out) > weeksBack {
		out = out[len(out)-weeksBack:]
	}
	return out, nil
}

// UpsertWeeklyNetSettlements recomputes the weekly net settlements and writes
// them as UST_NET_SETTLE_W. Returns the number of newly inserted weeks.
func (s *Service) UpsertWeeklyNetSettlements(weeksBack int) (int, error) {
	points, err := s.ComputeWeeklyNetSettlements(weeksBack)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]series.UpsertRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, series.UpsertRow{
			ObservationDate: p.WeekStart,
			FetchedAt:       now,
			ValueNumeric:    p.Value,
		})
	}
	inserted, err := s.seriesRepo.UpsertPoints(SeriesNetSettlements, "USD", 1.0, "DERIVED", nil, nil, rows)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("weeks", len(rows)).Int("inserted", inserted).Msg("Weekly net settlements upserted")
	return inserted, nil
}

// ComputeBillRRPSpread computes the daily bill minus RRP rate spread.
//
// bill rate is min(DTB3, DTB4WK) where at least one is present; the spread
// requires an RRP_RATE observation on the same date. Inputs are in percent,
// output in basis points. Ascending by date.
func (s *Service) ComputeBillRRPSpread(daysBack int) ([]series.UpsertRow, error) {
	dtb3, err := s.seriesRepo.LatestPoints("DTB3", daysBack)
	if err != nil {
		return nil, err
	}
	dtb4, err := s.seriesRepo.LatestPoints("DTB4WK", daysBack)
	if err != nil {
		return nil, err
	}
	rrp, err := s.seriesRepo.LatestPoints("RRP_RATE", daysBack)
	if err != nil {
		return nil, err
	}

	byDate := func(points []series.Point) map[string]float64 {
		m := make(map[string]float64, len(points))
		for _, p := range points {
			m[p.ObservationDate.Format("2006-01-02")] = p.ValueNumeric
		}
		return m
	}
	b3 := byDate(dtb3)
	b4 := byDate(dtb4)
	rr := byDate(rrp)

	dates := make(map[string]struct{})
	for d := range b3 {
		dates[d] = struct{}{}
	}
	for d := range b4 {
		dates[d] = struct{}{}
	}
	for d := range rr {
		dates[d] = struct{}{}
	}

	var out []series.UpsertRow
	for d := range dates {
		rrv, haveRRP := rr[d]
		b3v, have3 := b3[d]
		b4v, have4 := b4[d]
		if !haveRRP || (!have3 && !have4) {
			continue
		}
		bill := b3v
		switch {
		case !have3:
			bill = b4v
		case have4 && b4v < b3v:
			bill = b4v
		}
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			continue
		}
		out = append(out, series.UpsertRow{
			ObservationDate: day,
			ValueNumeric:    (bill - rrv) * 100.0,
		})
	}
	sortRows(out)
	return out, nil
}

// UpsertBillRRPSpread recomputes the spread and writes it as BILL_RRP_BPS.
func (s *Service) UpsertBillRRPSpread(daysBack int) (int, error) {
	rows, err := s.ComputeBillRRPSpread(daysBack)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for i := range rows {
		rows[i].FetchedAt = now
	}
	inserted, err := s.seriesRepo.UpsertPoints(SeriesBillRRPSpread, "bps", 1.0, "DERIVED", nil, nil, rows)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int("days", len(rows)).Int("inserted", inserted).Msg("Bill-RRP spread upserted")
	return inserted, nil
}

func sortWeekly(points []WeeklyPoint) {
	sort.Slice(points, func(i, j int) bool {
		return points[i].WeekStart.Before(points[j].WeekStart)
	})
}

func sortRows(rows []series.UpsertRow) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].ObservationDate.Before(rows[j].ObservationDate)
	})
}

func maxDate(dates ...time.Time) time.Time {
	out := dates[0]
	for _, d := range dates[1:] {
		if d.After(out) {
			out = d
		}
	}
	return out
}

func minDate(dates ...time.Time) time.Time {
	out := dates[0]
	for _, d := range dates[1:] {
		if d.Before(out) {
			out = d
		}
	}
	return out
}
