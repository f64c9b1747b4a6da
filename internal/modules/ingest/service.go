package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/liquidity/internal/modules/derived"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/modules/snapshots"
)

const (
	fredLastN        = 200
	auctionLookback  = 730 * 24 * time.Hour
	settlementsWeeks = 108
	spreadDaysBack   = 120
)

// fredTarget maps one FRED series onto a stored series id with its metadata.
// StoreAs covers series whose registry id differs from the FRED id.
type fredTarget struct {
	FredID           string
	StoreAs          string
	Units            string
	Scale            float64
	ObservationStart string
}

var fredTargets = []fredTarget{
	{FredID: "WALCL", Units: "USD", Scale: 1e6, ObservationStart: "2010-01-01"},
	{FredID: "RESPPLLOPNWW", Units: "USD", Scale: 1e6, ObservationStart: "2010-01-01"},
	{FredID: "RRPONTSYD", Units: "USD", Scale: 1e6, ObservationStart: "2014-01-01"},
	{FredID: "WSHOSHO", Units: "USD", Scale: 1e6, ObservationStart: "2010-01-01"},
	{FredID: "WSHOMCB", Units: "USD", Scale: 1e6, ObservationStart: "2010-01-01"},
	{FredID: "SOFR", Units: "percent", Scale: 1.0, ObservationStart: "2018-01-01"},
	{FredID: "IORB", Units: "percent", Scale: 1.0, ObservationStart: "2008-01-01"},
	{FredID: "RRPONTSYAWARD", StoreAs: "RRP_RATE", Units: "percent", Scale: 1.0, ObservationStart: "2014-01-01"},
	{FredID: "DTB3", Units: "percent", Scale: 1.0, ObservationStart: "2000-01-01"},
	{FredID: "DTB4WK", Units: "percent", Scale: 1.0, ObservationStart: "2001-01-01"},
}

// Service runs the source fan-out and the derived-series builders.
type Service struct {
	fred       *FREDClient
	treasury   *TreasuryClient
	ofr        *OFRClient
	seriesRepo *series.Repository
	derived    *derived.Service
	events     *snapshots.Repository
	log        zerolog.Logger
}

// NewService wires the ingest pipeline.
func NewService(
	fred *FREDClient,
	treasury *TreasuryClient,
	ofr *OFRClient,
	seriesRepo *series.Repository,
	derivedService *derived.Service,
	events *snapshots.Repository,
	log zerolog.Logger,
) *Service {
	return &Service{
		fred:       fred,
		treasury:   treasury,
		ofr:        ofr,
		seriesRepo: seriesRepo,
		derived:    derivedService,
		events:     events,
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

// Summary reports per-target inserted row counts and the sources that failed.
type Summary struct {
	Inserted map[string]int    `json:"inserted"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// RunAll fetches every source in parallel, then rebuilds the derived series.
// A failing source is recorded and skipped; the rest of the run continues.
func (s *Service) RunAll(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		Inserted: make(map[string]int),
		Errors:   make(map[string]string),
	}
	var mu sync.Mutex
	record := func(target string, inserted int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.Errors[target] = err.Error()
			s.log.Error().Err(err).Str("target", target).Msg("Source ingest failed")
			s.events.LogEvent("ingest", target, "error", err.Error())
			return
		}
		summary.Inserted[target] = inserted
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, target := range fredTargets {
		target := target
		g.Go(func() error {
			storeAs := target.StoreAs
			if storeAs == "" {
				storeAs = target.FredID
			}
			rows, err := s.fred.Observations(gctx, target.FredID, target.ObservationStart, fredLastN)
			if err != nil {
				record(storeAs, 0, err)
				return nil
			}
			n, err := s.seriesRepo.UpsertPoints(storeAs, target.Units, target.Scale, "FRED",
				strPtr("https://fred.stlouisfed.org"), nil, rows)
			record(storeAs, n, err)
			return nil
		})
	}

	g.Go(func() error {
		rows, err := s.treasury.TGABalances(gctx)
		if err != nil {
			record("TGA", 0, err)
			return nil
		}
		// DTS balances are reported in millions.
		n, err := s.seriesRepo.UpsertPoints("TGA", "USD", 1e6, "DTS",
			strPtr("https://api.fiscaldata.treasury.gov"), nil, rows)
		record("TGA", n, err)
		return nil
	})

	g.Go(func() error {
		end := time.Now().UTC()
		auctions, err := s.treasury.Auctions(gctx, end.Add(-auctionLookback), end)
		if err != nil {
			record("UST_AUCTION_OFFERINGS", 0, err)
			return nil
		}
		s.ingestAuctions(auctions, record)
		return nil
	})

	g.Go(func() error {
		rows, err := s.treasury.Redemptions(gctx)
		if err != nil {
			record("UST_REDEMPTIONS", 0, err)
			return nil
		}
		n, err := s.seriesRepo.UpsertPoints("UST_REDEMPTIONS", "USD", 1e6, "DTS",
			strPtr("https://api.fiscaldata.treasury.gov"), nil, rows)
		record("UST_REDEMPTIONS", n, err)
		return nil
	})

	g.Go(func() error {
		rows, err := s.treasury.InterestOutlays(gctx)
		if err != nil {
			record("UST_INTEREST", 0, err)
			return nil
		}
		n, err := s.seriesRepo.UpsertPoints("UST_INTEREST", "USD", 1e6, "DTS",
			strPtr("https://api.fiscaldata.treasury.gov"), nil, rows)
		record("UST_INTEREST", n, err)
		return nil
	})

	g.Go(func() error {
		rows, err := s.ofr.StressIndex(gctx)
		if err != nil {
			record("OFR_LIQ_IDX", 0, err)
			return nil
		}
		n, err := s.seriesRepo.UpsertPoints("OFR_LIQ_IDX", "index", 1.0, "OFR", strPtr(s.ofr.url), nil, rows)
		record("OFR_LIQ_IDX", n, err)
		return nil
	})

	if err := g.Wait(); err != nil {
		return summary, err
	}

	// Derived series build on the freshly ingested inputs, so they run after
	// the fan-out settles.
	if n, err := s.derived.UpsertWeeklyNetSettlements(settlementsWeeks); err != nil {
		record(derived.SeriesNetSettlements, 0, err)
	} else {
		record(derived.SeriesNetSettlements, n, nil)
	}
	if n, err := s.derived.UpsertBillRRPSpread(spreadDaysBack); err != nil {
		record(derived.SeriesBillRRPSpread, 0, err)
	} else {
		record(derived.SeriesBillRRPSpread, n, nil)
	}

	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	total := 0
	for _, n := range summary.Inserted {
		total += n
	}
	s.events.LogEvent("ingest", "", "ok", fmt.Sprintf("inserted %d rows across %d targets", total, len(summary.Inserted)))
	s.log.Info().Int("inserted", total).Int("targets", len(summary.Inserted)).Msg("Ingest run finished")
	return summary, nil
}

// ingestAuctions aggregates auction rows into the supply series: total and
// bill offerings by auction date, issue amounts by issue date.
func (s *Service) ingestAuctions(auctions []AuctionRow, record func(string, int, error)) {
	offerings := make(map[time.Time]float64)
	bills := make(map[time.Time]float64)
	issues := make(map[time.Time]float64)
	for _, a := range auctions {
		offerings[a.AuctionDate] += a.OfferingAmount
		if a.IsBill {
			bills[a.AuctionDate] += a.OfferingAmount
		}
		if a.IssueDate != nil {
			issues[*a.IssueDate] += a.OfferingAmount
		}
	}

	targets := []struct {
		id     string
		totals map[time.Time]float64
	}{
		{"UST_AUCTION_OFFERINGS", offerings},
		{"UST_BILL_OFFERINGS", bills},
		{"UST_AUCTION_ISSUES", issues},
	}
	for _, target := range targets {
		// Auction amounts are reported in millions.
		n, err := s.seriesRepo.UpsertPoints(target.id, "USD", 1e6, "DTS",
			strPtr("https://api.fiscaldata.treasury.gov"), nil, dailyTotals(target.totals))
		record(target.id, n, err)
	}
}

func strPtr(s string) *string { return &s }
