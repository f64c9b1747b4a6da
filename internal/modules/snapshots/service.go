package snapshots

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/indicators"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/stats"
)

// maxRootHops bounds duplicates_of chains. Cycles are registry mistakes; the
// first-seen id becomes the root and a warning is logged.
const maxRootHops = 16

// Service computes and persists snapshots.
type Service struct {
	repo         *Repository
	seriesRepo   *series.Repository
	registryRepo *registry.Repository
	evaluator    *indicators.Evaluator
	log          zerolog.Logger
}

// NewService creates a new snapshot service.
func NewService(repo *Repository, seriesRepo *series.Repository, registryRepo *registry.Repository, evaluator *indicators.Evaluator, log zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		seriesRepo:   seriesRepo,
		registryRepo: registryRepo,
		evaluator:    evaluator,
		log:          log.With().Str("component", "snapshots").Logger(),
	}
}

// rootOf follows duplicates_of to its fixed point.
func (s *Service) rootOf(id string, specByID map[string]registry.IndicatorSpec) string {
	seen := map[string]bool{id: true}
	current := id
	for hop := 0; hop < maxRootHops; hop++ {
		spec, ok := specByID[current]
		if !ok || spec.DuplicatesOf == nil || *spec.DuplicatesOf == "" || *spec.DuplicatesOf == current {
			return current
		}
		next := *spec.DuplicatesOf
		if seen[next] {
			s.log.Warn().Str("indicator_id", id).Str("cycle_at", next).Msg("duplicates_of cycle, using first-seen id as root")
			return id
		}
		seen[next] = true
		current = next
	}
	s.log.Warn().Str("indicator_id", id).Msg("duplicates_of chain too long, using first-seen id as root")
	return id
}

// Compute evaluates every registry indicator and aggregates the results into
// a snapshot. Indicators without data are dropped before bucketing. asOf may
// be nil for a live snapshot.
func (s *Service) Compute(horizon string, k int, asOf *indicators.AsOf) (*Result, error) {
	specs, err := s.registryRepo.List()
	if err != nil {
		return nil, err
	}
	specByID := make(map[string]registry.IndicatorSpec, len(specs))
	for _, spec := range specs {
		specByID[spec.IndicatorID] = spec
	}

	var evaluated []indicators.Evidence
	contributions := make(map[string]float64)
	for _, spec := range specs {
		ev, contrib, err := s.evaluator.Evaluate(spec, asOf)
		if err != nil {
			return nil, err
		}
		if !ev.Available() {
			continue
		}
		evaluated = append(evaluated, ev)
		contributions[ev.ID] = contrib
	}

	rowByID := make(map[string]indicators.Evidence, len(evaluated))
	zAbsByID := make(map[string]float64, len(evaluated))
	for _, ev := range evaluated {
		rowByID[ev.ID] = ev
		if ev.Z20 != nil {
			zAbsByID[ev.ID] = math.Abs(*ev.Z20)
		}
	}

	// Bucket evaluated indicators under their duplicates_of roots.
	membersByBucket := make(map[string][]string)
	for _, ev := range evaluated {
		root := s.rootOf(ev.ID, specByID)
		membersByBucket[root] = append(membersByBucket[root], ev.ID)
	}

	bucketAggregate := make(map[string]float64, len(membersByBucket))
	for root, members := range membersByBucket {
		sort.Strings(members)
		sum := 0.0
		for _, m := range members {
			sum += contributions[m]
		}
		bucketAggregate[root] = sum / float64(len(members))
	}

	// Weighted continuous score over the weighted categories.
	weightedSum := 0.0
	totalWeight := 0.0
	weightedBuckets := 0
	for root, agg := range bucketAggregate {
		spec, ok := specByID[root]
		if !ok {
			continue
		}
		w := bucketWeights[spec.Category]
		if w == 0 {
			continue
		}
		weightedSum += w * agg
		totalWeight += w
		weightedBuckets++
	}

	scoreCont := weightedSum
	if totalWeight == 0 {
		scoreCont = 0
		for _, c := range contributions {
			scoreCont += c
		}
	}
	// Half-way scores round to even so a lone 0.5 stays Neutral.
	score := int(math.RoundToEven(scoreCont))
	maxScore := weightedBuckets
	if maxScore < 1 {
		maxScore = 1
	}

	// One representative per bucket: largest |z20|, ties lexicographic.
	representativeByBucket := make(map[string]string, len(membersByBucket))
	var reps []indicators.Evidence
	for root, members := range membersByBucket {
		best := members[0]
		for _, m := range members[1:] {
			if zAbsByID[m] > zAbsByID[best] {
				best = m
			}
		}
		representativeByBucket[root] = best
		reps = append(reps, rowByID[best])
	}
	sort.Slice(reps, func(i, j int) bool {
		zi, zj := zAbsByID[reps[i].ID], zAbsByID[reps[j].ID]
		if zi != zj {
			return zi > zj
		}
		return reps[i].ID < reps[j].ID
	})
	if k > 0 && len(reps) > k {
		reps = reps[:k]
	}

	var bucketDetails []BucketDetail
	for root, members := range membersByBucket {
		spec := specByID[root]
		repID := representativeByBucket[root]
		detail := BucketDetail{
			BucketID:         root,
			Category:         spec.Category,
			Weight:           bucketWeights[spec.Category],
			AggregateStatus:  aggregateStatus(bucketAggregate[root]),
			RepresentativeID: repID,
		}
		for _, m := range members {
			row := rowByID[m]
			detail.Members = append(detail.Members, BucketMember{
				ID:               m,
				Status:           aggregateStatus(contributions[m]),
				Z20:              row.Z20,
				IsRoot:           m == root,
				IsRepresentative: m == repID,
			})
		}
		bucketDetails = append(bucketDetails, detail)
	}
	sort.Slice(bucketDetails, func(i, j int) bool { return bucketDetails[i].BucketID < bucketDetails[j].BucketID })

	asOfTime := time.Now().UTC()
	if asOf != nil {
		asOfTime = asOf.Time.UTC()
	}

	return &Result{
		AsOf: asOfTime.Format(time.RFC3339),
		Regime: Regime{
			Label:     regimeLabel(score),
			Tilt:      regimeTilt(scoreCont),
			Score:     score,
			MaxScore:  maxScore,
			ScoreCont: math.Round(scoreCont*100) / 100,
		},
		Indicators:     reps,
		BucketDetails:  bucketDetails,
		BucketWeights:  bucketWeights,
		FrozenInputsID: "temp",
		Horizon:        horizon,
		allIndicators:  evaluated,
	}, nil
}

func aggregateStatus(v float64) string {
	switch {
	case v > 0:
		return indicators.StatusPositive
	case v < 0:
		return indicators.StatusNegative
	default:
		return indicators.StatusNeutral
	}
}

// frozenInputs pins the vintages behind the top-K evidence rows. Composite
// rows contribute one entry per input series; single-series rows one entry
// per declared series.
func frozenInputs(rows []indicators.Evidence) []FrozenInput {
	var items []FrozenInput
	for _, row := range rows {
		prov := row.Provenance
		if inputs, ok := prov["inputs"].(map[string]any); ok {
			for sid, metaAny := range inputs {
				meta, _ := metaAny.(map[string]any)
				items = append(items, FrozenInput{
					IndicatorID:     row.ID,
					SeriesID:        sid,
					VintageID:       anyToStrPtr(meta["vintage_id"]),
					ObservationDate: anyToStrPtr(meta["observation_date"]),
				})
			}
			continue
		}
		obs := anyToStrPtr(prov["observation_date"])
		vid := anyToStrPtr(prov["vintage_id"])
		for _, sid := range provSeries(prov) {
			items = append(items, FrozenInput{
				IndicatorID:     row.ID,
				SeriesID:        sid,
				VintageID:       vid,
				ObservationDate: obs,
			})
		}
	}
	// Map iteration above makes composite entries order-unstable.
	sort.Slice(items, func(i, j int) bool {
		if items[i].IndicatorID != items[j].IndicatorID {
			return items[i].IndicatorID < items[j].IndicatorID
		}
		return items[i].SeriesID < items[j].SeriesID
	})
	return items
}

func provSeries(prov map[string]any) []string {
	switch v := prov["series"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func anyToStrPtr(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// ComputeAndSave computes a snapshot and persists it, replacing any earlier
// snapshot for the same horizon and calendar day.
func (s *Service) ComputeAndSave(horizon string, k int, asOf *indicators.AsOf) (*Result, error) {
	result, err := s.Compute(horizon, k, asOf)
	if err != nil {
		return nil, err
	}

	asOfTime := time.Now().UTC()
	if asOf != nil {
		asOfTime = asOf.Time.UTC()
	}
	if err := s.repo.DeleteDay(horizon, asOfTime); err != nil {
		return nil, err
	}

	frozenID, err := s.repo.Save(result, frozenInputs(result.Indicators))
	if err != nil {
		return nil, err
	}
	result.FrozenInputsID = frozenID
	return result, nil
}

// BackfillHistory persists one snapshot per day for the last days days,
// oldest first, each as of that day's end. Returns the number persisted.
func (s *Service) BackfillHistory(horizon string, days, k int, asOfMode string) (int, error) {
	now := time.Now().UTC()
	count := 0
	for i := days; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		endOfDay := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC)
		_, err := s.ComputeAndSave(horizon, k, &indicators.AsOf{Time: endOfDay, Mode: asOfMode})
		if err != nil {
			return count, err
		}
		count++
	}
	s.log.Info().Str("horizon", horizon).Int("days", days).Int("persisted", count).Msg("History backfilled")
	return count, nil
}

// RegistryBuckets groups every registry entry under its duplicates_of root
// without evaluating anything. Members are sorted within each bucket.
func (s *Service) RegistryBuckets() (map[string][]string, error) {
	specs, err := s.registryRepo.List()
	if err != nil {
		return nil, err
	}
	specByID := make(map[string]registry.IndicatorSpec, len(specs))
	for _, spec := range specs {
		specByID[spec.IndicatorID] = spec
	}

	membersByRoot := make(map[string][]string)
	for _, spec := range specs {
		root := s.rootOf(spec.IndicatorID, specByID)
		membersByRoot[root] = append(membersByRoot[root], spec.IndicatorID)
	}
	for _, members := range membersByRoot {
		sort.Strings(members)
	}
	return membersByRoot, nil
}

// Router ranks indicators by |z20| of their primary series as a relevance
// proxy and returns the top-K watch list.
func (s *Service) Router(horizon string, k int) (*RouterResult, error) {
	specs, err := s.registryRepo.List()
	if err != nil {
		return nil, err
	}

	type ranked struct {
		spec registry.IndicatorSpec
		zAbs float64
	}
	var rows []ranked
	for _, spec := range specs {
		if len(spec.Series) == 0 {
			continue
		}
		points, err := s.seriesRepo.LatestPoints(registry.ResolveSeriesID(spec.Series[0]), 40)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			continue
		}
		values := make([]float64, len(points))
		for i, p := range points {
			values[i] = p.ValueNumeric
		}
		zAbs := 0.0
		if z, ok := stats.Z(values, 20); ok {
			zAbs = math.Abs(z)
		}
		rows = append(rows, ranked{spec: spec, zAbs: zAbs})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].zAbs != rows[j].zAbs {
			return rows[i].zAbs > rows[j].zAbs
		}
		return rows[i].spec.IndicatorID < rows[j].spec.IndicatorID
	})
	if k > 0 && len(rows) > k {
		rows = rows[:k]
	}

	result := &RouterResult{Horizon: horizon, Picks: []RouterPick{}}
	for _, row := range rows {
		why := row.spec.Name
		if row.spec.Notes != nil && *row.spec.Notes != "" {
			why = *row.spec.Notes
		}
		result.Picks = append(result.Picks, RouterPick{
			ID:      row.spec.IndicatorID,
			Why:     why,
			Trigger: row.spec.TriggerDefault,
		})
	}
	return result, nil
}
