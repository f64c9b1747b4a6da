package indicators

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity/internal/database"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
)

type testEnv struct {
	seriesRepo   *series.Repository
	registryRepo *registry.Repository
	evaluator    *Evaluator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	seriesRepo := series.NewRepository(db.Conn(), zerolog.Nop())
	registryRepo := registry.NewRepository(db.Conn(), zerolog.Nop())
	return &testEnv{
		seriesRepo:   seriesRepo,
		registryRepo: registryRepo,
		evaluator:    NewEvaluator(seriesRepo, registryRepo, zerolog.Nop()),
	}
}

// seedDaily writes consecutive daily values starting 2025-08-01, each fetched
// a minute apart.
func (env *testEnv) seedDaily(t *testing.T, seriesID string, scale float64, values ...float64) {
	t.Helper()
	base := time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC)
	rows := make([]series.UpsertRow, len(values))
	for i, v := range values {
		rows[i] = series.UpsertRow{
			ObservationDate: time.Date(2025, 8, 1+i, 0, 0, 0, 0, time.UTC),
			FetchedAt:       base.Add(time.Duration(i) * time.Minute),
			ValueNumeric:    v,
		}
	}
	_, err := env.seriesRepo.UpsertPoints(seriesID, "percent", scale, "TEST", nil, nil, rows)
	require.NoError(t, err)
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestSpreadThreshold_Persistence(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "sofr_iorb",
		Series:         []string{"SOFR", "IORB"},
		Cadence:        "daily",
		Directionality: "higher_is_draining",
		TriggerDefault: "> 0 bps persistent",
		Scoring:        "threshold",
		Persistence:    intPtr(3),
	}

	t.Run("two of three days above zero stays neutral", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedDaily(t, "SOFR", 1, 5.0, 5.0, 5.0, 5.1, 5.1)
		env.seedDaily(t, "IORB", 1, 5.0, 5.0, 5.0, 5.0, 5.0)

		ev, contrib, err := env.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusNeutral, ev.Status)
		assert.Equal(t, 0.0, contrib)
	})

	t.Run("three consecutive days flips to draining", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedDaily(t, "SOFR", 1, 5.0, 5.0, 5.1, 5.1, 5.1)
		env.seedDaily(t, "IORB", 1, 5.0, 5.0, 5.0, 5.0, 5.0)

		ev, contrib, err := env.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusNegative, ev.Status)
		assert.Equal(t, -1.0, contrib)
		require.NotNil(t, ev.ValueNumeric)
		assert.InDelta(t, 0.1, *ev.ValueNumeric, 1e-9)

		streak := ev.Provenance["streak"].(map[string]any)
		assert.Equal(t, 3, streak["current"])
		assert.Equal(t, 3, streak["required"])
	})
}

func TestGenericThreshold(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "bill_rrp",
		Series:         []string{"BILL_RRP_BPS"},
		Cadence:        "daily",
		Directionality: "higher_is_supportive",
		TriggerDefault: "> +25 bps => RRP drain likely",
		Scoring:        "threshold",
		Persistence:    intPtr(2),
	}

	env := newTestEnv(t)
	env.seedDaily(t, "BILL_RRP_BPS", 1, 10, 20, 30, 40)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPositive, ev.Status)
	assert.Equal(t, 1.0, contrib)
	require.NotNil(t, ev.ValueNumeric)
	assert.Equal(t, 40.0, *ev.ValueNumeric)

	threshold := ev.Provenance["threshold"].(map[string]any)
	assert.Equal(t, ">", threshold["op"])
	assert.Equal(t, 25.0, threshold["value"])
}

func TestGenericThreshold_UnparseableTriggerIsNeutral(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "misc",
		Series:         []string{"MISC"},
		Directionality: "higher_is_supportive",
		TriggerDefault: "watch for stress",
		Scoring:        "threshold",
	}

	env := newTestEnv(t)
	env.seedDaily(t, "MISC", 1, 100, 200, 300)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNeutral, ev.Status)
	assert.Equal(t, 0.0, contrib)
}

func TestPercentileThreshold(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "ofr_liq_idx",
		Series:         []string{"OFR_FSI"},
		Directionality: "higher_is_draining",
		TriggerDefault: "> 80th pct",
		Scoring:        "threshold",
	}

	env := newTestEnv(t)
	// 1..19 then a clear outlier: the last value sits above the 80th pct.
	values := make([]float64, 0, 20)
	for i := 1; i <= 19; i++ {
		values = append(values, float64(i))
	}
	values = append(values, 100)
	env.seedDaily(t, "OFR_FSI", 1, values...)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNegative, ev.Status)
	assert.Equal(t, -1.0, contrib)

	threshold := ev.Provenance["threshold"].(map[string]any)
	assert.Equal(t, "percentile", threshold["type"])
	assert.Equal(t, 80.0, threshold["pct"])
}

func TestPercentileThreshold_NamedVariant(t *testing.T) {
	// A registry entry outside the legacy id set picks its scoring flavor by
	// naming the variant directly.
	spec := registry.IndicatorSpec{
		IndicatorID:    "funding_stress",
		Series:         []string{"FSI_ALT"},
		Directionality: "higher_is_draining",
		TriggerDefault: "> 80th pct",
		Scoring:        "percentile_threshold",
	}

	env := newTestEnv(t)
	values := make([]float64, 0, 20)
	for i := 1; i <= 19; i++ {
		values = append(values, float64(i))
	}
	values = append(values, 100)
	env.seedDaily(t, "FSI_ALT", 1, values...)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNegative, ev.Status)
	assert.Equal(t, -1.0, contrib)

	threshold := ev.Provenance["threshold"].(map[string]any)
	assert.Equal(t, "percentile", threshold["type"])
}

func TestPercentileThreshold_TooFewValues(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID: "ofr_liq_idx",
		Series:      []string{"OFR_FSI"},
		Scoring:     "threshold",
	}

	env := newTestEnv(t)
	env.seedDaily(t, "OFR_FSI", 1, 1, 2)

	ev, _, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNA, ev.Status)
	assert.Equal(t, "> 80th pct", ev.FlipTrigger)
}

func TestBillShare(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "bill_share",
		Series:         []string{"UST_BILL_OFFERINGS"},
		Directionality: "higher_is_draining",
		TriggerDefault: ">= 65%",
		Scoring:        "threshold",
	}

	env := newTestEnv(t)
	env.seedDaily(t, "UST_AUCTION_OFFERINGS", 1, 100, 100, 100)
	env.seedDaily(t, "UST_BILL_OFFERINGS", 1, 50, 60, 70)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNegative, ev.Status)
	assert.Equal(t, -1.0, contrib)
	require.NotNil(t, ev.ValueNumeric)
	assert.InDelta(t, 70.0, *ev.ValueNumeric, 1e-9)
	assert.Equal(t, 70.0, ev.Provenance["bill_share_pct"])
}

func TestQTPace(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "qt_pace",
		Series:         []string{"WSHOSHO", "WSHOMCB"},
		Directionality: "higher_is_draining",
		Scoring:        "threshold",
	}

	env := newTestEnv(t)
	require.NoError(t, env.registryRepo.UpsertCaps(registry.QTCaps{
		EffectiveDate: "2025-01-01", USTCapUSDWeek: 10e9, MBSCapUSDWeek: 8e9,
	}))

	t.Run("runoff at cap is a headwind", func(t *testing.T) {
		// Holdings fall by 12B UST, 1B MBS week over week (scale 1e6).
		env.seedDaily(t, "WSHOSHO", 1e6, 5_000_000, 4_988_000)
		env.seedDaily(t, "WSHOMCB", 1e6, 2_000_000, 1_999_000)

		ev, contrib, err := env.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusNegative, ev.Status)
		assert.Equal(t, -1.0, contrib)
		require.NotNil(t, ev.ValueNumeric)
		assert.InDelta(t, 13e9, *ev.ValueNumeric, 1)
		assert.Equal(t, "UST ≥ $10.00B/w or MBS ≥ $8.00B/w", ev.FlipTrigger)

		caps := ev.Provenance["qt_caps"].(map[string]any)
		assert.Equal(t, "2025-01-01", caps["effective_date"])
	})

	t.Run("missing caps makes it unavailable", func(t *testing.T) {
		env2 := newTestEnv(t)
		env2.seedDaily(t, "WSHOSHO", 1e6, 5_000_000, 4_999_000)
		env2.seedDaily(t, "WSHOMCB", 1e6, 2_000_000, 1_999_500)

		ev, _, err := env2.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusNA, ev.Status)
		assert.Equal(t, "@cap => headwind", ev.FlipTrigger)
	})
}

func TestZScoring_Persistence(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "tga_delta",
		Series:         []string{"TGA"},
		Cadence:        "daily",
		Directionality: "higher_is_draining",
		ZCutoff:        floatPtr(1.0),
		Persistence:    intPtr(2),
	}

	t.Run("single spike does not satisfy persistence two", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedDaily(t, "TGA", 1, 100, 101, 99, 100, 102, 98, 100, 101, 99, 100, 160)

		ev, contrib, err := env.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		require.NotNil(t, ev.Z20)
		assert.Greater(t, *ev.Z20, 1.0)
		assert.Equal(t, StatusNeutral, ev.Status)
		assert.Equal(t, 0.0, contrib)
	})

	t.Run("two consecutive qualifying spikes flip status", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedDaily(t, "TGA", 1, 100, 101, 99, 100, 102, 98, 100, 101, 99, 155, 160)

		ev, contrib, err := env.evaluator.Evaluate(spec, nil)
		require.NoError(t, err)
		require.NotNil(t, ev.Z20)
		// higher_is_draining: a persistent positive z is a drain.
		assert.Equal(t, StatusNegative, ev.Status)
		assert.Equal(t, -1.0, contrib)
		assert.Equal(t, zWindow, ev.Provenance["z_window"])
	})
}

func TestNetLiquidity_Composite(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "net_liq",
		Series:         []string{"WALCL", "TGA", "RRP"},
		Cadence:        "weekly",
		Directionality: "higher_is_supportive",
	}

	env := newTestEnv(t)

	// Weekly WALCL in millions, one print before the daily window.
	_, err := env.seriesRepo.UpsertPoints("WALCL", "USD", 1e6, "FRED", nil, nil, []series.UpsertRow{
		{ObservationDate: time.Date(2025, 7, 30, 0, 0, 0, 0, time.UTC), FetchedAt: time.Now().UTC(), ValueNumeric: 7_000_000},
	})
	require.NoError(t, err)

	// Daily TGA and RRP; the registry names RRP, the store holds RRPONTSYD.
	env.seedDaily(t, "TGA", 1e9, 700, 710, 705, 700, 695)
	env.seedDaily(t, "RRPONTSYD", 1e9, 500, 490, 480, 470, 460)

	ev, _, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	require.NotNil(t, ev.ValueNumeric)
	// 7000B - 695B - 460B = 5845B on the latest common date.
	assert.InDelta(t, 5_845e9, *ev.ValueNumeric, 1e6)

	inputs := ev.Provenance["inputs"].(map[string]any)
	require.Contains(t, inputs, "WALCL")
	require.Contains(t, inputs, "TGA")
	require.Contains(t, inputs, "RRP")
	walclMeta := inputs["WALCL"].(map[string]any)
	assert.Equal(t, "2025-07-30", walclMeta["observation_date"])
	assert.NotEmpty(t, walclMeta["vintage_id"])

	require.NotNil(t, ev.Window)
	assert.Equal(t, "w", *ev.Window)
}

func TestNetLiquidity_MissingInputIsNA(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID: "net_liq",
		Series:      []string{"WALCL", "TGA", "RRP"},
	}

	env := newTestEnv(t)
	env.seedDaily(t, "TGA", 1, 700, 710)

	ev, contrib, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNA, ev.Status)
	assert.Equal(t, 0.0, contrib)
}

func TestDerivedSeriesRedirect(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "ust_net_w",
		Series:         []string{"UST_AUCTION_ISSUES"},
		Cadence:        "weekly",
		Directionality: "higher_is_supportive",
	}

	env := newTestEnv(t)
	env.seedDaily(t, "UST_NET_SETTLE_W", 1, 10e9, 12e9, 11e9, 13e9)

	ev, _, err := env.evaluator.Evaluate(spec, nil)
	require.NoError(t, err)
	assert.True(t, ev.Available())
	prov := ev.Provenance["series"].([]string)
	assert.Equal(t, []string{"UST_NET_SETTLE_W"}, prov)
}

func TestEvaluate_AsOfFetchedReplays(t *testing.T) {
	spec := registry.IndicatorSpec{
		IndicatorID:    "misc",
		Series:         []string{"MISC"},
		Directionality: "higher_is_supportive",
		TriggerDefault: "> 50",
		Scoring:        "threshold",
	}

	env := newTestEnv(t)
	env.seedDaily(t, "MISC", 1, 10, 20, 60)

	// All three rows were fetched starting 2025-08-25; before that the
	// indicator has no data.
	ev, _, err := env.evaluator.Evaluate(spec, &AsOf{
		Time: time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC),
		Mode: ModeFetched,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNA, ev.Status)

	ev, _, err = env.evaluator.Evaluate(spec, &AsOf{
		Time: time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC),
		Mode: ModeFetched,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPositive, ev.Status)
}
