package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity/internal/config"
	"github.com/aristath/liquidity/internal/database"
	"github.com/aristath/liquidity/internal/modules/agent"
	"github.com/aristath/liquidity/internal/modules/derived"
	"github.com/aristath/liquidity/internal/modules/indicators"
	"github.com/aristath/liquidity/internal/modules/ingest"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/modules/snapshots"
)

// scriptedProvider answers every completion and stream with a fixed script.
type scriptedProvider struct {
	completion string
	stream     string
}

func (p *scriptedProvider) Complete(_ context.Context, _ string) (string, error) {
	return p.completion, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, _ string) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		defer close(ch)
		script := p.stream
		for len(script) > 0 {
			n := 8
			if n > len(script) {
				n = len(script)
			}
			select {
			case ch <- script[:n]:
			case <-ctx.Done():
				return
			}
			script = script[n:]
		}
	}()
	return ch, nil
}

type serverEnv struct {
	server       *Server
	http         *httptest.Server
	seriesRepo   *series.Repository
	registryRepo *registry.Repository
	provider     *scriptedProvider
	sources      *httptest.Server
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	dataDir := t.TempDir()
	db, err := database.New(database.Config{
		Path: filepath.Join(dataDir, "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	seriesRepo := series.NewRepository(db.Conn(), zerolog.Nop())
	registryRepo := registry.NewRepository(db.Conn(), zerolog.Nop())
	evaluator := indicators.NewEvaluator(seriesRepo, registryRepo, zerolog.Nop())
	snapRepo := snapshots.NewRepository(db.Conn(), zerolog.Nop())
	snapService := snapshots.NewService(snapRepo, seriesRepo, registryRepo, evaluator, zerolog.Nop())
	derivedService := derived.NewService(seriesRepo, zerolog.Nop())

	// One stub upstream serves every ingest source with an empty payload.
	sources := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "observations"):
			w.Write([]byte(`{"observations":[]}`))
		case strings.HasSuffix(r.URL.Path, ".csv"):
			w.Write([]byte("Date,OFR FSI\n"))
		default:
			w.Write([]byte(`{"data":[]}`))
		}
	}))
	t.Cleanup(sources.Close)

	ingestService := ingest.NewService(
		ingest.NewFREDClient("test-key", sources.URL, zerolog.Nop()),
		ingest.NewTreasuryClient(sources.URL, zerolog.Nop()),
		ingest.NewOFRClient(sources.URL+"/fsi.csv", zerolog.Nop()),
		seriesRepo,
		derivedService,
		snapRepo,
		zerolog.Nop(),
	)

	docsPath := filepath.Join(dataDir, "registry.md")
	require.NoError(t, os.WriteFile(docsPath, []byte("# Registry documentation\n"), 0o644))

	provider := &scriptedProvider{}
	agentService := agent.NewService(snapService, snapRepo, seriesRepo, registryRepo,
		agent.NewDocsLoader(docsPath), provider, zerolog.Nop())

	srv := New(Config{
		Log:          zerolog.Nop(),
		DB:           db,
		Config:       &config.Config{DataDir: dataDir, Port: 0, DevMode: true},
		SeriesRepo:   seriesRepo,
		RegistryRepo: registryRepo,
		Snapshots:    snapService,
		SnapRepo:     snapRepo,
		Ingest:       ingestService,
		Agent:        agentService,
	})
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return &serverEnv{
		server:       srv,
		http:         ts,
		seriesRepo:   seriesRepo,
		registryRepo: registryRepo,
		provider:     provider,
		sources:      sources,
	}
}

func (env *serverEnv) seedIndicator(t *testing.T, id, category, seriesID string) {
	t.Helper()
	_, err := env.registryRepo.Upsert([]registry.IndicatorSpec{{
		IndicatorID:    id,
		Name:           id,
		Category:       category,
		Series:         []string{seriesID},
		Cadence:        "daily",
		Directionality: "higher_is_supportive",
		TriggerDefault: "> 0",
		Scoring:        "threshold",
	}})
	require.NoError(t, err)

	rows := make([]series.UpsertRow, 3)
	for i, v := range []float64{1, 2, 3} {
		rows[i] = series.UpsertRow{
			ObservationDate: time.Date(2025, 8, 1+i, 0, 0, 0, 0, time.UTC),
			ValueNumeric:    v,
		}
	}
	_, err = env.seriesRepo.UpsertPoints(seriesID, "percent", 1, "TEST", nil, nil, rows)
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := newServerEnv(t)

	var body map[string]string
	status := getJSON(t, env.http.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestSeriesEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")

	var body seriesResponse
	status := getJSON(t, env.http.URL+"/series/SOFR", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SOFR", body.SeriesID)
	require.Len(t, body.Points, 3)
	// LatestPoints returns newest first.
	assert.Equal(t, "2025-08-03", body.Points[0].ObservationDate)
	assert.Equal(t, 3.0, body.Points[0].ValueNumeric)
	assert.Equal(t, "TEST", body.Points[0].Source)
}

func TestSeriesEndpoint_Limit(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")

	var body seriesResponse
	status := getJSON(t, env.http.URL+"/series/SOFR?limit=1", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Points, 1)
}

func TestSeriesEndpoint_InvalidAsOf(t *testing.T) {
	env := newServerEnv(t)

	var body map[string]string
	status := getJSON(t, env.http.URL+"/series/SOFR?as_of=yesterday", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "ISO 8601")
}

func TestSeriesEndpoint_AsOfExcludesLaterFetches(t *testing.T) {
	env := newServerEnv(t)

	early := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	late := time.Date(2025, 8, 3, 10, 0, 0, 0, time.UTC)
	_, err := env.seriesRepo.UpsertPoints("TGA", "USD", 1e6, "DTS", nil, nil, []series.UpsertRow{
		{ObservationDate: time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), FetchedAt: early, ValueNumeric: 100},
	})
	require.NoError(t, err)
	_, err = env.seriesRepo.UpsertPoints("TGA", "USD", 1e6, "DTS", nil, nil, []series.UpsertRow{
		{ObservationDate: time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC), FetchedAt: late, ValueNumeric: 200},
	})
	require.NoError(t, err)

	var body seriesResponse
	status := getJSON(t, env.http.URL+"/series/TGA?as_of=2025-08-02T00:00:00Z", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body.Points, 1)
	assert.Equal(t, 100.0, body.Points[0].ValueNumeric)
}

func TestSeriesListEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")
	env.seedIndicator(t, "tga_ind", "core_plumbing", "TGA")

	var ids []string
	status := getJSON(t, env.http.URL+"/series/list", &ids)
	assert.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"SOFR", "TGA"}, ids)
}

func TestIndicatorsEndpoints(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")
	env.seedIndicator(t, "floor_dupe", "core_plumbing", "SOFR")
	dup := "floor_ind"
	_, err := env.registryRepo.Upsert([]registry.IndicatorSpec{{
		IndicatorID:    "floor_dupe",
		Name:           "floor_dupe",
		Category:       "core_plumbing",
		Series:         []string{"SOFR"},
		Cadence:        "daily",
		Directionality: "higher_is_supportive",
		TriggerDefault: "> 0",
		Scoring:        "threshold",
		DuplicatesOf:   &dup,
	}})
	require.NoError(t, err)

	var specs []registry.IndicatorSpec
	status := getJSON(t, env.http.URL+"/indicators", &specs)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, specs, 2)

	var ids []string
	status = getJSON(t, env.http.URL+"/indicators/list", &ids)
	assert.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"floor_ind", "floor_dupe"}, ids)

	var buckets map[string][]string
	status = getJSON(t, env.http.URL+"/registry/buckets", &buckets)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, buckets, 1)
	assert.Equal(t, []string{"floor_dupe", "floor_ind"}, buckets["floor_ind"])
}

func TestIndicatorsEndpoints_OnlyAvailable(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")
	_, err := env.registryRepo.Upsert([]registry.IndicatorSpec{{
		IndicatorID:    "no_data_ind",
		Name:           "no_data_ind",
		Category:       "supply",
		Series:         []string{"UST_AUCTION_OFFERINGS"},
		Cadence:        "daily",
		Directionality: "higher_is_supportive",
		TriggerDefault: "> 0",
		Scoring:        "threshold",
	}})
	require.NoError(t, err)

	var ids []string
	status := getJSON(t, env.http.URL+"/indicators/list?only_available=true", &ids)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"floor_ind"}, ids)

	status = getJSON(t, env.http.URL+"/indicators/list", &ids)
	assert.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"floor_ind", "no_data_ind"}, ids)
}

func TestSnapshotEndpoint_RequiresHorizon(t *testing.T) {
	env := newServerEnv(t)

	var body map[string]string
	status := getJSON(t, env.http.URL+"/snapshot", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "horizon")
}

func TestSnapshotRecomputeHistoryRoundTrip(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")

	var snap snapshots.Result
	status := getJSON(t, env.http.URL+"/snapshot?horizon=1w", &snap)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1w", snap.Horizon)
	assert.NotEmpty(t, snap.Indicators)

	var recompute struct {
		AsOf     string           `json:"as_of"`
		Snapshot snapshots.Result `json:"snapshot"`
	}
	status = postJSON(t, env.http.URL+"/events/recompute?horizon=1w", &recompute)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, recompute.Snapshot.FrozenInputsID)

	var history struct {
		Horizon string                  `json:"horizon"`
		Days    int                     `json:"days"`
		Slim    bool                    `json:"slim"`
		Items   []snapshots.HistoryItem `json:"items"`
	}
	status = getJSON(t, env.http.URL+"/snapshot/history", &history)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1w", history.Horizon)
	assert.True(t, history.Slim)
	require.Len(t, history.Items, 1)

	var indHistory struct {
		IndicatorID string                           `json:"indicator_id"`
		Items       []snapshots.IndicatorHistoryItem `json:"items"`
	}
	status = getJSON(t, env.http.URL+"/indicators/floor_ind/history", &indHistory)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "floor_ind", indHistory.IndicatorID)
	require.Len(t, indHistory.Items, 1)
}

func TestRouterEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")

	var result snapshots.RouterResult
	status := getJSON(t, env.http.URL+"/router?horizon=1w&k=2", &result)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1w", result.Horizon)
	require.Len(t, result.Picks, 1)
	assert.Equal(t, "floor_ind", result.Picks[0].ID)
}

func TestBackfillHistoryEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")

	var body struct {
		Horizon   string `json:"horizon"`
		Days      int    `json:"days"`
		Persisted int    `json:"persisted"`
	}
	status := postJSON(t, env.http.URL+"/events/backfill_history?days=2", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1w", body.Horizon)
	assert.Equal(t, 2, body.Days)
	assert.Equal(t, 3, body.Persisted)
}

func TestIngestEndpoint(t *testing.T) {
	env := newServerEnv(t)

	var summary ingest.Summary
	status := postJSON(t, env.http.URL+"/events/ingest", &summary)
	assert.Equal(t, http.StatusOK, status)
	// Empty upstreams still produce per-target entries with zero inserts.
	assert.Contains(t, summary.Inserted, "TGA")
	assert.Empty(t, summary.Errors)
}

func TestBriefEndpoint(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")
	env.provider.completion = "## Regime\nNeutral.\n\n## Evidence\n- a\n- b\n- c\n\n## Interpretation\nSteady.\n"

	var brief agent.Brief
	status := postJSON(t, env.http.URL+"/llm/brief", &brief)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1w", brief.Horizon)
	assert.NotEmpty(t, brief.Markdown)
}

func TestAskStream_RequiresQuestion(t *testing.T) {
	env := newServerEnv(t)

	var body map[string]string
	status := getJSON(t, env.http.URL+"/llm/ask_stream", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["detail"], "question")
}

func TestAskStream_EmitsSSEFrames(t *testing.T) {
	env := newServerEnv(t)
	env.seedIndicator(t, "floor_ind", "core_plumbing", "SOFR")
	env.provider.stream = "FINAL Reserves look steady."

	resp, err := http.Get(env.http.URL + "/llm/ask_stream?question=how+are+reserves")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	var finalData string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if len(events) > 0 && events[len(events)-1] == "final" && strings.HasPrefix(line, "data: ") {
			finalData = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())

	assert.Contains(t, events, "start")
	assert.Contains(t, events, "final")
	assert.Contains(t, finalData, "Reserves look steady.")
}

func TestSystemStatusEndpoint(t *testing.T) {
	env := newServerEnv(t)

	var body SystemStatusResponse
	status := getJSON(t, env.http.URL+"/system/status", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body.Status)
	assert.Greater(t, body.DBPageSize, int64(0))
}
