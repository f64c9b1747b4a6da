// Package agent turns snapshots into LLM-generated daily briefs and answers
// free-form questions through a small tool-calling loop. All model output
// passes the verifier or the redactor before it leaves the service.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity/internal/modules/indicators"
	"github.com/aristath/liquidity/internal/modules/registry"
	"github.com/aristath/liquidity/internal/modules/series"
	"github.com/aristath/liquidity/internal/modules/snapshots"
)

const (
	briefCacheTTL    = 5 * time.Minute
	snapshotCacheTTL = 5 * time.Minute
	toolCacheTTL     = time.Minute

	defaultBriefK = 12
	agentBriefK   = 6

	maxAgentSteps      = 4
	maxContextMessages = 6
	maxToolResultChars = 800
	pingInterval       = 15 * time.Second

	maxKnownIndicatorIDs = 200
	maxKnownSeriesIDs    = 400

	indicatorHistoryDays      = 90
	indicatorHistoryMaxPoints = 20
)

// Event is one server-sent event of an agent stream.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Brief is a generated daily brief plus the data it was grounded on and the
// verifier's verdict.
type Brief struct {
	Horizon        string                  `json:"horizon"`
	AsOf           string                  `json:"as_of"`
	FrozenInputsID string                  `json:"frozen_inputs_id"`
	Snapshot       *snapshots.Result       `json:"snapshot"`
	Router         *snapshots.RouterResult `json:"router"`
	Markdown       string                  `json:"markdown"`
	JSON           BriefPayload            `json:"json"`
	Verifier       VerifierResult          `json:"verifier"`
}

// BriefPayload is the structured companion of the markdown brief.
type BriefPayload struct {
	Regime        snapshots.Regime       `json:"regime"`
	TopIndicators []indicatorInfo        `json:"top_indicators"`
	TopPicks      []snapshots.RouterPick `json:"top_picks"`
}

// ToolTrace records one tool invocation of an agent run.
type ToolTrace struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Service generates briefs and runs the question-answering agent.
type Service struct {
	snapshots    *snapshots.Service
	snapRepo     *snapshots.Repository
	seriesRepo   *series.Repository
	registryRepo *registry.Repository
	docs         *DocsLoader
	provider     Provider
	log          zerolog.Logger

	briefCache *ttlCache
	snapCache  *ttlCache
	toolCache  *ttlCache
}

// NewService creates the agent service.
func NewService(
	snapService *snapshots.Service,
	snapRepo *snapshots.Repository,
	seriesRepo *series.Repository,
	registryRepo *registry.Repository,
	docs *DocsLoader,
	provider Provider,
	log zerolog.Logger,
) *Service {
	return &Service{
		snapshots:    snapService,
		snapRepo:     snapRepo,
		seriesRepo:   seriesRepo,
		registryRepo: registryRepo,
		docs:         docs,
		provider:     provider,
		log:          log.With().Str("component", "agent").Logger(),
		briefCache:   newTTLCache(briefCacheTTL),
		snapCache:    newTTLCache(snapshotCacheTTL),
		toolCache:    newTTLCache(toolCacheTTL),
	}
}

// formatCompactValue renders a numeric value the way briefs show it: dollar
// magnitudes with a suffix, small values trimmed to three decimals, basis
// points tagged for rate spreads.
func formatCompactValue(indicatorID string, value *float64) string {
	if value == nil {
		return "n/a"
	}
	v := *value
	av := v
	if av < 0 {
		av = -av
	}
	switch {
	case av >= 1e12:
		return fmt.Sprintf("$%.1fT", v/1e12)
	case av >= 1e9:
		return fmt.Sprintf("$%.1fB", v/1e9)
	case av >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case av >= 1e3:
		return fmt.Sprintf("$%.1fK", v/1e3)
	}
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		s = "0"
	}
	if strings.Contains(indicatorID, "iorb") {
		s += " bps"
	}
	return s
}

// cleanFlipTrigger keeps the condition part of a trigger, dropping the
// "=> consequence" tail.
func cleanFlipTrigger(trigger string) string {
	if left, _, found := strings.Cut(trigger, "=>"); found {
		return strings.TrimSpace(left)
	}
	return strings.TrimSpace(trigger)
}

func statusLabel(status string) string {
	switch status {
	case indicators.StatusPositive:
		return "supportive"
	case indicators.StatusNegative:
		return "draining"
	default:
		return "neutral"
	}
}

func (s *Service) indicatorInfos(result *snapshots.Result) ([]indicatorInfo, error) {
	specs, err := s.registryRepo.List()
	if err != nil {
		return nil, err
	}
	nameByID := make(map[string]string, len(specs))
	for _, spec := range specs {
		nameByID[spec.IndicatorID] = spec.Name
	}

	infos := make([]indicatorInfo, 0, len(result.Indicators))
	for _, ev := range result.Indicators {
		info := indicatorInfo{
			ID:          ev.ID,
			Name:        nameByID[ev.ID],
			LatestValue: formatCompactValue(ev.ID, ev.ValueNumeric),
			Z20:         ev.Z20,
			Status:      ev.Status,
			StatusLabel: statusLabel(ev.Status),
			FlipTrigger: cleanFlipTrigger(ev.FlipTrigger),
		}
		if ev.Window != nil {
			info.Window = *ev.Window
		}
		if obs, ok := ev.Provenance["observation_date"].(string); ok {
			info.ObsDate = obs
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GenerateBrief computes an observation-mode snapshot, asks the model for a
// markdown brief grounded on it, and verifies the result. asOf replays a past
// date and may be nil for a live brief. Briefs are cached per (horizon, k,
// as-of).
func (s *Service) GenerateBrief(ctx context.Context, horizon string, k int, asOf *indicators.AsOf) (*Brief, error) {
	if k <= 0 {
		k = defaultBriefK
	}
	if asOf == nil {
		asOf = &indicators.AsOf{Time: time.Now().UTC(), Mode: indicators.ModeObservation}
	}
	cacheKey := fmt.Sprintf("%s|%d|%s|%s", horizon, k, asOf.Time.UTC().Format("2006-01-02"), asOf.Mode)
	if cached, ok := s.briefCache.get(cacheKey); ok {
		return cached.(*Brief), nil
	}

	result, err := s.snapshots.Compute(horizon, k, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to compute snapshot for brief: %w", err)
	}
	router, err := s.snapshots.Router(horizon, k)
	if err != nil {
		return nil, fmt.Errorf("failed to compute router for brief: %w", err)
	}

	infos, err := s.indicatorInfos(result)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	regime := map[string]any{
		"label":     result.Regime.Label,
		"tilt":      result.Regime.Tilt,
		"score":     result.Regime.Score,
		"max_score": result.Regime.MaxScore,
	}

	markdown := ""
	md, err := s.provider.Complete(ctx, buildBriefPrompt(regime, ids, infos))
	if err != nil {
		s.log.Warn().Err(err).Str("horizon", horizon).Msg("Brief completion failed, returning data-only brief")
	} else {
		markdown = strings.TrimSpace(md)
	}

	topIndicators := infos
	if len(topIndicators) > 5 {
		topIndicators = topIndicators[:5]
	}

	brief := &Brief{
		Horizon:        horizon,
		AsOf:           result.AsOf,
		FrozenInputsID: result.FrozenInputsID,
		Snapshot:       result,
		Router:         router,
		Markdown:       markdown,
		JSON: BriefPayload{
			Regime:        result.Regime,
			TopIndicators: topIndicators,
			TopPicks:      router.Picks,
		},
		Verifier: verifyBrief(markdown, infos, regime),
	}
	s.briefCache.set(cacheKey, brief)
	return brief, nil
}

// knownIDsContext lists the ids the model may reference: registry indicators
// plus registry and stored series.
func (s *Service) knownIDsContext() string {
	specs, err := s.registryRepo.List()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list registry for KnownIDs")
		return ""
	}

	var indicatorIDs []string
	seriesSet := make(map[string]bool)
	for _, spec := range specs {
		indicatorIDs = append(indicatorIDs, spec.IndicatorID)
		for _, sid := range spec.Series {
			seriesSet[registry.ResolveSeriesID(sid)] = true
		}
	}
	if stored, err := s.seriesRepo.DistinctSeriesIDs(); err == nil {
		for _, sid := range stored {
			seriesSet[sid] = true
		}
	}

	seriesIDs := make([]string, 0, len(seriesSet))
	for sid := range seriesSet {
		seriesIDs = append(seriesIDs, sid)
	}
	sort.Strings(seriesIDs)

	if len(indicatorIDs) > maxKnownIndicatorIDs {
		indicatorIDs = indicatorIDs[:maxKnownIndicatorIDs]
	}
	if len(seriesIDs) > maxKnownSeriesIDs {
		seriesIDs = seriesIDs[:maxKnownSeriesIDs]
	}

	return fmt.Sprintf("KnownIDs:\nindicator_ids: [%s]\nseries_ids: [%s]",
		strings.Join(indicatorIDs, ", "), strings.Join(seriesIDs, ", "))
}

type chatTurn struct {
	role    string
	content string
}

func renderConversation(system string, turns []chatTurn) string {
	var b strings.Builder
	b.WriteString(system)
	for _, turn := range turns {
		b.WriteString("\n\n")
		switch turn.role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(turn.content)
	}
	return b.String()
}

// AskStream answers a free-form question with a bounded tool-calling loop,
// emitting events as the run progresses. asOf scopes the brief context to a
// past date and may be nil. The channel is closed when the run finishes.
func (s *Service) AskStream(ctx context.Context, question, horizon string, asOf *indicators.AsOf) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		s.runAgent(ctx, question, horizon, asOf, events)
	}()
	return events
}

func (s *Service) runAgent(ctx context.Context, question, horizon string, asOf *indicators.AsOf, events chan<- Event) {
	lastEmit := time.Now()
	emit := func(event string, data any) {
		select {
		case events <- Event{Event: event, Data: data}:
			lastEmit = time.Now()
		case <-ctx.Done():
		}
	}
	maybePing := func() {
		if time.Since(lastEmit) >= pingInterval {
			emit("ping", nil)
		}
	}

	emit("start", map[string]any{"horizon": horizon})

	system := buildAgentSystemPrompt(s.knownIDsContext())
	turns := []chatTurn{{role: "user", content: "Question: " + redactPII(question)}}
	if brief, err := s.GenerateBrief(ctx, horizon, agentBriefK, asOf); err != nil {
		s.log.Warn().Err(err).Msg("Brief context unavailable for agent run")
	} else if brief.Markdown != "" {
		turns = append(turns, chatTurn{
			role:    "assistant",
			content: "BriefContext (you MUST align with this; if conflict, prefer this):\n" + brief.Markdown,
		})
	}

	answer := ""
	trace := []ToolTrace{}

steps:
	for step := 0; step < maxAgentSteps; step++ {
		window := turns
		if len(window) > maxContextMessages {
			window = window[len(window)-maxContextMessages:]
		}
		prompt := renderConversation(system, window) + "\n\n" + buildAgentStepPrompt()

		streamCtx, cancelStream := context.WithCancel(ctx)
		tokens, err := s.provider.Stream(streamCtx, prompt)
		if err != nil {
			cancelStream()
			emit("error", map[string]any{"message": "Streaming failed while consulting the model."})
			answer = "Streaming failed while consulting the model."
			break steps
		}

		var buf strings.Builder
		var answerBuf strings.Builder
		mode := ""
		toolHandled := false

		for token := range tokens {
			maybePing()
			switch mode {
			case "final":
				answerBuf.WriteString(token)
				emit("answer_token", token)
				continue
			case "tool":
				buf.WriteString(token)
			default:
				buf.WriteString(token)
				// Markers can surface mid-sentence after a preamble, so the
				// whole buffer is scanned, not just its head.
				text := buf.String()
				if idx := strings.Index(text, "FINAL "); idx >= 0 {
					mode = "final"
					emit("decision", map[string]any{"action": "final"})
					rest := text[idx+len("FINAL "):]
					answerBuf.WriteString(rest)
					if rest != "" {
						emit("answer_token", rest)
					}
					continue
				}
				if strings.Contains(text, "TOOL ") {
					mode = "tool"
					emit("decision", map[string]any{"action": "tool"})
				} else {
					emit("thinking_token", token)
					continue
				}
			}

			// Tool mode: keep accumulating until the args parse as JSON.
			cmd := buf.String()
			if idx := strings.Index(cmd, "TOOL "); idx >= 0 {
				cmd = cmd[idx:]
			}
			name, args, ok := parseToolCommand(cmd)
			if !ok {
				continue
			}
			cancelStream()
			toolHandled = true

			argsJSON, _ := json.Marshal(args)
			if n := len(trace); n > 0 && trace[n-1].Tool == name {
				// Only an immediate repeat of the previous call is nudged;
				// revisiting a tool later in the run is allowed.
				if lastArgs, _ := json.Marshal(trace[n-1].Args); string(lastArgs) == string(argsJSON) {
					turns = append(turns, chatTurn{
						role:    "user",
						content: fmt.Sprintf("You already called %s with the same arguments. Use the result you have or respond FINAL.", name),
					})
					break
				}
			}
			trace = append(trace, ToolTrace{Tool: name, Args: args})
			emit("tool_call", map[string]any{"tool": name, "args": args})

			result, err := s.executeTool(ctx, name, args)
			if err != nil {
				result = "error: " + err.Error()
			}
			result = truncateToolResult(redactPII(result))
			emit("tool_result", map[string]any{"tool": name, "result": result})

			turns = append(turns,
				chatTurn{role: "assistant", content: "TOOL " + name + " " + string(argsJSON)},
				chatTurn{role: "user", content: "ToolResult(" + name + "): " + result + "\nNow respond FINAL with the answer."},
			)
			break
		}
		cancelStream()

		switch {
		case mode == "final":
			answer = strings.TrimSpace(answerBuf.String())
			break steps
		case mode == "tool" && !toolHandled:
			turns = append(turns, chatTurn{
				role:    "user",
				content: "The tool call was malformed. Respond with 'TOOL <name> <json_args>' using a valid JSON object, or 'FINAL <answer>'.",
			})
		case mode == "":
			// The stream ended without a decision; treat whatever was
			// produced as the answer.
			if text := strings.TrimSpace(buf.String()); text != "" {
				answer = text
				break steps
			}
		}
	}

	if answer == "" {
		answer = "I don't know based on the available tools."
	}
	emit("final", map[string]any{
		"answer":     redactPII(answer),
		"tool_trace": trace,
	})
}

// truncateToolResult caps a tool result before it re-enters the prompt,
// backing off to a rune boundary so the cut never splits UTF-8.
func truncateToolResult(result string) string {
	if len(result) <= maxToolResultChars {
		return result
	}
	cut := maxToolResultChars
	for cut > 0 && !utf8.RuneStart(result[cut]) {
		cut--
	}
	return result[:cut]
}

// parseToolCommand parses "TOOL <name> <json_args>". ok is false until the
// args form a complete JSON object.
func parseToolCommand(text string) (string, map[string]any, bool) {
	rest := strings.TrimPrefix(text, "TOOL ")
	name, argsText, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found {
		return "", nil, false
	}
	argsText = strings.TrimSpace(argsText)
	start := strings.Index(argsText, "{")
	if start < 0 {
		return "", nil, false
	}
	end := strings.LastIndex(argsText, "}")
	if end < start {
		return "", nil, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsText[start:end+1]), &args); err != nil {
		return "", nil, false
	}
	return name, args, true
}

func argString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (s *Service) executeTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "get_snapshot":
		horizon := argString(args, "horizon", "1w")
		k := argInt(args, "k", defaultBriefK)
		key := fmt.Sprintf("snapshot|%s|%d", horizon, k)
		if cached, ok := s.snapCache.get(key); ok {
			return cached.(string), nil
		}
		asOf := &indicators.AsOf{Time: time.Now().UTC(), Mode: indicators.ModeObservation}
		result, err := s.snapshots.Compute(horizon, k, asOf)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		s.snapCache.set(key, string(out))
		return string(out), nil

	case "get_router":
		horizon := argString(args, "horizon", "1w")
		k := argInt(args, "k", 5)
		result, err := s.snapshots.Router(horizon, k)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		return string(out), nil

	case "get_indicator_history":
		indicatorID := argString(args, "indicator_id", "")
		if indicatorID == "" {
			return "", fmt.Errorf("indicator_id is required")
		}
		horizon := argString(args, "horizon", "1w")
		days := argInt(args, "days", indicatorHistoryDays)
		key := fmt.Sprintf("indicator_history|%s|%s|%d", indicatorID, horizon, days)
		if cached, ok := s.toolCache.get(key); ok {
			return cached.(string), nil
		}
		items, err := s.snapRepo.IndicatorHistory(indicatorID, horizon, days)
		if err != nil {
			return "", err
		}
		if len(items) > indicatorHistoryMaxPoints {
			items = items[len(items)-indicatorHistoryMaxPoints:]
		}
		out, err := json.Marshal(items)
		if err != nil {
			return "", err
		}
		s.toolCache.set(key, string(out))
		return string(out), nil

	case "get_series_history":
		seriesID := argString(args, "series_id", "")
		if seriesID == "" {
			return "", fmt.Errorf("series_id is required")
		}
		limit := argInt(args, "limit", 30)
		if limit < 6 {
			limit = 6
		}
		if limit > 60 {
			limit = 60
		}
		points, err := s.seriesRepo.LatestPoints(registry.ResolveSeriesID(seriesID), limit)
		if err != nil {
			return "", err
		}
		type historyPoint struct {
			ObservationDate string  `json:"observation_date"`
			Value           float64 `json:"value"`
			Units           string  `json:"units"`
		}
		rows := make([]historyPoint, len(points))
		for i, p := range points {
			rows[i] = historyPoint{
				ObservationDate: p.ObservationDate.Format("2006-01-02"),
				Value:           p.ScaledValue(),
				Units:           p.Units,
			}
		}
		out, err := json.Marshal(rows)
		if err != nil {
			return "", err
		}
		return string(out), nil

	case "get_indicator_doc":
		id := argString(args, "id", "")
		if id == "" {
			return "", fmt.Errorf("id is required")
		}
		return s.docs.IndicatorDoc(id), nil

	case "get_series_doc":
		id := argString(args, "id", "")
		if id == "" {
			return "", fmt.Errorf("id is required")
		}
		doc, ok := s.docs.SeriesGlossary(id)
		if !ok {
			return "", nil
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}
