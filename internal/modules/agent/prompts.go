package agent

import (
	"fmt"
	"strings"
)

// indicatorInfo is the flattened, registry-backed view of one evidence row
// handed to the model and to the verifier. All values are preformatted so
// the model has nothing to compute.
type indicatorInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	LatestValue string   `json:"latest_value"`
	Z20         *float64 `json:"z20"`
	Status      string   `json:"status"`
	StatusLabel string   `json:"status_label"`
	ObsDate     string   `json:"obs_date"`
	Window      string   `json:"window"`
	FlipTrigger string   `json:"flip_trigger"`
}

// buildBriefPrompt renders the brief-generation prompt. The format rules are
// strict so the verifier can check the output mechanically.
func buildBriefPrompt(regime map[string]any, indicatorIDs []string, infos []indicatorInfo) string {
	var ctxLines []string
	for _, info := range infos {
		z := "<nil>"
		if info.Z20 != nil {
			z = fmt.Sprintf("%v", *info.Z20)
		}
		ctxLines = append(ctxLines, fmt.Sprintf(
			"- id=%s; name=%s; latest_value=%s; z20=%s; status=%s; status_label=%s; obs_date=%s; window=%s; flip_trigger=%s",
			info.ID, info.Name, info.LatestValue, z, info.Status, info.StatusLabel, info.ObsDate, info.Window, info.FlipTrigger,
		))
	}

	var b strings.Builder
	b.WriteString("Write a concise daily liquidity brief.\n")
	b.WriteString("Constraints: concise; no financial advice; under 300 words.\n")
	b.WriteString("CRITICAL FORMAT RULES:\n")
	b.WriteString("- Output exactly three parts in this order: (1) one Regime line, (2) an 'Evidence:' header followed by bullets (one per indicator), (3) a final 'Interpretation:' paragraph (2-3 sentences).\n")
	b.WriteString("- Regime line format: 'Regime: {label} -> tilting {tilt} (score {score} / max {max_score})'.\n")
	b.WriteString("- Evidence bullets: For EACH id in IndicatorIDs, render ONE bullet using ONLY the provided fields, in this format:\n")
	b.WriteString("  - <name-or-id>: <latest_value>[/<window if present>] (z <z20 if present>) -> <status_label> | Flip: <flip_trigger>\n")
	b.WriteString("  Use the id if name is missing. If z20 is null, omit the (z ...) segment. If window is present, append '/<window>' to the value. Do not invent units or ranges.\n")
	fmt.Fprintf(&b, "- You MUST output exactly %d bullets under Evidence, one per id, in the SAME ORDER as IndicatorIDs. Do NOT drop or add any.\n", len(indicatorIDs))
	b.WriteString("  If any field is missing, still include the bullet and omit only the missing subparts.\n")
	b.WriteString("- Do NOT invent ids, values, or ranges. Use only provided fields.\n")
	fmt.Fprintf(&b, "RegimeValues: Label=%v; Tilt=%v; Score=%v; MaxScore=%v.\n",
		regime["label"], regime["tilt"], regime["score"], regime["max_score"])
	fmt.Fprintf(&b, "IndicatorIDs: [%s].\n", strings.Join(indicatorIDs, ", "))
	if len(ctxLines) > 0 {
		b.WriteString("IndicatorsContext:\n")
		b.WriteString(strings.Join(ctxLines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("Return only these three parts in markdown.\n")
	return b.String()
}

// toolCatalog describes the agent tool belt and the TOOL/FINAL protocol.
func toolCatalog() string {
	return `Tools available:
- get_snapshot(horizon, k?): Returns current snapshot JSON.
- get_router(horizon, k?): Returns router picks JSON.
- get_indicator_history(indicator_id, horizon, days?): Returns recent indicator data.
- get_series_history(series_id, limit?): Returns recent series data.
- Documentation tools (use when user asks what a thing means, such as 'what is reserves_w'):
  - get_indicator_doc(id): Returns an indicator's documentation, good for when a user asks about an indicator.
    - Example: TOOL get_indicator_doc {"id":"net_liq"}
  - get_series_doc(id): Returns a series' documentation, good for when a user asks about a series.
    - Example: TOOL get_series_doc {"id":"TGA"}
Rules: Do NOT call the same tool with identical args twice.
Rules: If a documentation tool call returns empty content, respond FINAL and answer with ONLY the requested ID to indicate you don't know.
Rules: Tool arguments MUST be a single valid JSON object. Use double quotes around keys.
Example: TOOL get_indicator_history {"indicator_id":"reserves_w","horizon":"1w","days":90}
Decide which tool to call (or none).
Respond with either 'TOOL <name> <args_json>' or 'FINAL <answer_text>'.`
}

// buildAgentSystemPrompt assembles the system prompt: role, the KnownIDs
// block and the tool catalog.
func buildAgentSystemPrompt(knownIDsContext string) string {
	var b strings.Builder
	b.WriteString("You are a precise liquidity assistant. Use tools only when needed.\n")
	if knownIDsContext != "" {
		b.WriteString(knownIDsContext)
		b.WriteString("\n")
	}
	b.WriteString(toolCatalog())
	return b.String()
}

// buildAgentStepPrompt is the per-step decision prompt.
func buildAgentStepPrompt() string {
	return `Decide next action. If you need data, respond as:
TOOL <name> <json_args>
Else, respond as:
FINAL <answer>
Constraints: keep under 300 words; no invented numbers; cite IDs exactly.
If the question is definitional (e.g., 'what is X', 'define X', 'meaning of X'), FIRST fetch documentation:
- If X matches a series_id (case-insensitive) in KnownIDs and not an indicator_id, call get_series_doc {"id":"X"}.
- Else if X matches an indicator_id (case-insensitive), call get_indicator_doc {"id":"X"}.
- If ambiguous (both), ask for clarification once instead of guessing.
If the documentation response is empty or missing content, respond with: "I don't know based on registry docs. Please provide the canonical ID (indicator or series). Example: reserves_w (indicator), RESPPLLOPNWW (series)."
Normalize tokens when matching KnownIDs: lowercase; strip punctuation; convert spaces/hyphens to underscores; accept minor obvious variants (e.g., 'netliq' -> 'net_liq').
HARD RULES:
- If you suspect a typo (e.g., 'WSHOMC'), map to the closest KnownIDs match (e.g., 'WSHOMCB') ONCE, fetch docs, then FINAL.
When discussing an indicator, align direction with the BriefContext.`
}
