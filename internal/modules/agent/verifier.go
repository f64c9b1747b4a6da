package agent

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// VerifierResult reports whether a generated brief follows the contract.
type VerifierResult struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues"`
}

const (
	maxBriefWords   = 320
	maxParityIssues = 5
	numericEpsilon  = 1e-6
)

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// numericTokens extracts the numbers of a text block. Thousands separators
// are stripped and en-dash ranges split so "0–2" yields 0 and 2.
func numericTokens(text string) []string {
	if text == "" {
		return nil
	}
	cleaned := strings.ReplaceAll(text, ",", "")
	cleaned = strings.ReplaceAll(cleaned, "–", "-")
	return numberRe.FindAllString(cleaned, -1)
}

// verifyBrief checks a brief's structure (Regime/Evidence/Interpretation),
// length, bullet count and numeric parity: every number in the text must
// match a number the snapshot context provided, within a small epsilon.
func verifyBrief(markdown string, infos []indicatorInfo, regime map[string]any) VerifierResult {
	result := VerifierResult{OK: true, Issues: []string{}}
	lower := strings.ToLower(markdown)

	if !strings.Contains(lower, "regime:") {
		result.OK = false
		result.Issues = append(result.Issues, "missing Regime line")
	}
	if !strings.Contains(lower, "evidence:") {
		result.OK = false
		result.Issues = append(result.Issues, "missing Evidence section")
	}
	if !strings.Contains(lower, "interpretation") {
		result.OK = false
		result.Issues = append(result.Issues, "missing Interpretation section")
	}

	words := len(strings.Fields(markdown))
	if words > maxBriefWords {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("too long: %d words > %d", words, maxBriefWords))
	}

	if len(infos) > 0 {
		if _, evidencePart, found := strings.Cut(markdown, "Evidence:"); found {
			bullets := 0
			for _, line := range strings.Split(evidencePart, "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), "-") {
					bullets++
				}
			}
			expected := len(infos)
			if expected > 12 {
				expected = 12
			}
			if expected < 3 {
				expected = 3
			}
			if bullets < expected {
				result.OK = false
				result.Issues = append(result.Issues, fmt.Sprintf("too few evidence bullets: %d < %d", bullets, expected))
			}
		}
	}

	// Collect the allowed numbers: regime score fields, formatted values,
	// z-scores and flip trigger numbers.
	var allowed []float64
	addToken := func(tok string) {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			allowed = append(allowed, f)
		}
	}
	for _, key := range []string{"score", "max_score"} {
		if v, ok := regime[key]; ok && v != nil {
			for _, tok := range numericTokens(fmt.Sprintf("%v", v)) {
				addToken(tok)
			}
		}
	}
	for _, info := range infos {
		for _, tok := range numericTokens(info.LatestValue) {
			addToken(tok)
		}
		if info.Z20 != nil {
			for _, tok := range numericTokens(strconv.FormatFloat(*info.Z20, 'f', -1, 64)) {
				addToken(tok)
			}
		}
		for _, tok := range numericTokens(info.FlipTrigger) {
			addToken(tok)
		}
	}

	parityIssues := 0
	for _, tok := range numericTokens(markdown) {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		match := false
		for _, af := range allowed {
			if math.Abs(f-af) <= numericEpsilon {
				match = true
				break
			}
		}
		if !match {
			result.OK = false
			result.Issues = append(result.Issues, "number not in snapshot context: "+tok)
			parityIssues++
			if parityIssues > maxParityIssues {
				break
			}
		}
	}

	return result
}
