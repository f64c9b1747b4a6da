package agent

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DocsLoader parses the indicator registry document: one markdown block per
// indicator id plus a "Series glossary" section. The parse is cached until
// the file's mtime changes.
type DocsLoader struct {
	path string

	mu     sync.Mutex
	mtime  time.Time
	blocks map[string]string
	series map[string]SeriesDoc
}

// SeriesDoc is the structured glossary entry for one raw series.
type SeriesDoc struct {
	Title          string `json:"title"`
	What           string `json:"what"`
	Impact         string `json:"impact"`
	Interpretation string `json:"interpretation"`
}

// NewDocsLoader creates a loader for the given markdown file. A missing file
// is not an error; lookups simply come back empty.
func NewDocsLoader(path string) *DocsLoader {
	return &DocsLoader{path: path}
}

var docItemRe = regexp.MustCompile("^-\\s*`([^`]+)`\\s+—\\s+(.*)$")

func (d *DocsLoader) refresh() {
	info, err := os.Stat(d.path)
	if err != nil {
		d.blocks = map[string]string{}
		d.series = map[string]SeriesDoc{}
		return
	}
	if d.blocks != nil && info.ModTime().Equal(d.mtime) {
		return
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		d.blocks = map[string]string{}
		d.series = map[string]SeriesDoc{}
		return
	}
	lines := strings.Split(string(data), "\n")

	// Full block per id, anywhere in the document.
	blocks := make(map[string][]string)
	currentID := ""
	for _, line := range lines {
		if m := docItemRe.FindStringSubmatch(line); m != nil {
			currentID = strings.TrimSpace(m[1])
			if _, ok := blocks[currentID]; !ok {
				blocks[currentID] = nil
			}
			continue
		}
		if currentID != "" {
			blocks[currentID] = append(blocks[currentID], line)
		}
	}
	d.blocks = make(map[string]string, len(blocks))
	for id, body := range blocks {
		d.blocks[id] = strings.TrimSpace(strings.Join(body, "\n"))
	}

	// Structured entries inside the series glossary section only.
	d.series = parseSeriesGlossary(lines)
	d.mtime = info.ModTime()
}

var (
	whatRe   = regexp.MustCompile(`\*\*What it is\*\*:\s*(.*)`)
	impactRe = regexp.MustCompile(`\*\*Impact\*\*:\s*(.*)`)
	interpRe = regexp.MustCompile(`\*\*Interpretation[^:]*\*\*:\s*(.*)`)
)

func parseSeriesGlossary(lines []string) map[string]SeriesDoc {
	out := make(map[string]SeriesDoc)
	inSection := false
	currentID := ""
	currentTitle := ""
	var buf []string

	flush := func() {
		if currentID == "" {
			return
		}
		content := strings.Join(buf, "\n")
		doc := SeriesDoc{Title: currentTitle}
		if m := whatRe.FindStringSubmatch(content); m != nil {
			doc.What = strings.TrimSpace(m[1])
		}
		if m := impactRe.FindStringSubmatch(content); m != nil {
			doc.Impact = strings.TrimSpace(m[1])
		}
		if m := interpRe.FindStringSubmatch(content); m != nil {
			doc.Interpretation = strings.TrimSpace(m[1])
		}
		out[currentID] = doc
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## Series glossary") {
			inSection = true
			currentID, currentTitle, buf = "", "", nil
			continue
		}
		if strings.HasPrefix(trimmed, "## Indicators") {
			flush()
			inSection = false
			break
		}
		if !inSection {
			continue
		}
		if m := docItemRe.FindStringSubmatch(line); m != nil {
			flush()
			currentID = strings.TrimSpace(m[1])
			currentTitle = strings.TrimSpace(m[2])
			buf = nil
		} else if currentID != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}

// IndicatorDoc returns the markdown block for an indicator id, empty when
// unknown.
func (d *DocsLoader) IndicatorDoc(indicatorID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh()
	return d.blocks[indicatorID]
}

// SeriesGlossary returns the glossary entry for a series id. ok is false
// when the series has no entry.
func (d *DocsLoader) SeriesGlossary(seriesID string) (SeriesDoc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh()
	doc, ok := d.series[seriesID]
	return doc, ok
}
