package research

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"odyssey/internal/gemini"
)

// ReportResult is the report_generation stage payload.
type ReportResult struct {
	Report           Report `json:"report"`
	SectionCount     int    `json:"section_count"`
	CitationCount    int    `json:"citation_count"`
	FallbackSections int    `json:"fallback_sections"`
}

// ReportConfig controls report rendering and persistence.
type ReportConfig struct {
	OutputPath         string
	Tone               string
	IncludeConfidence  bool
	IncludeReliability bool
	MaxConcurrent      int
}

// ReportGenerator renders the final markdown report.
type ReportGenerator struct {
	gen    gemini.TextGenerator
	cfg    ReportConfig
	logger *zap.Logger
}

// NewReportGenerator creates a report generator.
func NewReportGenerator(gen gemini.TextGenerator, cfg ReportConfig, logger *zap.Logger) *ReportGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Tone == "" {
		cfg.Tone = "formal_accessible"
	}
	return &ReportGenerator{gen: gen, cfg: cfg, logger: logger}
}

var typeSuffixes = map[string]string{
	"comparison":       "Comparative Analysis",
	"analysis":         "Research Analysis",
	"timeline":         "Timeline Analysis",
	"pros_cons":        "Pros and Cons Analysis",
	"general_research": "Research Report",
}

// Generate renders the report. Section generation may run concurrently
// but the document assembles in a fixed order, and the bibliography is
// produced without the model so it stays deterministic.
func (r *ReportGenerator) Generate(ctx context.Context, query string, intent *Intent, gathered *GatherResult, analysis *AnalysisResult, stageConf map[Stage]*StageConfidence) (*ReportResult, error) {
	result := &ReportResult{}
	now := time.Now().UTC()

	title := r.buildTitle(query, intent.QueryType)
	data := truncate(gathered.Consolidated, 4000)

	keyFindings := r.generateKeyFindings(ctx, data, analysis, result)
	questionSections := r.generateSections(ctx, sectionInputs(intent.ResearchQuestions, "question"), data, result)
	themeTitles := make([]string, len(analysis.Themes))
	for i, t := range analysis.Themes {
		themeTitles[i] = t.Title
	}
	themeSections := r.generateSections(ctx, sectionInputs(themeTitles, "theme"), data, result)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "# %s\n\n", title)
	fmt.Fprintf(&doc, "*Generated on %s*\n\n", now.Format("January 2, 2006"))

	writeSection := func(heading, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&doc, "## %s\n\n%s\n\n", heading, strings.TrimSpace(body))
		result.SectionCount++
	}

	writeSection("Executive Summary", summaryContent(analysis, SummaryExecutive))
	writeSection("Key Findings", keyFindings)
	for i, q := range intent.ResearchQuestions {
		writeSection(q, questionSections[i])
	}
	for i, t := range analysis.Themes {
		writeSection(t.Title, themeSections[i])
	}
	if body := summaryContent(analysis, SummaryComparison); body != "" {
		writeSection("Comparison", body)
	}
	if body := summaryContent(analysis, SummaryTimeline); body != "" {
		writeSection("Timeline", body)
	}
	if body := summaryContent(analysis, SummaryProsCons); body != "" {
		writeSection("Pros and Cons", body)
	}
	writeSection("Contradictory Viewpoints", r.contradictions(analysis))
	writeSection("Methodology", r.methodology(gathered))

	bibliography, citations := r.bibliography(gathered, now)
	writeSection("Bibliography", bibliography)
	result.CitationCount = citations

	if r.cfg.IncludeConfidence && len(stageConf) > 0 {
		writeSection("Confidence Assessment", r.confidenceAppendix(stageConf))
	}

	markdown := doc.String()
	report := Report{
		Title:       title,
		Markdown:    markdown,
		GeneratedAt: now,
		WordCount:   len(strings.Fields(markdown)),
	}

	// The report file is named after the first research question, not
	// the raw query.
	slugSource := query
	if len(intent.ResearchQuestions) > 0 {
		slugSource = intent.ResearchQuestions[0]
	}
	if path, err := r.save(slugSource, now, markdown); err != nil {
		r.logger.Warn("failed to write report file", zap.Error(err))
	} else {
		report.FilePath = path
	}

	result.Report = report
	return result, nil
}

type sectionInput struct {
	heading string
	kind    string
}

func sectionInputs(headings []string, kind string) []sectionInput {
	inputs := make([]sectionInput, len(headings))
	for i, h := range headings {
		inputs[i] = sectionInput{heading: h, kind: kind}
	}
	return inputs
}

// generateSections produces one body per input. Generation is bounded
// by MaxConcurrent; indexed writes keep document order independent of
// completion order.
func (r *ReportGenerator) generateSections(ctx context.Context, inputs []sectionInput, data string, result *ReportResult) []string {
	bodies := make([]string, len(inputs))
	var fallbackCount int32

	sem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	for i := range inputs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			body, fallback := r.generateSection(ctx, inputs[i], data)
			bodies[i] = body
			if fallback {
				atomic.AddInt32(&fallbackCount, 1)
			}
		}(i)
	}
	wg.Wait()

	result.FallbackSections += int(atomic.LoadInt32(&fallbackCount))
	return bodies
}

// generateKeyFindings produces the bullet-point findings list from the
// identified themes and the consolidated data.
func (r *ReportGenerator) generateKeyFindings(ctx context.Context, data string, analysis *AnalysisResult, result *ReportResult) string {
	themes := make([]string, len(analysis.Themes))
	for i, t := range analysis.Themes {
		themes[i] = fmt.Sprintf("%s: %s", t.Title, t.Description)
	}

	out, err := r.gen.Generate(ctx, fmt.Sprintf(
		"List the 5-8 most important key findings from this research as markdown bullet points, grouping related findings and including specific data points where available.\n\nThemes:\n- %s\n\nData:\n%s",
		strings.Join(themes, "\n- "), data))
	if err != nil || strings.TrimSpace(out) == "" {
		result.FallbackSections++
		return "Key findings could not be generated from the available data."
	}
	return out
}

func (r *ReportGenerator) generateSection(ctx context.Context, in sectionInput, data string) (string, bool) {
	var prompt string
	switch in.kind {
	case "question":
		prompt = fmt.Sprintf("Write a report section (2-4 paragraphs, %s tone) answering this research question from the data below. Markdown body only, no heading.\n\nQuestion: %s\n\nData:\n%s",
			r.cfg.Tone, in.heading, data)
	default:
		prompt = fmt.Sprintf("Write a report section (2-4 paragraphs, %s tone) covering the theme %q based on the data below. Markdown body only, no heading.\n\nData:\n%s",
			r.cfg.Tone, in.heading, data)
	}

	out, err := r.gen.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		return fmt.Sprintf("Content for %q could not be generated from the available data.", in.heading), true
	}
	return out, false
}

func (r *ReportGenerator) buildTitle(query, queryType string) string {
	cleaned := cleanQuery(query)
	words := strings.Fields(cleaned)
	if len(words) > 8 {
		words = words[:8]
	}
	base := strings.Join(words, " ")
	if base == "" {
		base = "Research"
	}
	first, size := utf8.DecodeRuneInString(base)
	base = string(unicode.ToUpper(first)) + base[size:]

	suffix, ok := typeSuffixes[queryType]
	if !ok {
		suffix = typeSuffixes["general_research"]
	}
	return fmt.Sprintf("%s - %s", base, suffix)
}

var queryPrefixes = []string{
	"what is", "what are", "how does", "how do", "how to",
	"tell me about", "explain", "describe", "research",
	"compare", "why is", "why are", "when did",
}

func cleanQuery(query string) string {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)
	for _, prefix := range queryPrefixes {
		if strings.HasPrefix(lower, prefix+" ") {
			q = strings.TrimSpace(q[len(prefix):])
			break
		}
	}
	return strings.Trim(q, " ?.!")
}

func summaryContent(analysis *AnalysisResult, kind string) string {
	for _, s := range analysis.Summaries {
		if s.Kind == kind {
			return s.Content
		}
	}
	return ""
}

const noContradictions = "No significant contradictory viewpoints were identified in the research data."

func (r *ReportGenerator) contradictions(analysis *AnalysisResult) string {
	if len(analysis.Conflicts) == 0 {
		return noContradictions
	}
	var sb strings.Builder
	for _, c := range analysis.Conflicts {
		fmt.Fprintf(&sb, "- **%s**: %s", orDefault(c.ConflictType, "Disagreement"), c.Description)
		if len(c.SourcesInvolved) > 0 {
			fmt.Fprintf(&sb, " (sources: %s)", strings.Join(c.SourcesInvolved, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *ReportGenerator) methodology(gathered *GatherResult) string {
	var sb strings.Builder
	sb.WriteString("This report was compiled from the following sources, consulted in priority order:\n\n")
	for _, src := range SourceOrder {
		rec, ok := gathered.Sources[src]
		label := strings.ReplaceAll(src, "_", " ")
		switch {
		case !ok:
			continue
		case rec.Error != "":
			fmt.Fprintf(&sb, "- %s: unavailable (%s)\n", label, rec.Error)
		case r.cfg.IncludeReliability:
			fmt.Fprintf(&sb, "- %s: %d items (reliability %.2f)\n", label, rec.Items, rec.Reliability)
		default:
			fmt.Fprintf(&sb, "- %s: %d items\n", label, rec.Items)
		}
	}
	fmt.Fprintf(&sb, "\nCoverage of the research questions averaged %.0f%%.\n", gathered.Coverage.Average)
	return sb.String()
}

// bibliography renders citations without the model: search URLs in
// first-seen order, scraped pages with access date, and a fixed entry
// for model knowledge.
func (r *ReportGenerator) bibliography(gathered *GatherResult, now time.Time) (string, int) {
	var sb strings.Builder
	count := 0
	date := now.Format("2006-01-02")

	if rec, ok := gathered.Sources[SourceSearch]; ok && rec.Error == "" {
		for _, u := range gathered.SearchURLs {
			fmt.Fprintf(&sb, "- %s (via web search, accessed %s)\n", u, date)
			count++
		}
	}

	if rec, ok := gathered.Sources[SourceScraping]; ok && rec.Error == "" {
		var outcome ScrapeOutcome
		if json.Unmarshal(rec.Payload, &outcome) == nil {
			for _, p := range outcome.Pages {
				title := orDefault(p.Title, "Untitled page")
				if r.cfg.IncludeReliability {
					fmt.Fprintf(&sb, "- %s. %s (accessed %s, reliability %.2f)\n", title, p.URL, date, p.Reliability)
				} else {
					fmt.Fprintf(&sb, "- %s. %s (accessed %s)\n", title, p.URL, date)
				}
				count++
			}
		}
	}

	if rec, ok := gathered.Sources[SourceInternal]; ok && rec.Error == "" {
		fmt.Fprintf(&sb, "- Gemini model knowledge base (accessed %s)\n", date)
		count++
	}

	return sb.String(), count
}

func (r *ReportGenerator) confidenceAppendix(stageConf map[Stage]*StageConfidence) string {
	var sb strings.Builder
	sb.WriteString("Per-stage confidence in this report's inputs:\n\n")
	for _, stage := range StageOrder {
		conf, ok := stageConf[stage]
		if !ok || conf == nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %.0f (%s)\n", strings.ReplaceAll(string(stage), "_", " "), conf.Score, conf.Level)
	}
	return sb.String()
}

// save writes the report under the configured output directory as
// research_report_{slug}_{timestamp}.md.
func (r *ReportGenerator) save(slugSource string, now time.Time, markdown string) (string, error) {
	if r.cfg.OutputPath == "" {
		return "", nil
	}
	if err := os.MkdirAll(r.cfg.OutputPath, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("research_report_%s_%s.md", slug(slugSource), now.Format("20060102_150405"))
	path := filepath.Join(r.cfg.OutputPath, name)
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// slug builds a filename fragment from the first four words.
func slug(s string) string {
	words := strings.Fields(strings.ToLower(s))
	if len(words) > 4 {
		words = words[:4]
	}
	var parts []string
	for _, w := range words {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	if len(parts) == 0 {
		return "query"
	}
	return strings.Join(parts, "_")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
