package research

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReporter(gen *stubGen, outputPath string) *ReportGenerator {
	return NewReportGenerator(gen, ReportConfig{
		OutputPath:         outputPath,
		Tone:               "formal_accessible",
		IncludeConfidence:  true,
		IncludeReliability: true,
		MaxConcurrent:      4,
	}, nil)
}

func testAnalysis() *AnalysisResult {
	return &AnalysisResult{
		Themes: []Theme{
			{Title: "Theme One", Description: "First."},
			{Title: "Theme Two", Description: "Second."},
		},
		Conflicts: []AnalysisConflict{},
		Summaries: []Summary{{Kind: SummaryExecutive, Content: "Executive summary text."}},
	}
}

func TestBuildTitle(t *testing.T) {
	r := testReporter(&stubGen{}, "")
	tests := []struct {
		query     string
		queryType string
		want      string
	}{
		{"what is raft consensus", "general_research", "Raft consensus - Research Report"},
		{"compare postgres and mysql", "comparison", "Postgres and mysql - Comparative Analysis"},
		{"kubernetes adoption", "analysis", "Kubernetes adoption - Research Analysis"},
		{"history of unix", "timeline", "History of unix - Timeline Analysis"},
		{"remote work", "pros_cons", "Remote work - Pros and Cons Analysis"},
		{"unknown type query", "something_else", "Unknown type query - Research Report"},
		{
			"one two three four five six seven eight nine ten",
			"general_research",
			"One two three four five six seven eight - Research Report",
		},
		{"über alles", "general_research", "Über alles - Research Report"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, r.buildTitle(tt.query, tt.queryType), "query %q", tt.query)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"What is Raft consensus exactly?", "what_is_raft_consensus"},
		{"Go vs. Rust!", "go_vs_rust"},
		{"???", "query"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, slug(tt.query), "query %q", tt.query)
	}
}

func TestGenerateReportDocument(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGen{}
	r := testReporter(gen, dir)

	gathered := testGathered()
	gathered.Sources[SourceInternal] = &SourceRecord{Reliability: 0.75, Items: 2}
	gathered.Sources[SourceSearch] = &SourceRecord{Reliability: 0.80, Items: 2}
	gathered.SearchURLs = []string{"https://example.org/a", "https://example.org/b"}
	gathered.Coverage = Coverage{Average: 80}

	stageConf := map[Stage]*StageConfidence{
		StageIntent: {Score: 80, Level: "High"},
		StageGather: {Score: 70, Level: "Moderate"},
	}

	result, err := r.Generate(context.Background(), "what is raft consensus", testIntent(), gathered, testAnalysis(), stageConf)
	require.NoError(t, err)

	md := result.Report.Markdown
	assert.Contains(t, md, "# Raft consensus - Research Report")
	assert.Contains(t, md, "## Executive Summary")
	assert.Contains(t, md, "## Key Findings")
	assert.Contains(t, md, "- Finding one.")
	assert.Less(t, strings.Index(md, "## Key Findings"), strings.Index(md, "## What is being tested?"))
	assert.Contains(t, md, "## What is being tested?")
	assert.Contains(t, md, "## Theme One")
	assert.Contains(t, md, "## Contradictory Viewpoints")
	assert.Contains(t, md, noContradictions)
	assert.Contains(t, md, "## Methodology")
	assert.Contains(t, md, "## Bibliography")
	assert.Contains(t, md, "## Confidence Assessment")
	assert.Contains(t, md, "https://example.org/a")
	assert.Contains(t, md, "Gemini model knowledge base")

	assert.Equal(t, 3, result.CitationCount, "two search URLs plus the internal knowledge entry")
	assert.Zero(t, result.FallbackSections)
	assert.Equal(t, result.Report.WordCount, len(strings.Fields(md)))

	require.NotEmpty(t, result.Report.FilePath)
	// The filename slug comes from the first research question, not the
	// raw query.
	assert.True(t, strings.HasPrefix(filepath.Base(result.Report.FilePath), "research_report_what_is_being_tested_"))
	saved, err := os.ReadFile(result.Report.FilePath)
	require.NoError(t, err)
	assert.Equal(t, md, string(saved))
}

func TestGenerateSectionsPreserveOrder(t *testing.T) {
	// Later sections answer faster than earlier ones; document order
	// must still follow the request order.
	var firstStarted int32
	gen := &stubGen{generate: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Write a report section") {
			for i, q := range []string{"alpha question", "beta question", "gamma question"} {
				if strings.Contains(prompt, q) {
					if i == 0 {
						atomic.StoreInt32(&firstStarted, 1)
						time.Sleep(30 * time.Millisecond)
					}
					return fmt.Sprintf("body for %s", q), nil
				}
			}
		}
		return defaultRoute(prompt), nil
	}}
	r := testReporter(gen, "")

	intent := testIntent()
	intent.ResearchQuestions = []string{"alpha question", "beta question", "gamma question"}
	analysis := testAnalysis()
	analysis.Themes = nil

	result, err := r.Generate(context.Background(), "ordering", intent, testGathered(), analysis, nil)
	require.NoError(t, err)

	md := result.Report.Markdown
	alpha := strings.Index(md, "body for alpha question")
	beta := strings.Index(md, "body for beta question")
	gamma := strings.Index(md, "body for gamma question")
	require.True(t, alpha >= 0 && beta >= 0 && gamma >= 0)
	assert.Less(t, alpha, beta)
	assert.Less(t, beta, gamma)
}

func TestGenerateSectionFallbackCounted(t *testing.T) {
	gen := &stubGen{generate: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Write a report section") && strings.Contains(prompt, "Theme One") {
			return "", testError("boom")
		}
		return defaultRoute(prompt), nil
	}}
	r := testReporter(gen, "")

	result, err := r.Generate(context.Background(), "q", testIntent(), testGathered(), testAnalysis(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FallbackSections)
	assert.Contains(t, result.Report.Markdown, `Content for "Theme One" could not be generated`)
}

func TestKeyFindingsFallbackCounted(t *testing.T) {
	gen := &stubGen{generate: func(prompt string) (string, error) {
		if strings.Contains(prompt, "key findings") {
			return "", testError("boom")
		}
		return defaultRoute(prompt), nil
	}}
	r := testReporter(gen, "")

	result, err := r.Generate(context.Background(), "q", testIntent(), testGathered(), testAnalysis(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FallbackSections)
	assert.Contains(t, result.Report.Markdown, "Key findings could not be generated")
}

func TestContradictionsRendered(t *testing.T) {
	r := testReporter(&stubGen{}, "")
	analysis := testAnalysis()
	analysis.Conflicts = []AnalysisConflict{
		{ConflictType: "data", Description: "Sources disagree on dates.", SourcesInvolved: []string{"a", "b"}},
	}

	body := r.contradictions(analysis)
	assert.Contains(t, body, "**data**: Sources disagree on dates.")
	assert.Contains(t, body, "(sources: a, b)")
	assert.NotContains(t, body, noContradictions)
}

func TestBibliographyDeterministicAndOrdered(t *testing.T) {
	r := testReporter(&stubGen{}, "")
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	gathered := testGathered()
	gathered.Sources[SourceSearch] = &SourceRecord{Items: 1}
	gathered.SearchURLs = []string{"https://z.org/last", "https://a.org/first"}
	outcome := ScrapeOutcome{Pages: []ScrapedPage{
		{URL: "https://p.org/1", Title: "Page One", Reliability: 0.8},
		{URL: "https://p.org/2", Title: "", Reliability: 0.6},
	}}
	gathered.Sources[SourceScraping] = &SourceRecord{Items: 2, Payload: mustMarshal(t, outcome)}
	gathered.Sources[SourceInternal] = &SourceRecord{Items: 1}

	first, n1 := r.bibliography(gathered, now)
	second, n2 := r.bibliography(gathered, now)
	assert.Equal(t, first, second, "no model calls, fully deterministic")
	assert.Equal(t, n1, n2)
	assert.Equal(t, 5, n1)

	// Search URLs keep first-seen order, not sorted order.
	assert.Less(t, strings.Index(first, "z.org/last"), strings.Index(first, "a.org/first"))
	assert.Contains(t, first, "Page One. https://p.org/1 (accessed 2026-08-31")
	assert.Contains(t, first, "Untitled page. https://p.org/2")
	assert.Contains(t, first, "Gemini model knowledge base (accessed 2026-08-31)")
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b := []byte(mustJSON(v))
	return b
}
