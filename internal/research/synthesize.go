package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"odyssey/internal/gemini"
	"odyssey/internal/parse"
)

// Theme is a major topic identified across the gathered data.
type Theme struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	SupportingEvidence []string `json:"supporting_evidence,omitempty"`
}

// AnalysisConflict is a contradiction surfaced during synthesis.
type AnalysisConflict struct {
	ConflictType    string   `json:"conflict_type"`
	Description     string   `json:"description"`
	SourcesInvolved []string `json:"sources_involved,omitempty"`
	Severity        string   `json:"severity,omitempty"`
}

// Summary kinds.
const (
	SummaryExecutive  = "executive"
	SummaryComparison = "comparison"
	SummaryTimeline   = "timeline"
	SummaryProsCons   = "pros_cons"
)

// Summary is one synthesized summary. Fallback marks content that was
// substituted after generation failed.
type Summary struct {
	Kind     string `json:"kind"`
	Content  string `json:"content"`
	Fallback bool   `json:"fallback,omitempty"`
}

// DataQualityAssessment summarizes how trustworthy the gathered data
// was, built structurally from the gather result without a model call.
type DataQualityAssessment struct {
	SourcesSucceeded  int                `json:"sources_succeeded"`
	TotalItems        int                `json:"total_items"`
	ReliabilityScores map[string]float64 `json:"reliability_scores"`
	CoverageAverage   float64            `json:"coverage_average"`
}

// AnalysisResult is the analysis stage payload.
type AnalysisResult struct {
	Themes            []Theme               `json:"themes"`
	ThemesFallback    bool                  `json:"themes_fallback,omitempty"`
	Conflicts         []AnalysisConflict    `json:"conflicts"`
	ConflictsFallback bool                  `json:"conflicts_fallback,omitempty"`
	Summaries         []Summary             `json:"summaries"`
	DataQuality       DataQualityAssessment `json:"data_quality_assessment"`
}

const synthesisRetries = 3

// Synthesizer runs the analysis stage: themes, conflicts and the
// summary set requested by the intent.
type Synthesizer struct {
	gen    gemini.TextGenerator
	logger *zap.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(gen gemini.TextGenerator, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, logger: logger}
}

// Analyze synthesizes the gathered data. Generation failures degrade to
// fallbacks; only context cancellation is an error.
func (s *Synthesizer) Analyze(ctx context.Context, intent *Intent, gathered *GatherResult) (*AnalysisResult, error) {
	result := &AnalysisResult{}

	result.Themes, result.ThemesFallback = s.extractThemes(ctx, gathered.Consolidated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Conflicts, result.ConflictsFallback = s.identifyConflicts(ctx, gathered)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Summaries = s.buildSummaries(ctx, intent, gathered.Consolidated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.DataQuality = assessDataQuality(gathered)
	return result, nil
}

func assessDataQuality(gathered *GatherResult) DataQualityAssessment {
	dq := DataQualityAssessment{
		ReliabilityScores: make(map[string]float64),
		CoverageAverage:   gathered.Coverage.Average,
	}
	for _, src := range SourceOrder {
		rec, ok := gathered.Sources[src]
		if !ok || rec.Error != "" {
			continue
		}
		dq.SourcesSucceeded++
		dq.TotalItems += rec.Items
		dq.ReliabilityScores[src] = rec.Reliability
	}
	return dq
}

func (s *Synthesizer) extractThemes(ctx context.Context, consolidated string) ([]Theme, bool) {
	prompt := fmt.Sprintf(`Identify the major themes in this research data. Respond with a JSON array only:
[{"title": "...", "description": "...", "supporting_evidence": ["..."]}]

Data:
%s`, truncate(consolidated, 4000))

	raw, ok := parse.Retry(ctx, synthesisRetries,
		func(ctx context.Context) (string, error) { return s.gen.Generate(ctx, prompt) },
		func(out string) bool { return len(decodeThemes(out)) > 0 })
	if ok {
		return decodeThemes(raw), false
	}

	s.logger.Warn("theme extraction exhausted retries, using fallback themes")
	return []Theme{
		{Title: "General Information", Description: "Key facts and background drawn from the gathered sources."},
		{Title: "Key Recommendations", Description: "Practical takeaways supported by the research data."},
	}, true
}

// decodeThemes parses a theme array, discarding malformed elements.
func decodeThemes(raw string) []Theme {
	var themes []Theme
	if !parse.Decode(raw, parse.ShapeArray, &themes) {
		return nil
	}
	kept := themes[:0]
	for _, t := range themes {
		if strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.Description) == "" {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func (s *Synthesizer) identifyConflicts(ctx context.Context, gathered *GatherResult) ([]AnalysisConflict, bool) {
	prompt := fmt.Sprintf(`List contradictions or disputed claims in this research data as a JSON array only:
[{"conflict_type": "...", "description": "...", "sources_involved": ["..."], "severity": "low"|"medium"|"high"}]
Respond with [] if there are none.

Data:
%s`, truncate(gathered.Consolidated, 4000))

	var decoded []AnalysisConflict
	_, ok := parse.Retry(ctx, synthesisRetries,
		func(ctx context.Context) (string, error) { return s.gen.Generate(ctx, prompt) },
		func(out string) bool {
			var conflicts []AnalysisConflict
			if !parse.Decode(out, parse.ShapeArray, &conflicts) {
				return false
			}
			// An empty array is a legitimate answer.
			kept := conflicts[:0]
			for _, c := range conflicts {
				if strings.TrimSpace(c.Description) != "" {
					kept = append(kept, c)
				}
			}
			decoded = kept
			return true
		})
	if ok {
		if decoded == nil {
			decoded = []AnalysisConflict{}
		}
		return decoded, false
	}

	s.logger.Warn("conflict identification exhausted retries")
	return []AnalysisConflict{}, true
}

func (s *Synthesizer) buildSummaries(ctx context.Context, intent *Intent, consolidated string) []Summary {
	type spec struct {
		kind     string
		wanted   bool
		prompt   string
		fallback string
	}
	data := truncate(consolidated, 4000)
	specs := []spec{
		{
			kind:     SummaryExecutive,
			wanted:   true,
			prompt:   fmt.Sprintf("Write a concise executive summary of this research data. Plain prose, no preamble.\n\n%s", data),
			fallback: "An executive summary could not be generated. Refer to the detailed findings below.",
		},
		{
			kind:     SummaryComparison,
			wanted:   intent.ComparisonRequested,
			prompt:   fmt.Sprintf("Write a comparison of the alternatives discussed in this research data, covering their key differences, strengths and weaknesses.\n\n%s", data),
			fallback: "A structured comparison could not be generated. The gathered data did not support a direct comparison of the alternatives.",
		},
		{
			kind:     SummaryTimeline,
			wanted:   intent.TimelineRequested,
			prompt:   fmt.Sprintf("Write a chronological timeline of the developments described in this research data.\n\n%s", data),
			fallback: "A timeline could not be generated. The gathered data did not contain enough dated events.",
		},
		{
			kind:     SummaryProsCons,
			wanted:   intent.ProsConsRequested,
			prompt:   fmt.Sprintf("List the pros and cons supported by this research data.\n\n%s", data),
			fallback: "A pros and cons breakdown could not be generated from the gathered data.",
		},
	}

	var summaries []Summary
	for _, sp := range specs {
		if !sp.wanted {
			continue
		}
		out, err := s.gen.Generate(ctx, sp.prompt)
		if err != nil || strings.TrimSpace(out) == "" {
			s.logger.Warn("summary generation failed", zap.String("kind", sp.kind), zap.Error(err))
			summaries = append(summaries, Summary{Kind: sp.kind, Content: sp.fallback, Fallback: true})
			continue
		}
		summaries = append(summaries, Summary{Kind: sp.kind, Content: out})
	}
	return summaries
}
