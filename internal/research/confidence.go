package research

// Confidence scoring. Every stage gets a weighted factor score in
// 0-100; the overall score is a weighted average over completed stages,
// renormalized so missing stages never drag the result down.

var stageWeights = map[Stage]float64{
	StageIntent:   0.15,
	StageGather:   0.35,
	StageAnalysis: 0.30,
	StageReport:   0.20,
}

// Level buckets a 0-100 score into a human label. All confidence
// reporting goes through this one function so boundaries cannot drift.
func Level(score float64) string {
	switch {
	case score >= 90:
		return "Very High"
	case score >= 75:
		return "High"
	case score >= 60:
		return "Moderate"
	case score >= 40:
		return "Low"
	default:
		return "Very Low"
	}
}

// Scorer computes stage and overall confidence.
type Scorer struct {
	threshold float64
}

// NewScorer creates a scorer with the configured confidence threshold.
func NewScorer(threshold float64) *Scorer {
	return &Scorer{threshold: threshold}
}

// Overall aggregates the confidences of completed stages. Only stages
// that completed and carry a confidence participate; their weights are
// renormalized to sum to one.
func (sc *Scorer) Overall(s *Session) *ConfidenceSummary {
	var weightSum, total float64
	scores := make(map[Stage]float64)

	for _, stage := range StageOrder {
		rec, ok := s.Stages[stage]
		if !ok || rec.Status != StageCompleted || rec.Confidence == nil {
			continue
		}
		w := stageWeights[stage]
		weightSum += w
		total += rec.Confidence.Score * w
		scores[stage] = rec.Confidence.Score
	}

	overall := 0.0
	if weightSum > 0 {
		overall = total / weightSum
	}

	return &ConfidenceSummary{
		Overall:        overall,
		Level:          Level(overall),
		MeetsThreshold: overall >= sc.threshold,
		StageScores:    scores,
	}
}

// weighted combines factor scores with per-factor weights. Weights are
// normalized over the factors present.
func weighted(factors, weights map[string]float64) float64 {
	var sum, wsum float64
	for name, score := range factors {
		w, ok := weights[name]
		if !ok {
			continue
		}
		sum += score * w
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ScoreIntent rates the intent analysis stage.
func (sc *Scorer) ScoreIntent(intent *Intent) *StageConfidence {
	factors := map[string]float64{
		"query_clarity": clamp(intent.Confidence),
	}

	switch n := len(intent.ResearchQuestions); {
	case n >= 3:
		factors["question_quality"] = 85
	case n >= 1:
		factors["question_quality"] = 70
	default:
		factors["question_quality"] = 40
	}

	specificity := 60.0
	if intent.Scope != "" && intent.Scope != "broad" {
		specificity += 15
	}
	if intent.Domain != "" && intent.Domain != "general" {
		specificity += 10
	}
	factors["specificity"] = clamp(specificity)

	switch n := len(intent.MissingInformation); {
	case n == 0:
		factors["completeness"] = 90
	case n <= 2:
		factors["completeness"] = 65
	default:
		factors["completeness"] = 45
	}

	score := weighted(factors, map[string]float64{
		"query_clarity":    0.35,
		"question_quality": 0.25,
		"specificity":      0.20,
		"completeness":     0.20,
	})
	return &StageConfidence{Score: score, Level: Level(score), Factors: factors}
}

// ScoreGather rates the data gathering stage.
func (sc *Scorer) ScoreGather(g *GatherResult) *StageConfidence {
	succeeded := 0
	var reliabilitySum float64
	for _, src := range SourceOrder {
		rec, ok := g.Sources[src]
		if !ok || rec.Error != "" {
			continue
		}
		succeeded++
		reliabilitySum += rec.Reliability
	}

	factors := map[string]float64{
		"source_diversity": clamp(float64(succeeded) / float64(len(SourceOrder)) * 100),
	}
	if succeeded > 0 {
		factors["source_reliability"] = clamp(reliabilitySum / float64(succeeded) * 100)
	} else {
		factors["source_reliability"] = 0
	}

	volume := 0
	for _, rec := range g.Sources {
		volume += rec.Items
	}
	switch {
	case volume >= 10:
		factors["data_volume"] = 90
	case volume >= 5:
		factors["data_volume"] = 75
	case volume >= 1:
		factors["data_volume"] = 55
	default:
		factors["data_volume"] = 20
	}

	factors["coverage"] = clamp(g.Coverage.Average)

	score := weighted(factors, map[string]float64{
		"source_diversity":   0.25,
		"source_reliability": 0.25,
		"data_volume":        0.20,
		"coverage":           0.30,
	})
	return &StageConfidence{Score: score, Level: Level(score), Factors: factors}
}

// ScoreAnalysis rates the synthesis stage.
func (sc *Scorer) ScoreAnalysis(a *AnalysisResult) *StageConfidence {
	factors := map[string]float64{}

	switch {
	case a.ThemesFallback:
		factors["theme_quality"] = 40
	case len(a.Themes) >= 3:
		factors["theme_quality"] = 85
	default:
		factors["theme_quality"] = 70
	}

	if a.ConflictsFallback {
		factors["conflict_assessment"] = 50
	} else {
		factors["conflict_assessment"] = 80
	}

	produced, fallbacks := 0, 0
	for _, s := range a.Summaries {
		produced++
		if s.Fallback {
			fallbacks++
		}
	}
	switch {
	case produced == 0:
		factors["summary_completeness"] = 30
	case fallbacks == 0:
		factors["summary_completeness"] = 85
	default:
		factors["summary_completeness"] = clamp(85 - float64(fallbacks)/float64(produced)*40)
	}

	score := weighted(factors, map[string]float64{
		"theme_quality":        0.40,
		"conflict_assessment":  0.25,
		"summary_completeness": 0.35,
	})
	return &StageConfidence{Score: score, Level: Level(score), Factors: factors}
}

// ScoreReport rates the report generation stage.
func (sc *Scorer) ScoreReport(r *ReportResult) *StageConfidence {
	factors := map[string]float64{}

	switch {
	case r.SectionCount >= 6:
		factors["section_completeness"] = 90
	case r.SectionCount >= 4:
		factors["section_completeness"] = 75
	default:
		factors["section_completeness"] = 50
	}

	switch {
	case r.CitationCount >= 5:
		factors["citation_coverage"] = 85
	case r.CitationCount >= 1:
		factors["citation_coverage"] = 65
	default:
		factors["citation_coverage"] = 40
	}

	if r.FallbackSections == 0 {
		factors["generation_quality"] = 90
	} else {
		factors["generation_quality"] = clamp(90 - float64(r.FallbackSections)*15)
	}

	score := weighted(factors, map[string]float64{
		"section_completeness": 0.35,
		"citation_coverage":    0.30,
		"generation_quality":   0.35,
	})
	return &StageConfidence{Score: score, Level: Level(score), Factors: factors}
}
