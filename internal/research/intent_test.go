package research

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intentRoute(overrides map[string]string) func(string) (string, error) {
	return func(prompt string) (string, error) {
		for marker, response := range overrides {
			if strings.Contains(prompt, marker) {
				return response, nil
			}
		}
		return defaultRoute(prompt), nil
	}
}

func TestAnalyzeConfidentQueryProceeds(t *testing.T) {
	gen := &stubGen{}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	intent, questions, err := a.Analyze(context.Background(), "compare postgres and mysql for OLTP", nil)
	require.NoError(t, err)
	assert.False(t, intent.NeedsClarification)
	assert.Empty(t, questions)
	assert.Equal(t, "general_research", intent.QueryType)
	assert.NotEmpty(t, intent.ResearchQuestions)
	assert.Equal(t, []string{"test harness"}, intent.KeyEntities)
	assert.Equal(t, []string{"comprehensive_report"}, intent.OutputPreferences)
}

func TestAnalyzeLowConfidenceAsksQuestions(t *testing.T) {
	gen := &stubGen{generate: intentRoute(map[string]string{
		"Analyze this research query": mustJSON(map[string]any{
			"query_type": "general_research", "domain": "databases", "scope": "broad",
			"confidence": 40, "research_questions": []string{"q1"},
			"missing_information": []string{"workload"},
		}),
	})}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	intent, questions, err := a.Analyze(context.Background(), "databases", nil)
	require.NoError(t, err)
	assert.True(t, intent.NeedsClarification)
	require.NotEmpty(t, questions)
	assert.Equal(t, "Which timeframe matters?", questions[0].Question)
	assert.Equal(t, []string{"last decade", "since 2020"}, questions[0].Examples)
}

func TestAnalyzeCriticalMissingInfoTriggersClarification(t *testing.T) {
	tests := []struct {
		name       string
		critAnswer string
		want       bool
	}{
		{"exact true", "true", true},
		{"capitalized true", "True", true},
		{"padded true", "  true \n", true},
		{"prose containing true", "yes, that is true", false},
		{"false", "false", false},
		{"junk", "maybe", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &stubGen{generate: intentRoute(map[string]string{
				"Analyze this research query": mustJSON(map[string]any{
					"query_type": "general_research", "domain": "x", "scope": "focused",
					"confidence": 80, "research_questions": []string{"q"},
					"missing_information": []string{"timeframe"},
				}),
				"materially misdirected": tt.critAnswer,
			})}
			a := NewIntentAnalyzer(gen, 75, 5, nil)

			intent, _, err := a.Analyze(context.Background(), "some query", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, intent.NeedsClarification)
		})
	}
}

func TestAnalyzeCriticalityFailsOpen(t *testing.T) {
	gen := &stubGen{generate: func(prompt string) (string, error) {
		if strings.Contains(prompt, "materially misdirected") {
			return "", testError("model down")
		}
		return intentRoute(map[string]string{
			"Analyze this research query": mustJSON(map[string]any{
				"confidence": 80, "research_questions": []string{"q"},
				"missing_information": []string{"timeframe"},
			}),
		})(prompt)
	}}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	intent, _, err := a.Analyze(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.False(t, intent.NeedsClarification)
}

func TestAnalyzeFallbackOnJunkResponse(t *testing.T) {
	gen := &stubGen{generate: intentRoute(map[string]string{
		"Analyze this research query": "I cannot produce JSON today.",
		"clarifying questions":        "also junk",
	})}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	intent, questions, err := a.Analyze(context.Background(), "how does raft consensus work", nil)
	require.NoError(t, err)
	assert.Equal(t, "general_research", intent.QueryType)
	assert.Equal(t, float64(30), intent.Confidence)
	assert.Equal(t, []string{"how does raft consensus work"}, intent.ResearchQuestions)
	assert.Equal(t, []string{"how does raft consensus work"}, intent.KeyEntities)
	assert.True(t, intent.NeedsClarification)

	// Question generation also failed, so the templated fallback applies.
	require.Len(t, questions, 2)
	assert.Equal(t, "Can you provide more details about: scope?", questions[0].Question)
	assert.Equal(t, "To clarify scope", questions[0].Purpose)
	assert.Equal(t, []string{}, questions[0].Examples)
	assert.True(t, questions[0].AllowUnknown)
	assert.Equal(t, "Can you provide more details about: timeframe?", questions[1].Question)
}

func TestAnalyzeWithAnswersCommitsToOneRound(t *testing.T) {
	gen := &stubGen{generate: intentRoute(map[string]string{
		// Even a low-confidence answered pass must not re-park.
		"Analyze this research query": mustJSON(map[string]any{
			"confidence": 20, "research_questions": []string{"q"},
			"missing_information": []string{"still unclear"},
		}),
	})}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	answers := map[string]string{"Which timeframe matters?": "last five years"}
	intent, questions, err := a.Analyze(context.Background(), "databases", answers)
	require.NoError(t, err)
	assert.False(t, intent.NeedsClarification)
	assert.Empty(t, questions)

	// The answers have to reach the model.
	assert.Equal(t, 1, gen.promptCount("last five years"))
}

func TestAnalyzeAnsweredFallbackConfidence(t *testing.T) {
	gen := &stubGen{generate: intentRoute(map[string]string{
		"Analyze this research query": "not json",
	})}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	intent, _, err := a.Analyze(context.Background(), "databases", map[string]string{"q": "a"})
	require.NoError(t, err)
	assert.Equal(t, float64(70), intent.Confidence)
	assert.False(t, intent.NeedsClarification)
	assert.Empty(t, intent.MissingInformation)
}

func TestAnalyzeQuestionCountCapped(t *testing.T) {
	missing := []any{"a", "b", "c", "d", "e", "f", "g"}
	gen := &stubGen{generate: intentRoute(map[string]string{
		"Analyze this research query": mustJSON(map[string]any{
			"confidence": 40, "research_questions": []string{"q"},
			"missing_information": missing,
		}),
		"clarifying questions": "junk so the fallback path runs",
	})}
	a := NewIntentAnalyzer(gen, 75, 3, nil)

	_, questions, err := a.Analyze(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Len(t, questions, 3)
}

func TestAnalyzePropagatesGenerationError(t *testing.T) {
	gen := &stubGen{generate: func(string) (string, error) {
		return "", testError("network down")
	}}
	a := NewIntentAnalyzer(gen, 75, 5, nil)

	_, _, err := a.Analyze(context.Background(), "query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent analysis")
}

func TestDeriveDomain(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"what is raft consensus", "raft consensus"},
		{"compare postgres and mysql performance", "postgres mysql performance"},
		{"", "general"},
		{"the of and", "general"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, deriveDomain(tt.query), "query %q", tt.query)
	}
}
