package research

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"odyssey/internal/gemini"
	"odyssey/internal/parse"
)

// Intent is the structured interpretation of the user's query.
type Intent struct {
	QueryType           string   `json:"query_type"`
	Domain              string   `json:"domain"`
	Scope               string   `json:"scope"`
	Confidence          float64  `json:"confidence"`
	KeyEntities         []string `json:"key_entities,omitempty"`
	ResearchQuestions   []string `json:"research_questions"`
	ContextRequirements []string `json:"context_requirements,omitempty"`
	OutputPreferences   []string `json:"output_preferences,omitempty"`
	MissingInformation  []string `json:"missing_information,omitempty"`
	ComparisonRequested bool     `json:"comparison_requested,omitempty"`
	TimelineRequested   bool     `json:"timeline_requested,omitempty"`
	ProsConsRequested   bool     `json:"pros_cons_requested,omitempty"`
	NeedsClarification  bool     `json:"needs_clarification"`
}

// IntentAnalyzer turns a raw query into an Intent, deciding whether
// the user must be asked clarifying questions first.
type IntentAnalyzer struct {
	gen          gemini.TextGenerator
	threshold    float64
	maxQuestions int
	logger       *zap.Logger
}

// NewIntentAnalyzer creates an analyzer.
func NewIntentAnalyzer(gen gemini.TextGenerator, threshold float64, maxQuestions int, logger *zap.Logger) *IntentAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxQuestions <= 0 {
		maxQuestions = 5
	}
	return &IntentAnalyzer{gen: gen, threshold: threshold, maxQuestions: maxQuestions, logger: logger}
}

const intentPrompt = `Analyze this research query and respond with a JSON object only.

Query: %s
%s
Respond with:
{
  "query_type": "comparison" | "analysis" | "timeline" | "pros_cons" | "general_research",
  "domain": "subject area of the query",
  "scope": "broad" | "focused" | "narrow",
  "confidence": 0-100,
  "key_entities": ["main entities or subjects to research"],
  "research_questions": ["specific questions research should answer"],
  "context_requirements": ["context needed, empty if sufficient"],
  "output_preferences": ["how to present the information"],
  "missing_information": ["details that would sharpen the research, empty if none"],
  "comparison_requested": true|false,
  "timeline_requested": true|false,
  "pros_cons_requested": true|false
}`

// Analyze interprets the query. When answers from a prior clarification
// round are supplied, they are folded into the prompt and the result is
// committed: needs_clarification is forced false so research proceeds
// after exactly one round.
func (a *IntentAnalyzer) Analyze(ctx context.Context, query string, answers map[string]string) (*Intent, []ClarifyingQuestion, error) {
	answered := len(answers) > 0

	var transcript string
	if answered {
		var sb strings.Builder
		sb.WriteString("\nThe user answered these clarifying questions:\n")
		keys := make([]string, 0, len(answers))
		for q := range answers {
			keys = append(keys, q)
		}
		sort.Strings(keys)
		for _, q := range keys {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", q, answers[q])
		}
		transcript = sb.String()
	}

	raw, err := a.gen.Generate(ctx, fmt.Sprintf(intentPrompt, query, transcript))
	if err != nil {
		return nil, nil, fmt.Errorf("intent analysis: %w", err)
	}

	intent := a.fallbackIntent(query, answered)
	decoded := &Intent{}
	if parse.Decode(raw, parse.ShapeObject, decoded) {
		intent = decoded
		if intent.QueryType == "" {
			intent.QueryType = "general_research"
		}
		if intent.Domain == "" {
			intent.Domain = deriveDomain(query)
		}
		if intent.Scope == "" {
			intent.Scope = "broad"
		}
	} else {
		a.logger.Warn("intent response unparseable, using fallback",
			zap.String("query", query), zap.Bool("answered", answered))
	}
	if len(intent.ResearchQuestions) == 0 {
		intent.ResearchQuestions = []string{query}
	}

	if answered {
		// One round of clarification only.
		intent.NeedsClarification = false
		return intent, nil, nil
	}

	needs := intent.Confidence < a.threshold
	if !needs && len(intent.MissingInformation) > 0 {
		needs = a.missingIsCritical(ctx, query, intent.MissingInformation)
	}
	intent.NeedsClarification = needs

	if !needs {
		return intent, nil, nil
	}

	questions := a.generateQuestions(ctx, query, intent.MissingInformation)
	return intent, questions, nil
}

func (a *IntentAnalyzer) fallbackIntent(query string, answered bool) *Intent {
	intent := &Intent{
		QueryType:         "general_research",
		Domain:            deriveDomain(query),
		Scope:             "broad",
		Confidence:        30,
		KeyEntities:       []string{query},
		ResearchQuestions: []string{query},
		OutputPreferences: []string{"comprehensive_report"},
	}
	if answered {
		intent.Confidence = 70
	} else {
		intent.MissingInformation = []string{"scope", "timeframe"}
	}
	return intent
}

// missingIsCritical asks the model whether the gaps block useful
// research. Only the exact answer "true" counts; every other output and
// every error fails open to false so research is not held up on noise.
func (a *IntentAnalyzer) missingIsCritical(ctx context.Context, query string, missing []string) bool {
	prompt := fmt.Sprintf(
		"Research query: %s\nMissing details: %s\n\nWould research be materially misdirected without these details? Answer with exactly true or false.",
		query, strings.Join(missing, "; "))
	out, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		a.logger.Debug("criticality check failed", zap.Error(err))
		return false
	}
	return strings.EqualFold(strings.TrimSpace(out), "true")
}

// generateQuestions produces at most min(len(missing), maxQuestions)
// clarifying questions. It is total: a bad generation falls back to one
// templated question per missing item.
func (a *IntentAnalyzer) generateQuestions(ctx context.Context, query string, missing []string) []ClarifyingQuestion {
	limit := len(missing)
	if limit == 0 {
		limit = 1
		missing = []string{"the focus of your question"}
	}
	if limit > a.maxQuestions {
		limit = a.maxQuestions
	}

	prompt := fmt.Sprintf(`The research query "%s" is missing: %s.

Write at most %d clarifying questions as a JSON array only:
[{"question": "...", "purpose": "...", "examples": ["example answers"], "allow_unknown": true|false}]`,
		query, strings.Join(missing, "; "), limit)

	if raw, err := a.gen.Generate(ctx, prompt); err == nil {
		var questions []ClarifyingQuestion
		if parse.Decode(raw, parse.ShapeArray, &questions) {
			valid := questions[:0]
			for _, q := range questions {
				if strings.TrimSpace(q.Question) != "" {
					valid = append(valid, q)
				}
			}
			if len(valid) > 0 {
				if len(valid) > limit {
					valid = valid[:limit]
				}
				return valid
			}
		}
	}

	fallback := make([]ClarifyingQuestion, 0, limit)
	for _, item := range missing[:limit] {
		fallback = append(fallback, ClarifyingQuestion{
			Question:     fmt.Sprintf("Can you provide more details about: %s?", item),
			Purpose:      fmt.Sprintf("To clarify %s", item),
			Examples:     []string{},
			AllowUnknown: true,
		})
	}
	return fallback
}

var domainStopwords = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"which": true, "who": true, "is": true, "are": true, "the": true,
	"a": true, "an": true, "of": true, "in": true, "on": true, "to": true,
	"for": true, "about": true, "compare": true, "between": true,
	"and": true, "or": true, "do": true, "does": true, "tell": true,
	"me": true,
}

// deriveDomain guesses a domain label from the query's leading content
// words. Used only when the model gave nothing usable.
func deriveDomain(query string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,?!:;\"'")
		if w == "" || domainStopwords[w] {
			continue
		}
		words = append(words, w)
		if len(words) == 3 {
			break
		}
	}
	if len(words) == 0 {
		return "general"
	}
	return strings.Join(words, " ")
}
