package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"odyssey/internal/gemini"
	"odyssey/internal/parse"
	"odyssey/internal/scrape"
)

// Data source identifiers, in fixed execution priority.
const (
	SourceInternal  = "internal_knowledge"
	SourceSearch    = "google_search"
	SourceDocuments = "provided_documents"
	SourceScraping  = "web_scraping"
)

// SourceOrder is the priority order sources are consulted in.
var SourceOrder = []string{SourceInternal, SourceSearch, SourceDocuments, SourceScraping}

// SourceRecord is the per-source outcome. A failed source carries only
// Error; its failure never aborts the gathering stage.
type SourceRecord struct {
	Error       string          `json:"error,omitempty"`
	Reliability float64         `json:"reliability,omitempty"`
	Items       int             `json:"items,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// InternalFinding is one answered research question from model
// knowledge.
type InternalFinding struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// SearchFinding is the outcome of one grounded search query.
type SearchFinding struct {
	Query   string   `json:"query"`
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
}

// DocumentSummary summarizes one user-provided document.
type DocumentSummary struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// ScrapedPage is the stored form of a crawled page.
type ScrapedPage struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	Reliability float64 `json:"reliability"`
}

// ScrapeOutcome is the web_scraping source payload.
type ScrapeOutcome struct {
	Pages  []ScrapedPage      `json:"pages"`
	Errors []scrape.WalkError `json:"errors,omitempty"`
}

// SourceConflict is a disagreement detected between sources.
type SourceConflict struct {
	Description     string   `json:"description"`
	SourcesInvolved []string `json:"sources_involved,omitempty"`
	Severity        string   `json:"severity,omitempty"`
}

// QuestionCoverage rates how well gathered data answers one research
// question.
type QuestionCoverage struct {
	Question string   `json:"question"`
	Score    float64  `json:"coverage_score"`
	Gaps     []string `json:"gaps,omitempty"`
}

// Coverage aggregates per-question coverage.
type Coverage struct {
	PerQuestion []QuestionCoverage `json:"per_question"`
	Average     float64            `json:"average"`
}

// GatherResult is the data_gathering stage payload.
type GatherResult struct {
	Sources      map[string]*SourceRecord `json:"sources"`
	SearchURLs   []string                 `json:"search_urls,omitempty"`
	Conflicts    []SourceConflict         `json:"conflicts"`
	Consolidated string                   `json:"consolidated"`
	Coverage     Coverage                 `json:"coverage"`
}

// GathererConfig bounds the gathering stage.
type GathererConfig struct {
	MaxSearchResults int
	MaxScrapingDepth int
	MaxConcurrent    int
	RequestTimeout   time.Duration
}

// DataGatherer runs the data_gathering stage across all sources.
type DataGatherer struct {
	gen     gemini.TextGenerator
	fetcher scrape.Fetcher
	cfg     GathererConfig
	logger  *zap.Logger
}

// NewDataGatherer creates a gatherer.
func NewDataGatherer(gen gemini.TextGenerator, fetcher scrape.Fetcher, cfg GathererConfig, logger *zap.Logger) *DataGatherer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &DataGatherer{gen: gen, fetcher: fetcher, cfg: cfg, logger: logger}
}

// Gather consults every source in priority order. A source failure is
// recorded under its key and never aborts the stage; only context
// cancellation ends the run early.
func (g *DataGatherer) Gather(ctx context.Context, intent *Intent, documents map[string]string) (*GatherResult, error) {
	result := &GatherResult{
		Sources:   make(map[string]*SourceRecord, len(SourceOrder)),
		Conflicts: []SourceConflict{},
	}

	for _, src := range SourceOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var rec *SourceRecord
		switch src {
		case SourceInternal:
			rec = g.gatherInternal(ctx, intent)
		case SourceSearch:
			var urls []string
			rec, urls = g.gatherSearch(ctx, intent)
			result.SearchURLs = urls
		case SourceDocuments:
			rec = g.gatherDocuments(ctx, documents)
		case SourceScraping:
			if len(result.SearchURLs) == 0 {
				rec = &SourceRecord{Error: "skipped: no URLs available from search"}
			} else {
				rec = g.gatherScraping(ctx, result.SearchURLs)
			}
		}
		result.Sources[src] = rec

		if rec.Error != "" {
			g.logger.Warn("source failed", zap.String("source", src), zap.String("error", rec.Error))
		} else {
			g.logger.Info("source complete", zap.String("source", src), zap.Int("items", rec.Items))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Conflicts = g.detectConflicts(ctx, result)
	result.Consolidated = g.consolidate(ctx, intent, result)
	result.Coverage = g.assessCoverage(ctx, intent.ResearchQuestions, result.Consolidated)
	return result, nil
}

func (g *DataGatherer) gatherInternal(ctx context.Context, intent *Intent) *SourceRecord {
	questions := intent.ResearchQuestions
	findings := make([]*InternalFinding, len(questions))

	var focus string
	if len(intent.KeyEntities) > 0 {
		focus = fmt.Sprintf("\n\nKey entities to focus on: %s", strings.Join(intent.KeyEntities, ", "))
	}

	g.forEachBounded(ctx, len(questions), func(i int) {
		q := questions[i]
		cctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
		answer, err := g.gen.Generate(cctx, fmt.Sprintf(
			"Using only your existing knowledge, answer this research question concisely and factually.\n\nQuestion: %s%s", q, focus))
		if err != nil {
			g.logger.Debug("internal knowledge question failed", zap.String("question", q), zap.Error(err))
			return
		}
		findings[i] = &InternalFinding{Question: q, Answer: answer}
	})

	kept := make([]InternalFinding, 0, len(findings))
	for _, f := range findings {
		if f != nil {
			kept = append(kept, *f)
		}
	}
	if len(kept) == 0 {
		return &SourceRecord{Error: "no research questions could be answered"}
	}
	payload, _ := json.Marshal(kept)
	return &SourceRecord{Reliability: 0.75, Items: len(kept), Payload: payload}
}

func (g *DataGatherer) gatherSearch(ctx context.Context, intent *Intent) (*SourceRecord, []string) {
	queries := g.generateSearchQueries(ctx, intent)
	if len(queries) > 3 {
		queries = queries[:3]
	}

	var findings []SearchFinding
	var urls []string
	seen := make(map[string]bool)
	var lastErr error

	for _, q := range queries {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		res, err := g.gen.GenerateGrounded(cctx, fmt.Sprintf(
			"Search the web and summarize current, factual information for: %s", q))
		cancel()
		if err != nil {
			lastErr = err
			g.logger.Debug("search query failed", zap.String("query", q), zap.Error(err))
			continue
		}
		findings = append(findings, SearchFinding{Query: q, Text: res.Text, Sources: res.Sources})
		for _, u := range res.Sources {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}

	if len(findings) == 0 {
		msg := "no search queries succeeded"
		if lastErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, lastErr)
		}
		return &SourceRecord{Error: msg}, nil
	}
	payload, _ := json.Marshal(findings)
	return &SourceRecord{Reliability: 0.80, Items: len(findings), Payload: payload}, urls
}

// generateSearchQueries asks the model for search queries, capped at
// min(len(questions)*2, 10). The research questions themselves are the
// fallback.
func (g *DataGatherer) generateSearchQueries(ctx context.Context, intent *Intent) []string {
	limit := len(intent.ResearchQuestions) * 2
	if limit > 10 {
		limit = 10
	}
	if limit == 0 {
		limit = 1
	}

	var focus string
	if len(intent.KeyEntities) > 0 {
		focus = fmt.Sprintf("\nKey entities: %s\n", strings.Join(intent.KeyEntities, ", "))
	}
	prompt := fmt.Sprintf(
		"Write up to %d short web search queries that together cover these research questions. Respond with a JSON array of strings only.\n%s\nQuestions:\n- %s",
		limit, focus, strings.Join(intent.ResearchQuestions, "\n- "))

	if raw, err := g.gen.Generate(ctx, prompt); err == nil {
		var queries []string
		if parse.Decode(raw, parse.ShapeArray, &queries) {
			kept := queries[:0]
			for _, q := range queries {
				if strings.TrimSpace(q) != "" {
					kept = append(kept, q)
				}
			}
			if len(kept) > 0 {
				if len(kept) > limit {
					kept = kept[:limit]
				}
				return kept
			}
		}
	}
	if len(intent.ResearchQuestions) > 0 {
		return intent.ResearchQuestions
	}
	return []string{intent.Domain}
}

func (g *DataGatherer) gatherDocuments(ctx context.Context, documents map[string]string) *SourceRecord {
	if len(documents) == 0 {
		return &SourceRecord{Error: "skipped: no documents provided"}
	}

	names := make([]string, 0, len(documents))
	for name := range documents {
		names = append(names, name)
	}
	// Deterministic processing order for deterministic payloads.
	sort.Strings(names)

	summaries := make([]*DocumentSummary, len(names))
	g.forEachBounded(ctx, len(names), func(i int) {
		name := names[i]
		cctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
		summary, err := g.gen.Generate(cctx, fmt.Sprintf(
			"Summarize the key facts in this document for a research report.\n\nDocument %q:\n%s", name, documents[name]))
		if err != nil {
			g.logger.Debug("document summary failed", zap.String("document", name), zap.Error(err))
			return
		}
		summaries[i] = &DocumentSummary{Name: name, Summary: summary}
	})

	kept := make([]DocumentSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			kept = append(kept, *s)
		}
	}
	if len(kept) == 0 {
		return &SourceRecord{Error: "no documents could be summarized"}
	}
	payload, _ := json.Marshal(kept)
	return &SourceRecord{Reliability: 0.85, Items: len(kept), Payload: payload}
}

func (g *DataGatherer) gatherScraping(ctx context.Context, seeds []string) *SourceRecord {
	// MaxScrapingDepth counts the seed fetch as the first hop, so depth 1
	// means seeds only and links are followed only beyond that.
	levels := g.cfg.MaxScrapingDepth - 1
	if levels < 0 {
		levels = 0
	}
	walker := scrape.NewWalker(g.fetcher, levels, g.cfg.MaxSearchResults, g.cfg.MaxConcurrent, g.logger)
	walked := walker.Walk(ctx, seeds)

	outcome := ScrapeOutcome{Errors: walked.Errors}
	var reliabilitySum float64
	for _, page := range walked.Pages {
		rel := pageReliability(page)
		reliabilitySum += rel
		outcome.Pages = append(outcome.Pages, ScrapedPage{
			URL:         page.URL,
			Title:       page.Title,
			Content:     truncate(page.Content, 4000),
			Reliability: rel,
		})
	}

	if len(outcome.Pages) == 0 {
		return &SourceRecord{Error: "no pages could be scraped"}
	}
	payload, _ := json.Marshal(outcome)
	return &SourceRecord{
		Reliability: reliabilitySum / float64(len(outcome.Pages)),
		Items:       len(outcome.Pages),
		Payload:     payload,
	}
}

var trustedDomains = map[string]bool{
	"wikipedia.org":  true,
	"britannica.com": true,
	"nature.com":     true,
	"arxiv.org":      true,
	"ieee.org":       true,
	"acm.org":        true,
	"reuters.com":    true,
	"apnews.com":     true,
	"bbc.com":        true,
}

// pageReliability scores a scraped page as the mean of domain trust and
// content quality, both in 0-1.
func pageReliability(page *scrape.Page) float64 {
	return (domainTrust(page.URL) + contentQuality(page)) / 2
}

func domainTrust(pageURL string) float64 {
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return 0.5
	}
	host := strings.ToLower(u.Hostname())
	for domain := range trustedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return 0.9
		}
	}
	for _, suffix := range []string{".org", ".edu", ".gov"} {
		if strings.HasSuffix(host, suffix) {
			return 0.8
		}
	}
	return 0.6
}

func contentQuality(page *scrape.Page) float64 {
	var q float64
	switch n := len(page.Content); {
	case n >= 2000:
		q = 0.8
	case n >= 500:
		q = 0.6
	case n >= 100:
		q = 0.4
	default:
		q = 0.2
	}
	if page.Title != "" {
		q += 0.1
	}
	if len(page.Metadata) > 0 {
		q += 0.1
	}
	if q > 1 {
		q = 1
	}
	return q
}

func (g *DataGatherer) detectConflicts(ctx context.Context, result *GatherResult) []SourceConflict {
	excerpts := sourceExcerpts(result, 1500)
	if len(excerpts) < 2 {
		return []SourceConflict{}
	}

	prompt := fmt.Sprintf(`Compare these research findings from different sources and list factual disagreements as a JSON array only:
[{"description": "...", "sources_involved": ["..."], "severity": "low"|"medium"|"high"}]
Respond with [] if there are none.

%s`, strings.Join(excerpts, "\n\n"))

	raw, err := g.gen.Generate(ctx, prompt)
	if err != nil {
		return []SourceConflict{}
	}
	conflicts := []SourceConflict{}
	parse.Decode(raw, parse.ShapeArray, &conflicts)
	if conflicts == nil {
		conflicts = []SourceConflict{}
	}
	return conflicts
}

func (g *DataGatherer) consolidate(ctx context.Context, intent *Intent, result *GatherResult) string {
	excerpts := sourceExcerpts(result, 2500)
	if len(excerpts) == 0 {
		return "No research data could be gathered."
	}

	out, err := g.gen.Generate(ctx, fmt.Sprintf(
		"Consolidate these findings into one coherent research summary for the query %q. Plain prose, no preamble.\n\n%s",
		intent.Domain, strings.Join(excerpts, "\n\n")))
	if err != nil || strings.TrimSpace(out) == "" {
		// Raw concatenation still gives downstream stages something to work with.
		return strings.Join(excerpts, "\n\n")
	}
	return out
}

// assessCoverage rates every research question against the consolidated
// data. Assessments run concurrently but land in question order.
func (g *DataGatherer) assessCoverage(ctx context.Context, questions []string, consolidated string) Coverage {
	per := make([]QuestionCoverage, len(questions))

	g.forEachBounded(ctx, len(questions), func(i int) {
		q := questions[i]
		fallback := QuestionCoverage{Question: q, Score: 50, Gaps: []string{"Assessment failed"}}

		cctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
		raw, err := g.gen.Generate(cctx, fmt.Sprintf(
			`How well does this research data answer the question? Respond with a JSON object only:
{"coverage_score": 0-100, "gaps": ["unanswered aspects"]}

Question: %s

Data:
%s`, q, truncate(consolidated, 3000)))
		if err != nil {
			per[i] = fallback
			return
		}
		decoded := fallback
		if parse.Decode(raw, parse.ShapeObject, &decoded) {
			decoded.Question = q
			per[i] = decoded
			return
		}
		per[i] = fallback
	})

	cov := Coverage{PerQuestion: per}
	if len(per) > 0 {
		var sum float64
		for _, qc := range per {
			sum += qc.Score
		}
		cov.Average = sum / float64(len(per))
	}
	return cov
}

// sourceExcerpts renders successful source payloads as labelled text
// blocks, in source priority order.
func sourceExcerpts(result *GatherResult, limit int) []string {
	var excerpts []string
	for _, src := range SourceOrder {
		rec, ok := result.Sources[src]
		if !ok || rec.Error != "" || len(rec.Payload) == 0 {
			continue
		}
		var text string
		switch src {
		case SourceInternal:
			var findings []InternalFinding
			if json.Unmarshal(rec.Payload, &findings) == nil {
				var sb strings.Builder
				for _, f := range findings {
					fmt.Fprintf(&sb, "Q: %s\nA: %s\n", f.Question, f.Answer)
				}
				text = sb.String()
			}
		case SourceSearch:
			var findings []SearchFinding
			if json.Unmarshal(rec.Payload, &findings) == nil {
				var sb strings.Builder
				for _, f := range findings {
					fmt.Fprintf(&sb, "%s\n", f.Text)
				}
				text = sb.String()
			}
		case SourceDocuments:
			var summaries []DocumentSummary
			if json.Unmarshal(rec.Payload, &summaries) == nil {
				var sb strings.Builder
				for _, s := range summaries {
					fmt.Fprintf(&sb, "%s: %s\n", s.Name, s.Summary)
				}
				text = sb.String()
			}
		case SourceScraping:
			var outcome ScrapeOutcome
			if json.Unmarshal(rec.Payload, &outcome) == nil {
				var sb strings.Builder
				for _, p := range outcome.Pages {
					fmt.Fprintf(&sb, "%s (%s): %s\n", p.Title, p.URL, truncate(p.Content, 500))
				}
				text = sb.String()
			}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		excerpts = append(excerpts, fmt.Sprintf("[%s]\n%s", src, truncate(text, limit)))
	}
	return excerpts
}

// forEachBounded runs fn for each index concurrently, bounded by the
// configured concurrency. Indexed writes keep results in input order.
func (g *DataGatherer) forEachBounded(ctx context.Context, n int, fn func(i int)) {
	sem := semaphore.NewWeighted(int64(g.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			fn(i)
		}(i)
	}
	wg.Wait()
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
