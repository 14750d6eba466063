package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"odyssey/internal/gemini"
	"odyssey/internal/scrape"
)

// SessionStore is the persistence seam the orchestrator needs. The
// sqlite store satisfies it.
type SessionStore interface {
	Save(s *Session) error
	Load(id string) (*Session, error)
}

// ErrRunInProgress is returned when a session is already being
// conducted by another caller.
var ErrRunInProgress = errors.New("research already in progress for this session")

// OrchestratorConfig bundles the tuning knobs for one orchestrator.
type OrchestratorConfig struct {
	ConfidenceThreshold  float64
	MaxFollowUpQuestions int
	Gatherer             GathererConfig
	Report               ReportConfig
}

// Outcome is the result of one Conduct call. Exactly one of Questions
// or Report is set on success: Questions when the session parked for
// clarification, Report when the run completed.
type Outcome struct {
	Session   *Session
	Questions []ClarifyingQuestion
	Report    *Report
}

// Orchestrator drives a session through the pipeline stages, saving
// after every completed stage so runs survive interruption.
type Orchestrator struct {
	store       SessionStore
	intent      *IntentAnalyzer
	gatherer    *DataGatherer
	synthesizer *Synthesizer
	reporter    *ReportGenerator
	scorer      *Scorer
	logger      *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewOrchestrator wires the pipeline components.
func NewOrchestrator(gen gemini.TextGenerator, fetcher scrape.Fetcher, store SessionStore, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:       store,
		intent:      NewIntentAnalyzer(gen, cfg.ConfidenceThreshold, cfg.MaxFollowUpQuestions, logger.Named("intent")),
		gatherer:    NewDataGatherer(gen, fetcher, cfg.Gatherer, logger.Named("gather")),
		synthesizer: NewSynthesizer(gen, logger.Named("synthesize")),
		reporter:    NewReportGenerator(gen, cfg.Report, logger.Named("report")),
		scorer:      NewScorer(cfg.ConfidenceThreshold),
		logger:      logger,
	}
}

// Start creates and persists a new session for the query.
func (o *Orchestrator) Start(query string) (*Session, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query must not be empty")
	}
	s := NewSession(query)
	if err := o.store.Save(s); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	o.logger.Info("session started", zap.String("id", s.ID), zap.String("query", query))
	return s, nil
}

// Conduct runs (or resumes) the research pipeline for a session. At
// most one run per session id is active at a time; a second concurrent
// call returns ErrRunInProgress.
func (o *Orchestrator) Conduct(ctx context.Context, id string, answers, documents map[string]string) (*Outcome, error) {
	if !o.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	defer o.release(id)

	s, err := o.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	switch s.Status {
	case StatusCompleted:
		// Nothing left to do.
		return &Outcome{Session: s, Report: s.FinalReport}, nil
	case StatusNeedsClarification:
		if len(answers) == 0 {
			// Re-asking without answers must not re-generate questions.
			return &Outcome{Session: s, Questions: s.ClarifyingQuestions}, nil
		}
	}

	return o.run(ctx, s, answers, documents)
}

func (o *Orchestrator) run(ctx context.Context, s *Session, answers, documents map[string]string) (*Outcome, error) {
	log := o.logger.With(zap.String("session", s.ID))

	// A re-run of an errored session starts clean; error state belongs
	// only to the error status.
	s.Error = ""
	s.ErrorAt = nil

	// Stage 1: intent analysis.
	intent, questions, err := o.intent.Analyze(ctx, s.InitialQuery, answers)
	if err != nil {
		return nil, o.fail(s, err)
	}
	if intent.NeedsClarification {
		s.Status = StatusNeedsClarification
		s.ClarifyingQuestions = questions
		if err := o.store.Save(s); err != nil {
			return nil, o.fail(s, fmt.Errorf("persist clarification request: %w", err))
		}
		log.Info("clarification needed", zap.Int("questions", len(questions)))
		return &Outcome{Session: s, Questions: questions}, nil
	}

	s.Status = StatusStarted
	if err := o.completeStage(s, StageIntent, intent, o.scorer.ScoreIntent(intent)); err != nil {
		return nil, o.fail(s, err)
	}
	log.Info("intent analyzed",
		zap.String("type", intent.QueryType),
		zap.Float64("confidence", intent.Confidence),
		zap.Int("questions", len(intent.ResearchQuestions)))

	// Stage 2: data gathering.
	gathered, err := o.gatherer.Gather(ctx, intent, documents)
	if err != nil {
		return nil, o.fail(s, err)
	}
	if err := o.completeStage(s, StageGather, gathered, o.scorer.ScoreGather(gathered)); err != nil {
		return nil, o.fail(s, err)
	}
	log.Info("data gathered",
		zap.Int("search_urls", len(gathered.SearchURLs)),
		zap.Float64("coverage", gathered.Coverage.Average))

	// Stage 3: analysis.
	analysis, err := o.synthesizer.Analyze(ctx, intent, gathered)
	if err != nil {
		return nil, o.fail(s, err)
	}
	if err := o.completeStage(s, StageAnalysis, analysis, o.scorer.ScoreAnalysis(analysis)); err != nil {
		return nil, o.fail(s, err)
	}
	log.Info("analysis complete",
		zap.Int("themes", len(analysis.Themes)),
		zap.Int("conflicts", len(analysis.Conflicts)))

	// Stage 4: report generation.
	stageConf := make(map[Stage]*StageConfidence)
	for stage, rec := range s.Stages {
		if rec.Status == StageCompleted && rec.Confidence != nil {
			stageConf[stage] = rec.Confidence
		}
	}
	reportResult, err := o.reporter.Generate(ctx, s.InitialQuery, intent, gathered, analysis, stageConf)
	if err != nil {
		return nil, o.fail(s, err)
	}
	if err := o.completeStage(s, StageReport, reportResult, o.scorer.ScoreReport(reportResult)); err != nil {
		return nil, o.fail(s, err)
	}

	overall := o.scorer.Overall(s)
	s.MarkCompleted(&reportResult.Report, overall)
	if err := o.store.Save(s); err != nil {
		return nil, o.fail(s, fmt.Errorf("persist completed session: %w", err))
	}

	log.Info("research complete",
		zap.Float64("overall_confidence", overall.Overall),
		zap.String("level", overall.Level),
		zap.Bool("meets_threshold", overall.MeetsThreshold))
	return &Outcome{Session: s, Report: s.FinalReport}, nil
}

// completeStage records a stage result and saves the session before the
// next stage may begin.
func (o *Orchestrator) completeStage(s *Session, stage Stage, result any, conf *StageConfidence) error {
	if err := s.CompleteStage(stage, result, conf); err != nil {
		return err
	}
	if err := o.store.Save(s); err != nil {
		return fmt.Errorf("persist %s: %w", stage, err)
	}
	return nil
}

// fail parks the session in the error state and returns the cause.
func (o *Orchestrator) fail(s *Session, cause error) error {
	s.MarkError(cause.Error())
	if err := o.store.Save(s); err != nil {
		o.logger.Error("failed to persist error state",
			zap.String("session", s.ID), zap.Error(err))
	}
	o.logger.Error("research failed", zap.String("session", s.ID), zap.Error(cause))
	return cause
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = make(map[string]bool)
	}
	if o.running[id] {
		return false
	}
	o.running[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}
