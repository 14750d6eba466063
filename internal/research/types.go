// Package research implements the multi-stage research pipeline:
// intent analysis, clarification, data gathering, synthesis, confidence
// scoring and report generation, driven by the Orchestrator.
package research

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a research session.
type Status string

const (
	StatusStarted            Status = "started"
	StatusNeedsClarification Status = "needs_clarification"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

// Stage identifies a pipeline stage.
type Stage string

const (
	StageIntent   Stage = "intent_analysis"
	StageGather   Stage = "data_gathering"
	StageAnalysis Stage = "analysis"
	StageReport   Stage = "report_generation"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []Stage{StageIntent, StageGather, StageAnalysis, StageReport}

// StageStatus tracks whether a stage has produced a durable result.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
)

// StageRecord is the persisted outcome of one stage. A stage that fails
// never flips its record to completed.
type StageRecord struct {
	Status     StageStatus      `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Confidence *StageConfidence `json:"confidence,omitempty"`
}

// StageConfidence is the per-stage confidence assessment.
type StageConfidence struct {
	Score   float64            `json:"score"`
	Level   string             `json:"level"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// ClarifyingQuestion is a follow-up question put to the user when the
// query is too ambiguous to research directly.
type ClarifyingQuestion struct {
	Question     string   `json:"question"`
	Purpose      string   `json:"purpose"`
	Examples     []string `json:"examples"`
	AllowUnknown bool     `json:"allow_unknown"`
}

// ConfidenceSummary aggregates stage confidences into one score.
type ConfidenceSummary struct {
	Overall        float64           `json:"overall"`
	Level          string            `json:"level"`
	MeetsThreshold bool              `json:"meets_threshold"`
	StageScores    map[Stage]float64 `json:"stage_scores,omitempty"`
}

// Report is the generated research report.
type Report struct {
	Title       string    `json:"title"`
	Markdown    string    `json:"markdown"`
	FilePath    string    `json:"file_path,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	WordCount   int       `json:"word_count"`
}

// Session is the durable state of one research run. It is saved after
// every completed stage so a run can resume from where it stopped.
type Session struct {
	ID                  string                 `json:"id"`
	CreatedAt           time.Time              `json:"created_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	ErrorAt             *time.Time             `json:"error_at,omitempty"`
	InitialQuery        string                 `json:"initial_query"`
	Status              Status                 `json:"status"`
	Stages              map[Stage]*StageRecord `json:"stages"`
	ClarifyingQuestions []ClarifyingQuestion   `json:"clarifying_questions,omitempty"`
	FinalReport         *Report                `json:"final_report,omitempty"`
	OverallConfidence   *ConfidenceSummary     `json:"overall_confidence,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

// NewSession creates a session with every stage seeded pending.
func NewSession(query string) *Session {
	stages := make(map[Stage]*StageRecord, len(StageOrder))
	for _, stage := range StageOrder {
		stages[stage] = &StageRecord{Status: StagePending}
	}
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		InitialQuery: query,
		Status:       StatusStarted,
		Stages:       stages,
	}
}

// CompleteStage records a stage result. Completion must follow stage
// order: every earlier stage has to be completed first.
func (s *Session) CompleteStage(stage Stage, result any, conf *StageConfidence) error {
	for _, earlier := range StageOrder {
		if earlier == stage {
			break
		}
		rec, ok := s.Stages[earlier]
		if !ok || rec.Status != StageCompleted {
			return fmt.Errorf("stage %s completed before %s", stage, earlier)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", stage, err)
	}

	rec, ok := s.Stages[stage]
	if !ok {
		rec = &StageRecord{}
		s.Stages[stage] = rec
	}
	rec.Status = StageCompleted
	rec.Result = payload
	rec.Confidence = conf
	return nil
}

// StageResult unmarshals a completed stage's payload into out. It
// reports false when the stage has not completed.
func (s *Session) StageResult(stage Stage, out any) bool {
	rec, ok := s.Stages[stage]
	if !ok || rec.Status != StageCompleted || len(rec.Result) == 0 {
		return false
	}
	return json.Unmarshal(rec.Result, out) == nil
}

// MarkError parks the session in the error state.
func (s *Session) MarkError(msg string) {
	now := time.Now().UTC()
	s.Status = StatusError
	s.Error = msg
	s.ErrorAt = &now
}

// MarkCompleted finalizes a successful run. Error state from an earlier
// failed run is cleared; it belongs only to the error status.
func (s *Session) MarkCompleted(report *Report, overall *ConfidenceSummary) {
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	s.FinalReport = report
	s.OverallConfidence = overall
	s.ClarifyingQuestions = nil
	s.Error = ""
	s.ErrorAt = nil
}
