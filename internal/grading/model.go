package grading

import (
	"time"
)

// Status represents the lifecycle state of a submission.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusUploading    Status = "uploading"
	StatusTranscribing Status = "transcribing"
	StatusAnalyzing    Status = "analyzing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status can only be left via an explicit regrade.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// InFlight reports whether a worker currently owns the submission.
func (s Status) InFlight() bool {
	return s == StatusUploading || s == StatusTranscribing || s == StatusAnalyzing
}

// BatchStatus is the coarse batch lifecycle stored on the batch record.
type BatchStatus string

const (
	BatchActive     BatchStatus = "active"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

// GradingStatus is the aggregate, reconciled status of a batch. It is always
// derived from submission records, never read from cached counters.
type GradingStatus string

const (
	GradingNotStarted GradingStatus = "not_started"
	GradingInProgress GradingStatus = "in_progress"
	GradingCompleted  GradingStatus = "completed"
	GradingError      GradingStatus = "error"
)

// Submission is one student recording moving through the grading pipeline.
type Submission struct {
	ID                   string
	BatchID              string
	CourseID             string
	AssignmentID         *string
	StudentName          string
	OriginalFilename     string
	MimeType             string
	FileKey              *string // pointer into the media store, owned by this submission
	Status               Status
	Transcript           *string
	TranscriptSegments   []TranscriptSegment
	Analysis             *Analysis
	RubricEvaluation     *RubricEvaluation
	Questions            []Question
	VerificationFindings []VerificationFinding
	ContextCitations     []ContextCitation
	ErrorMessage         *string
	BundleVersionID      *string // immutable grading context this submission is pinned to
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// Graded reports whether the submission counts toward gradedCount: status
// ready AND a numeric overall score present. A ready submission without a
// score is an inconsistency, not a graded one.
func (s *Submission) Graded() bool {
	return s.Status == StatusReady && s.RubricEvaluation != nil && s.RubricEvaluation.OverallScore != nil
}

// TranscriptSegment is one timed span of the transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// RubricEvaluation is the scored outcome of grading a transcript against a rubric.
type RubricEvaluation struct {
	OverallScore *float64         `json:"overallScore"`
	MaxScore     float64          `json:"maxScore"`
	Criteria     []CriterionScore `json:"criteria,omitempty"`
	Summary      string           `json:"summary,omitempty"`
}

// CriterionScore is the per-criterion breakdown of a rubric evaluation.
type CriterionScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Comment  string  `json:"comment,omitempty"`
}

// Analysis is the qualitative assessment of a submission.
type Analysis struct {
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths,omitempty"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

// Question is a suggested follow-up question for the student.
type Question struct {
	Text    string `json:"text"`
	Purpose string `json:"purpose,omitempty"`
}

// VerificationFinding records a factual claim check from the analysis pass.
type VerificationFinding struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"` // e.g. "supported", "unsupported", "uncertain"
	Note    string `json:"note,omitempty"`
}

// ContextCitation links a graded statement back to course context material.
type ContextCitation struct {
	Source  string `json:"source"`
	Excerpt string `json:"excerpt,omitempty"`
}

// EvaluationResult bundles everything the analysis collaborator produces for
// one submission; persisted atomically when the submission turns ready.
type EvaluationResult struct {
	RubricEvaluation     RubricEvaluation
	Analysis             Analysis
	Questions            []Question
	VerificationFindings []VerificationFinding
	ContextCitations     []ContextCitation
}

// Batch groups the submissions of one grading run.
//
// TotalSubmissions, ProcessedCount and FailedCount are a denormalized cache
// refreshed by the reconciler; ground truth is always recomputed from the
// submission records.
type Batch struct {
	ID                  string
	Name                string
	CourseID            string
	AssignmentID        *string
	Status              BatchStatus
	TotalSubmissions    int
	ProcessedCount      int
	FailedCount         int
	ExpectedUploadCount int // monotonically non-decreasing hint while uploads arrive
	CreatedAt           time.Time
	UpdatedAt           *time.Time
}

// Bundle is the mutable "current grading context" pointer for an assignment.
type Bundle struct {
	ID             string
	AssignmentID   *string
	Name           string
	Rubric         string
	CourseContext  string
	CurrentVersion int // highest snapshot version taken so far
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// BundleVersion is an immutable snapshot of a bundle's rubric and course
// context. Versions are only ever appended, never mutated or deleted, which
// is what makes regrade-with-history reproducible.
type BundleVersion struct {
	ID            string
	BundleID      string
	Version       int // monotonically increasing per bundle
	Rubric        string
	CourseContext string
	CreatedAt     time.Time
}

// RegradeResult reports the outcome for one submission id of a regrade request.
type RegradeResult struct {
	SubmissionID string  `json:"submissionId"`
	Success      bool    `json:"success"`
	Error        *string `json:"error,omitempty"`
}
