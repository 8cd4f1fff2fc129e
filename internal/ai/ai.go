// Package ai defines the collaborator boundaries for the grading pipeline.
// The orchestration core never talks to a model directly; it hands media and
// text to these interfaces and persists whatever comes back.
package ai

import (
	"context"
	"io"

	"github.com/jo-hoe/gograder/internal/grading"
)

// Transcription is the speech-to-text result for one media file.
type Transcription struct {
	Text       string
	Segments   []grading.TranscriptSegment
	DurationMs int64
}

// Transcriber converts submitted audio or video into text.
type Transcriber interface {
	Transcribe(ctx context.Context, media io.Reader, mimeType string) (*Transcription, error)
}

// Evaluator grades a transcript against a rubric and course context and
// returns the complete analysis payload.
type Evaluator interface {
	Evaluate(ctx context.Context, transcript, rubric, courseContext string) (*grading.EvaluationResult, error)
}

// Extraction is the text pulled out of an uploaded context material file.
type Extraction struct {
	Text      string
	WordCount int
}

// Extractor pulls plain text out of uploaded course material so it can be
// folded into a grading context bundle.
type Extractor interface {
	Extract(ctx context.Context, r io.Reader, filename string) (*Extraction, error)
}
