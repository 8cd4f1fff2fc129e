// Package mock provides deterministic in-process collaborators for tests and
// local development. Outputs are derived from the inputs so repeated runs of
// the same submission produce the same records.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jo-hoe/gograder/internal/ai"
	"github.com/jo-hoe/gograder/internal/config"
	"github.com/jo-hoe/gograder/internal/grading"
)

var (
	_ ai.Transcriber = (*Client)(nil)
	_ ai.Evaluator   = (*Client)(nil)
	_ ai.Extractor   = (*Client)(nil)
)

// Client implements all collaborator interfaces with canned responses.
type Client struct {
	delay time.Duration
	score float64
}

// New creates a mock collaborator set from config.
func New(cfg config.MockSettings) *Client {
	return &Client{
		delay: cfg.Delay,
		score: cfg.Score,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transcribe reads the media and fabricates a short transcript mentioning the
// mime type and payload size.
func (c *Client) Transcribe(ctx context.Context, media io.Reader, mimeType string) (*ai.Transcription, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	n, err := io.Copy(io.Discard, media)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("media is empty")
	}
	text := fmt.Sprintf("Mock transcript of a %s recording (%d bytes).", mimeType, n)
	return &ai.Transcription{
		Text: text,
		Segments: []grading.TranscriptSegment{
			{Start: 0, End: 5, Text: text},
		},
		DurationMs: 5000,
	}, nil
}

// Evaluate grades every transcript with the configured score and echoes the
// rubric so tests can assert the pinned bundle content reached the scorer.
func (c *Client) Evaluate(ctx context.Context, transcript, rubric, courseContext string) (*grading.EvaluationResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("transcript is empty")
	}
	score := c.score
	res := &grading.EvaluationResult{
		RubricEvaluation: grading.RubricEvaluation{
			OverallScore: &score,
			MaxScore:     100,
			Criteria: []grading.CriterionScore{
				{Name: "Content", Score: score, MaxScore: 100, Comment: "Mock criterion."},
			},
			Summary: fmt.Sprintf("Mock evaluation against rubric %q.", firstLine(rubric)),
		},
		Analysis: grading.Analysis{
			Summary:    "Mock analysis of the submission.",
			Strengths:  []string{"Clear delivery."},
			Weaknesses: []string{"No weaknesses detected by mock."},
		},
		Questions: []grading.Question{
			{Text: "Mock follow-up question?", Purpose: "comprehension"},
		},
	}
	if strings.TrimSpace(courseContext) != "" {
		res.ContextCitations = []grading.ContextCitation{
			{Source: "course context", Excerpt: firstLine(courseContext)},
		}
	}
	return res, nil
}

// Extract returns the raw bytes as text with a naive word count.
func (c *Client) Extract(ctx context.Context, r io.Reader, filename string) (*ai.Extraction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read material: %w", err)
	}
	text := string(b)
	return &ai.Extraction{
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		return s[:max]
	}
	return s
}
