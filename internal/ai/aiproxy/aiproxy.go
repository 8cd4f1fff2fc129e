// Package aiproxy implements the collaborator interfaces against an
// OpenAI-compatible AI Proxy: speech-to-text via the audio transcriptions
// endpoint, rubric scoring and text extraction via chat completions.
package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jo-hoe/gograder/internal/ai"
	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/config"
	"github.com/jo-hoe/gograder/internal/grading"
)

var (
	_ ai.Transcriber = (*Client)(nil)
	_ ai.Evaluator   = (*Client)(nil)
	_ ai.Extractor   = (*Client)(nil)
)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointTranscriptions  = "v1/audio/transcriptions"
	endpointChatCompletions = "v1/chat/completions"

	// Timeouts and limits
	defaultTimeout    = 5 * time.Minute
	errorSnippetLimit = 400

	// Defaults
	defaultGradingPrompt = "You are an experienced teacher grading a spoken student submission against a rubric. Score strictly and fairly, citing the transcript. Respond with a single JSON object and nothing else, using this shape: {\"overallScore\": number, \"maxScore\": number, \"criteria\": [{\"name\": string, \"score\": number, \"maxScore\": number, \"comment\": string}], \"summary\": string, \"analysis\": {\"summary\": string, \"strengths\": [string], \"weaknesses\": [string]}, \"questions\": [{\"text\": string, \"purpose\": string}], \"verificationFindings\": [{\"claim\": string, \"verdict\": string, \"note\": string}], \"contextCitations\": [{\"source\": string, \"excerpt\": string}]}."
	defaultExtractPrompt = "You are a document understanding assistant. Extract the readable course content from the provided raw file as clean plain text. Preserve headings and ordering; drop markup and boilerplate. Output only the extracted text."
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Client talks to an OpenAI-compatible AI Proxy.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	transcribeModel string
	evaluateModel   string
	system          string
	temperature     *float32
	maxTokens       *int
	retries         int
	backoff         time.Duration
}

// New creates a new AI Proxy collaborator client.
func New(cfg config.AIProxySettings) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: defaultTimeout},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		transcribeModel: cfg.TranscribeModel,
		evaluateModel:   cfg.EvaluateModel,
		system:          cfg.SystemPrompt,
		temperature:     optionalFloat32(cfg.Temperature),
		maxTokens:       optionalInt(cfg.MaxTokens),
		retries:         cfg.Retries,
		backoff:         cfg.RetryBackoff,
	}
}

// Transcribe uploads the media to the audio transcriptions endpoint and maps
// the verbose response into segments.
func (c *Client) Transcribe(ctx context.Context, media io.Reader, mimeType string) (*ai.Transcription, error) {
	data, err := io.ReadAll(media)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("media is empty")
	}

	var out transcriptionResponse
	err = c.withRetry(ctx, func() error {
		body, contentType, err := buildTranscriptionForm(data, mimeType, c.transcribeModel)
		if err != nil {
			return err
		}
		respBytes, err := c.post(ctx, endpointTranscriptions, contentType, body)
		if err != nil {
			return err
		}
		out = transcriptionResponse{}
		if err := json.Unmarshal(respBytes, &out); err != nil {
			return fmt.Errorf("parse transcription: %w", err)
		}
		if strings.TrimSpace(out.Text) == "" {
			return fmt.Errorf("empty transcription")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	segments := make([]grading.TranscriptSegment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segments = append(segments, grading.TranscriptSegment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return &ai.Transcription{
		Text:       strings.TrimSpace(out.Text),
		Segments:   segments,
		DurationMs: int64(out.Duration * 1000),
	}, nil
}

// Evaluate sends the transcript plus the rubric snapshot to the chat
// completions endpoint and parses the JSON evaluation out of the reply.
func (c *Client) Evaluate(ctx context.Context, transcript, rubric, courseContext string) (*grading.EvaluationResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("transcript is empty")
	}
	sys := strings.TrimSpace(c.system)
	if sys == "" {
		sys = defaultGradingPrompt
	}

	var user strings.Builder
	user.WriteString("Rubric:\n")
	if strings.TrimSpace(rubric) == "" {
		user.WriteString("(none provided; give a general assessment)\n")
	} else {
		user.WriteString(rubric + "\n")
	}
	if strings.TrimSpace(courseContext) != "" {
		user.WriteString("\nCourse context:\n" + courseContext + "\n")
	}
	user.WriteString("\nTranscript:\n" + transcript)

	var payload evaluationPayload
	err := c.withRetry(ctx, func() error {
		content, err := c.chat(ctx, c.evaluateModel, sys, user.String(), true)
		if err != nil {
			return err
		}
		payload = evaluationPayload{}
		if err := json.Unmarshal([]byte(stripCodeFence(content)), &payload); err != nil {
			return fmt.Errorf("parse evaluation json: %w", err)
		}
		if payload.OverallScore == nil {
			return fmt.Errorf("evaluation missing overallScore")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload.toResult(), nil
}

// Extract asks the model to pull clean plain text out of a course material
// file. Only text-decodable files are supported; binaries are rejected before
// any call is made.
func (c *Client) Extract(ctx context.Context, r io.Reader, filename string) (*ai.Extraction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read material: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("material is empty")
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("material %q is not text; binary extraction is not supported", filename)
	}

	user := fmt.Sprintf("Filename: %s\n\nRaw contents:\n%s", filename, string(data))
	var text string
	err = c.withRetry(ctx, func() error {
		content, err := c.chat(ctx, c.evaluateModel, defaultExtractPrompt, user, false)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(content)
		if text == "" {
			return fmt.Errorf("empty extraction")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ai.Extraction{
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}, nil
}

// chat issues one chat completion and returns the assistant message content.
func (c *Client) chat(ctx context.Context, model, system, user string, jsonMode bool) (string, error) {
	req := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
	}
	if c.temperature != nil {
		req.Temperature = c.temperature
	}
	if c.maxTokens != nil {
		req.MaxTokens = c.maxTokens
	}
	if jsonMode {
		req.ResponseFmt = &responseFormat{Type: "json_object"}
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	respBytes, err := c.post(ctx, endpointChatCompletions, common.ContentTypeJSON, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 || comp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, contentType)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("aiproxy status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}
	return respBytes, nil
}

// withRetry runs fn up to the configured attempt count with linear backoff.
// Context cancellation stops retries immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	max := c.retries
	if max <= 0 {
		max = 1
	}
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			if attempt < max {
				time.Sleep(time.Duration(attempt) * c.backoff)
			}
			continue
		}
		return nil
	}
	return lastErr
}

func buildTranscriptionForm(data []byte, mimeType, model string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "submission"+extensionForMime(mimeType))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.WriteField("model", model); err != nil {
		return nil, "", fmt.Errorf("write model field: %w", err)
	}
	if err := w.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", fmt.Errorf("write response_format field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func extensionForMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case common.MimeAudioMPEG:
		return ".mp3"
	case common.MimeAudioWAV:
		return ".wav"
	case common.MimeAudioMP4:
		return ".m4a"
	case common.MimeAudioOGG:
		return ".ogg"
	case common.MimeAudioWebM, common.MimeVideoWebM:
		return ".webm"
	case common.MimeVideoMP4:
		return ".mp4"
	case common.MimeVideoMOV:
		return ".mov"
	default:
		return ".bin"
	}
}

// stripCodeFence tolerates models that wrap JSON in a Markdown fence despite
// json_object mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// evaluationPayload is the JSON shape the grading prompt asks the model for.

type evaluationPayload struct {
	OverallScore         *float64                 `json:"overallScore"`
	MaxScore             float64                  `json:"maxScore"`
	Criteria             []criterionPayload       `json:"criteria"`
	Summary              string                   `json:"summary"`
	Analysis             analysisPayload          `json:"analysis"`
	Questions            []questionPayload        `json:"questions"`
	VerificationFindings []verificationPayload    `json:"verificationFindings"`
	ContextCitations     []contextCitationPayload `json:"contextCitations"`
}

type criterionPayload struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Comment  string  `json:"comment"`
}

type analysisPayload struct {
	Summary    string   `json:"summary"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

type questionPayload struct {
	Text    string `json:"text"`
	Purpose string `json:"purpose"`
}

type verificationPayload struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"`
	Note    string `json:"note"`
}

type contextCitationPayload struct {
	Source  string `json:"source"`
	Excerpt string `json:"excerpt"`
}

func (p *evaluationPayload) toResult() *grading.EvaluationResult {
	res := &grading.EvaluationResult{
		RubricEvaluation: grading.RubricEvaluation{
			OverallScore: p.OverallScore,
			MaxScore:     p.MaxScore,
			Summary:      p.Summary,
		},
		Analysis: grading.Analysis{
			Summary:    p.Analysis.Summary,
			Strengths:  p.Analysis.Strengths,
			Weaknesses: p.Analysis.Weaknesses,
		},
	}
	if res.RubricEvaluation.MaxScore == 0 {
		res.RubricEvaluation.MaxScore = 100
	}
	for _, c := range p.Criteria {
		res.RubricEvaluation.Criteria = append(res.RubricEvaluation.Criteria, grading.CriterionScore{
			Name: c.Name, Score: c.Score, MaxScore: c.MaxScore, Comment: c.Comment,
		})
	}
	for _, q := range p.Questions {
		res.Questions = append(res.Questions, grading.Question{Text: q.Text, Purpose: q.Purpose})
	}
	for _, v := range p.VerificationFindings {
		res.VerificationFindings = append(res.VerificationFindings, grading.VerificationFinding{
			Claim: v.Claim, Verdict: v.Verdict, Note: v.Note,
		})
	}
	for _, cc := range p.ContextCitations {
		res.ContextCitations = append(res.ContextCitations, grading.ContextCitation{
			Source: cc.Source, Excerpt: cc.Excerpt,
		})
	}
	return res
}

// OpenAI-compatible request/response types

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	ResponseFmt *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type transcriptionResponse struct {
	Text     string                 `json:"text"`
	Duration float64                `json:"duration"` // seconds
	Segments []transcriptionSegment `json:"segments"`
}

type transcriptionSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}
