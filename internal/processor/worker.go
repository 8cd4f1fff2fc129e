// Package processor owns the per-submission grading state machine:
// queued → transcribing → analyzing → ready|failed. Forward transitions only
// happen here; the sole way back to queued is an explicit regrade.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jo-hoe/gograder/internal/ai"
	"github.com/jo-hoe/gograder/internal/grading"
)

// MediaOpener resolves a submission's stored file reference into a readable
// stream.
type MediaOpener interface {
	Open(fileKey string) (io.ReadCloser, error)
}

// Worker runs popped submissions through the grading pipeline. Workers share
// no in-process state; any number of them may run concurrently against the
// same store because every transition is an idempotent overwrite guarded by
// the queued-status check.
type Worker struct {
	Log         *slog.Logger
	Store       grading.Store
	Media       MediaOpener
	Transcriber ai.Transcriber
	Evaluator   ai.Evaluator
}

func New(log *slog.Logger, store grading.Store, media MediaOpener, t ai.Transcriber, e ai.Evaluator) *Worker {
	return &Worker{
		Log:         log,
		Store:       store,
		Media:       media,
		Transcriber: t,
		Evaluator:   e,
	}
}

// ProcessNext pops the queue head and runs it end to end. popped reports
// whether any entry was dequeued at all; processed reports whether the
// submission actually ran to a terminal state. A popped entry whose
// submission is no longer queued is drained without side effects
// (popped=true, processed=false).
func (w *Worker) ProcessNext(ctx context.Context) (popped, processed bool, err error) {
	id, ok, err := w.Store.DequeueOne(ctx)
	if err != nil {
		return false, false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, false, nil
	}
	processed, err = w.Process(ctx, id)
	return true, processed, err
}

// Process runs one submission through transcription and evaluation.
//
// The returned error reports what went wrong for logging; a collaborator
// failure is still a fully processed submission (terminal state failed), so
// processed is true in that case.
func (w *Worker) Process(ctx context.Context, id string) (processed bool, err error) {
	log := w.Log.With("submission_id", id)

	sub, err := w.Store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, grading.ErrSubmissionNotFound) {
			log.Warn("queued submission no longer exists")
			return false, nil
		}
		return false, fmt.Errorf("load submission: %w", err)
	}
	// Duplicate-queue-entry guard: only a queued submission may be picked up.
	// This is what makes redundant enqueues and double dispatch safe.
	if sub.Status != grading.StatusQueued {
		log.Debug("skipping queue entry", "status", sub.Status)
		return false, nil
	}

	started := time.Now().UTC()
	if err := w.Store.SetStatus(ctx, id, grading.StatusTranscribing, &started); err != nil {
		return false, fmt.Errorf("mark transcribing: %w", err)
	}
	log.Info("processing submission", "batch_id", sub.BatchID, "student", sub.StudentName)

	transcription, err := w.transcribe(ctx, sub)
	if err != nil {
		w.finishWithError(ctx, log, id, fmt.Errorf("transcribe: %w", err))
		return true, err
	}
	if err := w.Store.SaveTranscript(ctx, id, transcription.Text, transcription.Segments); err != nil {
		w.finishWithError(ctx, log, id, fmt.Errorf("save transcript: %w", err))
		return true, err
	}

	if err := w.Store.SetStatus(ctx, id, grading.StatusAnalyzing, nil); err != nil {
		w.finishWithError(ctx, log, id, fmt.Errorf("mark analyzing: %w", err))
		return true, err
	}
	rubric, courseContext, err := w.resolveSnapshot(ctx, log, sub)
	if err != nil {
		w.finishWithError(ctx, log, id, fmt.Errorf("resolve grading context: %w", err))
		return true, err
	}

	result, err := w.Evaluator.Evaluate(ctx, transcription.Text, rubric, courseContext)
	if err != nil {
		w.finishWithError(ctx, log, id, fmt.Errorf("evaluate: %w", err))
		return true, err
	}

	done := time.Now().UTC()
	if err := w.Store.SaveEvaluation(ctx, id, result, done); err != nil {
		return false, fmt.Errorf("save evaluation: %w", err)
	}
	log.Info("submission graded",
		"score", scoreValue(result),
		"duration", done.Sub(started).String())
	return true, nil
}

func (w *Worker) transcribe(ctx context.Context, sub *grading.Submission) (*ai.Transcription, error) {
	if sub.FileKey == nil || *sub.FileKey == "" {
		return nil, errors.New("no media uploaded for submission")
	}
	media, err := w.Media.Open(*sub.FileKey)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	defer func() { _ = media.Close() }()
	return w.Transcriber.Transcribe(ctx, media, sub.MimeType)
}

// resolveSnapshot returns the immutable rubric and course context the
// submission is graded against. A submission pinned to a version always uses
// exactly that version. An unpinned submission is pinned here to the latest
// version of its assignment's bundle, snapshotting one first when the bundle
// has none; without an assignment bundle the evaluation runs as a general
// assessment on empty context.
func (w *Worker) resolveSnapshot(ctx context.Context, log *slog.Logger, sub *grading.Submission) (rubric, courseContext string, err error) {
	if sub.BundleVersionID != nil && *sub.BundleVersionID != "" {
		ver, err := w.Store.GetBundleVersion(ctx, *sub.BundleVersionID)
		if err != nil {
			return "", "", fmt.Errorf("load pinned bundle version: %w", err)
		}
		return ver.Rubric, ver.CourseContext, nil
	}

	if sub.AssignmentID == nil || *sub.AssignmentID == "" {
		return "", "", nil
	}
	bundle, err := w.Store.GetBundleByAssignment(ctx, *sub.AssignmentID)
	if errors.Is(err, grading.ErrBundleNotFound) {
		log.Debug("no bundle for assignment; grading without rubric", "assignment_id", *sub.AssignmentID)
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("load assignment bundle: %w", err)
	}

	ver, err := w.Store.LatestBundleVersion(ctx, bundle.ID)
	if errors.Is(err, grading.ErrBundleVersionNotFound) {
		ver, err = w.Store.SnapshotBundle(ctx, bundle.ID)
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve bundle version: %w", err)
	}
	if err := w.Store.PinBundleVersion(ctx, sub.ID, ver.ID); err != nil {
		return "", "", fmt.Errorf("pin bundle version: %w", err)
	}
	log.Debug("pinned bundle version", "bundle_id", bundle.ID, "version", ver.Version)
	return ver.Rubric, ver.CourseContext, nil
}

// finishWithError moves the submission to its terminal failed state. The
// write is best effort: if the store is also failing there is nothing better
// to do than log.
func (w *Worker) finishWithError(ctx context.Context, log *slog.Logger, id string, cause error) {
	log.Error("submission failed", "err", cause)
	if err := w.Store.SaveError(ctx, id, cause.Error(), time.Now().UTC()); err != nil {
		log.Error("record submission failure", "err", err)
	}
}

func scoreValue(res *grading.EvaluationResult) float64 {
	if res == nil || res.RubricEvaluation.OverallScore == nil {
		return 0
	}
	return *res.RubricEvaluation.OverallScore
}
