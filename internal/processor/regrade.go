package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jo-hoe/gograder/internal/grading"
)

// ErrNothingToRegrade rejects regrade requests that select no submissions.
var ErrNothingToRegrade = errors.New("nothing to regrade: batch id or submission ids required")

// RegradeRequest selects submissions to reset: a whole batch, an explicit id
// list, or both. BundleVersionID optionally re-pins the grading context.
type RegradeRequest struct {
	BatchID         string
	SubmissionIDs   []string
	BundleVersionID *string
}

// Regrade resets each selected submission back to queued and re-enqueues it,
// clearing every derived field. Selected ids are independent operations: one
// missing id records a per-id failure and the rest proceed. Only two things
// fail the whole request before anything is mutated: an unknown batch and an
// unknown bundle version.
func (w *Worker) Regrade(ctx context.Context, req RegradeRequest) ([]grading.RegradeResult, error) {
	if req.BatchID == "" && len(req.SubmissionIDs) == 0 {
		return nil, ErrNothingToRegrade
	}
	if req.BundleVersionID != nil && *req.BundleVersionID != "" {
		if _, err := w.Store.GetBundleVersion(ctx, *req.BundleVersionID); err != nil {
			return nil, fmt.Errorf("validate bundle version: %w", err)
		}
	} else {
		req.BundleVersionID = nil
	}

	ids := append([]string(nil), req.SubmissionIDs...)
	if req.BatchID != "" {
		if _, err := w.Store.GetBatch(ctx, req.BatchID); err != nil {
			return nil, fmt.Errorf("load batch: %w", err)
		}
		subs, err := w.Store.SubmissionsByBatch(ctx, req.BatchID)
		if err != nil {
			return nil, fmt.Errorf("list batch submissions: %w", err)
		}
		for _, sub := range subs {
			ids = append(ids, sub.ID)
		}
	}
	ids = dedupe(ids)

	results := make([]grading.RegradeResult, 0, len(ids))
	for _, id := range ids {
		res := grading.RegradeResult{SubmissionID: id, Success: true}
		if err := w.regradeOne(ctx, id, req.BundleVersionID); err != nil {
			w.Log.Warn("regrade failed", "submission_id", id, "err", err)
			msg := err.Error()
			res.Success = false
			res.Error = &msg
		} else {
			w.Log.Info("submission re-queued for grading", "submission_id", id)
		}
		results = append(results, res)
	}
	return results, nil
}

func (w *Worker) regradeOne(ctx context.Context, id string, bundleVersionID *string) error {
	// Loaded first for its batch id, so the re-enqueue lands in the right
	// membership set.
	sub, err := w.Store.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Store.ResetForRegrade(ctx, id, bundleVersionID); err != nil {
		return err
	}
	if err := w.Store.Enqueue(ctx, sub.BatchID, id); err != nil {
		return fmt.Errorf("re-enqueue: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
