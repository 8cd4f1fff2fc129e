// Package reconcile derives batch status from submission records. The cached
// counters on the batch row are treated as a display cache only: every status
// read recomputes the aggregates from the submissions themselves and writes
// the cache back when it has drifted, so a lost update can delay the correct
// answer but never make it permanently wrong.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize/english"

	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/grading"
)

// Stats are the per-batch aggregates recomputed from submission records.
type Stats struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	InFlight int `json:"inFlight"`
	Ready    int `json:"ready"`
	Failed   int `json:"failed"`
	// Graded counts ready submissions that carry a numeric overall score.
	Graded int `json:"graded"`
}

// Recompute tallies the aggregates for a set of submissions. Pure function;
// the reconciler and its tests share it.
func Recompute(subs []*grading.Submission) Stats {
	var s Stats
	s.Total = len(subs)
	for _, sub := range subs {
		switch {
		case sub.Status == grading.StatusQueued:
			s.Queued++
		case sub.Status.InFlight():
			s.InFlight++
		case sub.Status == grading.StatusReady:
			s.Ready++
		case sub.Status == grading.StatusFailed:
			s.Failed++
		}
		if sub.Graded() {
			s.Graded++
		}
	}
	return s
}

// GradingStatus derives the aggregate status. A batch with failures but no
// inconsistencies stays in_progress so operators regrade rather than treat it
// as done; error is reserved for submissions that claim ready without a score.
func (s Stats) GradingStatus() grading.GradingStatus {
	allTerminal := s.Total > 0 && s.Ready+s.Failed == s.Total
	switch {
	case s.Total == 0 || s.Queued == s.Total:
		return grading.GradingNotStarted
	case s.Total > 0 && s.Graded == s.Total:
		return grading.GradingCompleted
	case allTerminal && s.Ready > s.Graded:
		return grading.GradingError
	default:
		return grading.GradingInProgress
	}
}

// BatchStatusOf maps the derived grading status onto the coarse batch state.
func BatchStatusOf(gs grading.GradingStatus) grading.BatchStatus {
	switch gs {
	case grading.GradingNotStarted:
		return grading.BatchActive
	case grading.GradingCompleted:
		return grading.BatchCompleted
	default:
		return grading.BatchProcessing
	}
}

// SubmissionSummary is the per-submission slice of a batch status response.
type SubmissionSummary struct {
	ID          string         `json:"id"`
	StudentName string         `json:"studentName"`
	Filename    string         `json:"filename"`
	Status      grading.Status `json:"status"`
	Score       *float64       `json:"score,omitempty"`
	MaxScore    *float64       `json:"maxScore,omitempty"`
	Error       *string        `json:"error,omitempty"`
}

// BatchView is the reconciled answer to a batch status query.
type BatchView struct {
	BatchID     string                `json:"batchId"`
	Name        string                `json:"name"`
	Status      grading.GradingStatus `json:"status"`
	BatchStatus grading.BatchStatus   `json:"batchStatus"`
	GradedCount int                   `json:"gradedCount"`
	TotalCount  int                   `json:"totalCount"`
	FailedCount int                   `json:"failedCount"`
	QueueLength int                   `json:"queueLength"`
	Message     string                `json:"message"`
	Stats       Stats                 `json:"stats"`
	Submissions []SubmissionSummary   `json:"submissions"`
}

// Options tune the recovery passes and the optional stale sweep.
type Options struct {
	UseScanRecovery bool          // page the whole keyspace instead of trusting the batch index
	ScanPageSize    int
	ScanMaxPages    int
	StaleAfter      time.Duration // 0 disables SweepStale
}

// Reconciler answers batch status queries and self-heals membership and
// counters along the way.
type Reconciler struct {
	log   *slog.Logger
	store grading.Store
	opts  Options
}

// New creates a Reconciler. Zero scan options fall back to defaults.
func New(log *slog.Logger, store grading.Store, opts Options) *Reconciler {
	if opts.ScanPageSize <= 0 {
		opts.ScanPageSize = common.DefaultScanPageSize
	}
	if opts.ScanMaxPages <= 0 {
		opts.ScanMaxPages = common.DefaultScanMaxPages
	}
	return &Reconciler{log: log, store: store, opts: opts}
}

// BatchStatus loads the batch, reassembles its submission set from the
// membership records and the batch index, recomputes the aggregates and
// writes stale counters back. Recovery is additive: submissions referencing
// the batch that the membership set forgot are adopted, never evicted.
func (r *Reconciler) BatchStatus(ctx context.Context, batchID string) (*BatchView, error) {
	batch, err := r.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	indexed, err := r.store.SubmissionsByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load submissions for batch %s: %w", batchID, err)
	}
	byID := make(map[string]*grading.Submission, len(indexed))
	for _, sub := range indexed {
		byID[sub.ID] = sub
	}

	memberIDs, err := r.store.Members(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load membership of batch %s: %w", batchID, err)
	}

	seen := make(map[string]bool, len(memberIDs))
	subs := make([]*grading.Submission, 0, len(memberIDs))
	for _, id := range memberIDs {
		if sub, ok := byID[id]; ok {
			seen[id] = true
			subs = append(subs, sub)
			continue
		}
		// Membership remembers a submission the index does not return. A
		// member that fails to load is dropped from this view, not fatal;
		// the next read picks it up once the store answers again.
		sub, err := r.store.GetSubmission(ctx, id)
		if err != nil {
			r.log.Warn("skipping member submission that failed to load", "batch_id", batchID, "submission_id", id, "err", err)
			continue
		}
		seen[id] = true
		subs = append(subs, sub)
	}

	adopted := 0
	adopt := func(sub *grading.Submission) {
		seen[sub.ID] = true
		subs = append(subs, sub)
		adopted++
		if err := r.store.AddMember(ctx, batchID, sub.ID); err != nil {
			r.log.Warn("adopting submission into batch membership", "batch_id", batchID, "submission_id", sub.ID, "err", err)
		}
	}

	// The batch index is the cheapest recovery source: any row carrying this
	// batch id that the membership set forgot is adopted on the spot.
	for _, sub := range indexed {
		if !seen[sub.ID] {
			adopt(sub)
		}
	}

	// When the assembled set is still short of what the batch expects, widen
	// the search to the queue and, if configured, the whole keyspace.
	expected := batch.TotalSubmissions
	if batch.ExpectedUploadCount > expected {
		expected = batch.ExpectedUploadCount
	}
	if len(subs) < expected {
		r.recoverFromQueue(ctx, batchID, seen, adopt)
	}
	if len(subs) < expected && r.opts.UseScanRecovery {
		r.recoverFromScan(ctx, batchID, seen, adopt)
	}
	if adopted > 0 {
		r.log.Info("batch membership recovered",
			"batch_id", batchID,
			"adopted", english.Plural(adopted, "submission", ""))
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})

	stats := Recompute(subs)
	gradingStatus := stats.GradingStatus()
	batchStatus := BatchStatusOf(gradingStatus)

	if stale(batch, stats, batchStatus) {
		err := r.store.UpdateBatchCounters(ctx, batchID, stats.Total, stats.Graded, stats.Failed, batchStatus)
		if err != nil {
			// The view stays correct; only the cache refresh is lost.
			r.log.Warn("writing reconciled counters back", "batch_id", batchID, "err", err)
		} else {
			r.log.Debug("batch counters reconciled",
				"batch_id", batchID, "total", stats.Total, "graded", stats.Graded, "failed", stats.Failed)
		}
	}

	queueLen, err := r.store.QueueLength(ctx)
	if err != nil {
		r.log.Warn("queue length for status view", "err", err)
		queueLen = 0
	}

	view := &BatchView{
		BatchID:     batch.ID,
		Name:        batch.Name,
		Status:      gradingStatus,
		BatchStatus: batchStatus,
		GradedCount: stats.Graded,
		TotalCount:  stats.Total,
		FailedCount: stats.Failed,
		QueueLength: queueLen,
		Message:     statusMessage(stats, gradingStatus),
		Stats:       stats,
		Submissions: summarize(subs),
	}
	return view, nil
}

func (r *Reconciler) recoverFromQueue(ctx context.Context, batchID string, seen map[string]bool, adopt func(*grading.Submission)) {
	ids, err := r.store.QueueEntries(ctx)
	if err != nil {
		r.log.Warn("reading queue entries for recovery", "batch_id", batchID, "err", err)
		return
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		sub, err := r.store.GetSubmission(ctx, id)
		if errors.Is(err, grading.ErrSubmissionNotFound) {
			continue
		}
		if err != nil {
			r.log.Warn("loading queued submission for recovery", "submission_id", id, "err", err)
			continue
		}
		if sub.BatchID == batchID {
			adopt(sub)
		}
	}
}

func (r *Reconciler) recoverFromScan(ctx context.Context, batchID string, seen map[string]bool, adopt func(*grading.Submission)) {
	after := ""
	for page := 0; page < r.opts.ScanMaxPages; page++ {
		subs, last, err := r.store.ScanSubmissionsPage(ctx, after, r.opts.ScanPageSize)
		if err != nil {
			r.log.Warn("scanning submissions for recovery", "batch_id", batchID, "err", err)
			return
		}
		for _, sub := range subs {
			if sub.BatchID == batchID && !seen[sub.ID] {
				adopt(sub)
			}
		}
		if len(subs) < r.opts.ScanPageSize {
			return
		}
		after = last
	}
	r.log.Warn("scan recovery page bound reached before keyspace end", "batch_id", batchID, "pages", r.opts.ScanMaxPages)
}

// SweepStale fails in-flight submissions whose worker has been silent longer
// than the configured window. Disabled (returns 0) unless staleAfter is set;
// a killed worker otherwise leaves its submission in-flight until an explicit
// regrade.
func (r *Reconciler) SweepStale(ctx context.Context) (int, error) {
	if r.opts.StaleAfter <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	swept := 0
	after := ""
	for page := 0; page < r.opts.ScanMaxPages; page++ {
		subs, last, err := r.store.ScanSubmissionsPage(ctx, after, r.opts.ScanPageSize)
		if err != nil {
			return swept, fmt.Errorf("scan submissions for stale sweep: %w", err)
		}
		for _, sub := range subs {
			if !sub.Status.InFlight() || sub.StartedAt == nil {
				continue
			}
			age := now.Sub(*sub.StartedAt)
			if age <= r.opts.StaleAfter {
				continue
			}
			msg := fmt.Sprintf("processing stalled in status %s for %s", sub.Status, age.Round(time.Second))
			if err := r.store.SaveError(ctx, sub.ID, msg, now); err != nil {
				r.log.Warn("failing stale submission", "submission_id", sub.ID, "err", err)
				continue
			}
			r.log.Info("stale submission failed by sweep", "submission_id", sub.ID, "status", sub.Status, "age", age)
			swept++
		}
		if len(subs) < r.opts.ScanPageSize {
			break
		}
		after = last
	}
	return swept, nil
}

func stale(b *grading.Batch, s Stats, status grading.BatchStatus) bool {
	return b.TotalSubmissions != s.Total ||
		b.ProcessedCount != s.Graded ||
		b.FailedCount != s.Failed ||
		b.Status != status
}

func statusMessage(s Stats, gs grading.GradingStatus) string {
	switch gs {
	case grading.GradingNotStarted:
		if s.Total == 0 {
			return "no submissions yet"
		}
		return fmt.Sprintf("%s queued, none started", english.Plural(s.Total, "submission", ""))
	case grading.GradingCompleted:
		return fmt.Sprintf("all %s graded", english.Plural(s.Total, "submission", ""))
	case grading.GradingError:
		return fmt.Sprintf("%s ready without a score", english.Plural(s.Ready-s.Graded, "submission", ""))
	default:
		msg := fmt.Sprintf("graded %d of %s", s.Graded, english.Plural(s.Total, "submission", ""))
		if s.Failed > 0 {
			msg += fmt.Sprintf(", %s failed", english.Plural(s.Failed, "submission", ""))
		}
		return msg
	}
}

func summarize(subs []*grading.Submission) []SubmissionSummary {
	out := make([]SubmissionSummary, 0, len(subs))
	for _, sub := range subs {
		sum := SubmissionSummary{
			ID:          sub.ID,
			StudentName: sub.StudentName,
			Filename:    sub.OriginalFilename,
			Status:      sub.Status,
			Error:       sub.ErrorMessage,
		}
		if sub.RubricEvaluation != nil {
			sum.Score = sub.RubricEvaluation.OverallScore
			max := sub.RubricEvaluation.MaxScore
			sum.MaxScore = &max
		}
		out = append(out, sum)
	}
	return out
}
