package grading

import (
	"context"
	"errors"
	"time"
)

// Not-found sentinels; wrapped errors are matched with errors.Is.
var (
	ErrSubmissionNotFound    = errors.New("submission not found")
	ErrBatchNotFound         = errors.New("batch not found")
	ErrBundleNotFound        = errors.New("bundle not found")
	ErrBundleVersionNotFound = errors.New("bundle version not found")
)

// SubmissionStore persists submissions and the per-submission state machine
// transitions. Every mutation is an idempotent overwrite; ownership is
// enforced by callers through the "abort unless queued" guard, not locks.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	// SetStatus updates the lifecycle status and optionally stamps startedAt.
	SetStatus(ctx context.Context, id string, status Status, startedAt *time.Time) error
	// SaveTranscript records the transcription output while keeping the
	// submission in flight.
	SaveTranscript(ctx context.Context, id string, transcript string, segments []TranscriptSegment) error
	// SaveEvaluation writes the full analysis payload, clears any previous
	// error and moves the submission to ready.
	SaveEvaluation(ctx context.Context, id string, res *EvaluationResult, completedAt time.Time) error
	// SaveError records the failure cause and moves the submission to failed.
	SaveError(ctx context.Context, id string, errMsg string, completedAt time.Time) error
	// ResetForRegrade clears all derived fields, optionally re-pins the bundle
	// version, and returns the submission to queued.
	ResetForRegrade(ctx context.Context, id string, bundleVersionID *string) error
	// PinBundleVersion records which immutable grading context the submission
	// will be graded against.
	PinBundleVersion(ctx context.Context, id string, versionID string) error
	// SubmissionsByBatch queries the batch_id index directly.
	SubmissionsByBatch(ctx context.Context, batchID string) ([]*Submission, error)
	// ScanSubmissionsPage pages through the whole submission keyspace in id
	// order. Degraded-mode recovery path; afterID "" starts from the beginning.
	ScanSubmissionsPage(ctx context.Context, afterID string, limit int) ([]*Submission, string, error)
}

// BatchStore persists batch records and their cached counters.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	// UpdateBatchCounters overwrites the cached aggregates; called by the
	// reconciler's self-healing write-back.
	UpdateBatchCounters(ctx context.Context, id string, total, processed, failed int, status BatchStatus) error
	// RaiseExpectedUploads lifts expectedUploadCount to at least n; the hint
	// is monotonically non-decreasing.
	RaiseExpectedUploads(ctx context.Context, id string, n int) error
}

// Queue is the durable FIFO of submission ids awaiting a worker plus the
// per-batch membership set used for recovery and status queries.
type Queue interface {
	// Enqueue appends the id to the FIFO and adds it to the batch membership
	// set. Duplicate calls are tolerated; consumers guard on status.
	Enqueue(ctx context.Context, batchID, submissionID string) error
	// DequeueOne atomically pops the head. ok is false on an empty queue.
	// Two concurrent callers never receive the same entry.
	DequeueOne(ctx context.Context) (submissionID string, ok bool, err error)
	// QueueLength is approximate under concurrent mutation; used for fanout
	// sizing and display only.
	QueueLength(ctx context.Context) (int, error)
	// QueueEntries returns a non-destructive snapshot in FIFO order.
	QueueEntries(ctx context.Context) ([]string, error)
	// AddMember adopts a submission into a batch membership set.
	AddMember(ctx context.Context, batchID, submissionID string) error
	// Members lists the membership set of a batch.
	Members(ctx context.Context, batchID string) ([]string, error)
}

// BundleStore persists grading context bundles and their immutable version
// snapshots. Versions are append-only, so readers need no locking discipline.
type BundleStore interface {
	CreateBundle(ctx context.Context, b *Bundle) error
	GetBundle(ctx context.Context, id string) (*Bundle, error)
	GetBundleByAssignment(ctx context.Context, assignmentID string) (*Bundle, error)
	// UpdateBundleContent rewrites the mutable current pointer.
	UpdateBundleContent(ctx context.Context, id, name, rubric, courseContext string) error
	// SnapshotBundle freezes the current content into a new immutable version
	// with the next monotonic version number.
	SnapshotBundle(ctx context.Context, bundleID string) (*BundleVersion, error)
	GetBundleVersion(ctx context.Context, versionID string) (*BundleVersion, error)
	LatestBundleVersion(ctx context.Context, bundleID string) (*BundleVersion, error)
	ListBundleVersions(ctx context.Context, bundleID string) ([]*BundleVersion, error)
}

// Store is the full record store the service runs on.
type Store interface {
	SubmissionStore
	BatchStore
	Queue
	BundleStore
	Close() error
}
