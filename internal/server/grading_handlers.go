package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/grading"
	"github.com/jo-hoe/gograder/internal/processor"
	"github.com/jo-hoe/gograder/internal/storage"
	"github.com/jo-hoe/gograder/internal/util"
)

type createBatchRequest struct {
	Name                string  `json:"name" validate:"required"`
	CourseID            string  `json:"courseId" validate:"required"`
	AssignmentID        *string `json:"assignmentId"`
	ExpectedUploadCount int     `json:"expectedUploadCount" validate:"gte=0"`
}

type batchResponse struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	CourseID            string              `json:"courseId"`
	AssignmentID        *string             `json:"assignmentId,omitempty"`
	Status              grading.BatchStatus `json:"status"`
	TotalSubmissions    int                 `json:"totalSubmissions"`
	ProcessedCount      int                 `json:"processedCount"`
	FailedCount         int                 `json:"failedCount"`
	ExpectedUploadCount int                 `json:"expectedUploadCount"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           *time.Time          `json:"updatedAt,omitempty"`
}

func batchToOut(b *grading.Batch) batchResponse {
	return batchResponse{
		ID:                  b.ID,
		Name:                b.Name,
		CourseID:            b.CourseID,
		AssignmentID:        b.AssignmentID,
		Status:              b.Status,
		TotalSubmissions:    b.TotalSubmissions,
		ProcessedCount:      b.ProcessedCount,
		FailedCount:         b.FailedCount,
		ExpectedUploadCount: b.ExpectedUploadCount,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}

func (svc *Service) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[createBatchRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b := &grading.Batch{
		ID:                  util.NewID(),
		Name:                req.Name,
		CourseID:            req.CourseID,
		AssignmentID:        req.AssignmentID,
		Status:              grading.BatchActive,
		ExpectedUploadCount: req.ExpectedUploadCount,
		CreatedAt:           time.Now().UTC(),
	}
	if err := svc.Store.CreateBatch(r.Context(), b); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	svc.Log.Info("batch created", "batch_id", b.ID, "course_id", b.CourseID)
	writeJSON(w, http.StatusCreated, batchToOut(b))
}

// handleGetBatch returns the batch record as stored, cached counters included.
// The status endpoint is the reconciled view; this one shows the raw cache.
func (svc *Service) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := svc.Store.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchToOut(b))
}

func (svc *Service) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	view, err := svc.Reconciler.BatchStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createSubmissionRequest struct {
	StudentName string `json:"studentName" validate:"required"`
	Filename    string `json:"filename" validate:"required"`
	MimeType    string `json:"mimeType" validate:"required"`
}

type createSubmissionResponse struct {
	SubmissionID    string                `json:"submissionId"`
	BatchID         string                `json:"batchId"`
	Status          grading.Status        `json:"status"`
	FileKey         string                `json:"fileKey"`
	BundleVersionID *string               `json:"bundleVersionId,omitempty"`
	Upload          *storage.PresignedURL `json:"upload"`
}

// handleCreateSubmission registers an upload intent: the submission record is
// created queued and added to the batch membership set, and the caller gets a
// presigned URL to PUT the media against. The queue entry is only appended
// once the upload lands, so workers never race an upload in progress.
func (svc *Service) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	batch, err := svc.Store.GetBatch(r.Context(), batchID)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	req, err := decodeValid[createSubmissionRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !acceptableMime(req.MimeType) {
		http.Error(w, "unsupported media type "+req.MimeType, http.StatusBadRequest)
		return
	}

	subID := util.NewID()
	upload, err := svc.Media.IssueUploadURL(batchID, subID, req.Filename)
	if err != nil {
		svc.Log.Error("issue upload url", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sub := &grading.Submission{
		ID:               subID,
		BatchID:          batchID,
		CourseID:         batch.CourseID,
		AssignmentID:     batch.AssignmentID,
		StudentName:      req.StudentName,
		OriginalFilename: req.Filename,
		MimeType:         req.MimeType,
		FileKey:          &upload.FileKey,
		Status:           grading.StatusQueued,
		CreatedAt:        time.Now().UTC(),
	}
	svc.pinCurrentBundleVersion(r.Context(), sub)

	// CreateSubmission writes the batch membership row in the same
	// transaction; the reconciler heals it if that ever diverges.
	if err := svc.Store.CreateSubmission(r.Context(), sub); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if members, err := svc.Store.Members(r.Context(), batchID); err == nil {
		if err := svc.Store.RaiseExpectedUploads(r.Context(), batchID, len(members)); err != nil {
			svc.Log.Warn("raising expected upload count", "batch_id", batchID, "err", err)
		}
	}

	svc.Log.Info("submission created", "submission_id", subID, "batch_id", batchID, "student", req.StudentName)
	writeJSON(w, http.StatusCreated, createSubmissionResponse{
		SubmissionID:    subID,
		BatchID:         batchID,
		Status:          sub.Status,
		FileKey:         upload.FileKey,
		BundleVersionID: sub.BundleVersionID,
		Upload:          upload,
	})
}

// pinCurrentBundleVersion pins the submission to the assignment's latest
// bundle version so later bundle edits cannot change what this submission is
// graded against. Missing bundle or missing versions are not errors: the
// worker resolves the context lazily in that case.
func (svc *Service) pinCurrentBundleVersion(ctx context.Context, sub *grading.Submission) {
	if sub.AssignmentID == nil || *sub.AssignmentID == "" {
		return
	}
	bundle, err := svc.Store.GetBundleByAssignment(ctx, *sub.AssignmentID)
	if err != nil {
		if !errors.Is(err, grading.ErrBundleNotFound) {
			svc.Log.Warn("resolving bundle for assignment", "assignment_id", *sub.AssignmentID, "err", err)
		}
		return
	}
	ver, err := svc.Store.LatestBundleVersion(ctx, bundle.ID)
	if err != nil {
		if !errors.Is(err, grading.ErrBundleVersionNotFound) {
			svc.Log.Warn("resolving latest bundle version", "bundle_id", bundle.ID, "err", err)
		}
		return
	}
	sub.BundleVersionID = &ver.ID
}

func acceptableMime(m string) bool {
	return strings.HasPrefix(m, "audio/") || strings.HasPrefix(m, "video/")
}

type submissionResponse struct {
	ID                   string                        `json:"id"`
	BatchID              string                        `json:"batchId"`
	CourseID             string                        `json:"courseId"`
	AssignmentID         *string                       `json:"assignmentId,omitempty"`
	StudentName          string                        `json:"studentName"`
	OriginalFilename     string                        `json:"originalFilename"`
	MimeType             string                        `json:"mimeType"`
	FileKey              *string                       `json:"fileKey,omitempty"`
	Status               grading.Status                `json:"status"`
	Transcript           *string                       `json:"transcript,omitempty"`
	TranscriptSegments   []grading.TranscriptSegment   `json:"transcriptSegments,omitempty"`
	Analysis             *grading.Analysis             `json:"analysis,omitempty"`
	RubricEvaluation     *grading.RubricEvaluation     `json:"rubricEvaluation,omitempty"`
	Questions            []grading.Question            `json:"questions,omitempty"`
	VerificationFindings []grading.VerificationFinding `json:"verificationFindings,omitempty"`
	ContextCitations     []grading.ContextCitation     `json:"contextCitations,omitempty"`
	ErrorMessage         *string                       `json:"errorMessage,omitempty"`
	BundleVersionID      *string                       `json:"bundleVersionId,omitempty"`
	CreatedAt            time.Time                     `json:"createdAt"`
	StartedAt            *time.Time                    `json:"startedAt,omitempty"`
	CompletedAt          *time.Time                    `json:"completedAt,omitempty"`
	Download             *storage.PresignedURL         `json:"download,omitempty"`
}

func (svc *Service) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := svc.Store.GetSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	out := submissionResponse{
		ID:                   sub.ID,
		BatchID:              sub.BatchID,
		CourseID:             sub.CourseID,
		AssignmentID:         sub.AssignmentID,
		StudentName:          sub.StudentName,
		OriginalFilename:     sub.OriginalFilename,
		MimeType:             sub.MimeType,
		FileKey:              sub.FileKey,
		Status:               sub.Status,
		Transcript:           sub.Transcript,
		TranscriptSegments:   sub.TranscriptSegments,
		Analysis:             sub.Analysis,
		RubricEvaluation:     sub.RubricEvaluation,
		Questions:            sub.Questions,
		VerificationFindings: sub.VerificationFindings,
		ContextCitations:     sub.ContextCitations,
		ErrorMessage:         sub.ErrorMessage,
		BundleVersionID:      sub.BundleVersionID,
		CreatedAt:            sub.CreatedAt,
		StartedAt:            sub.StartedAt,
		CompletedAt:          sub.CompletedAt,
	}
	if sub.FileKey != nil && *sub.FileKey != "" {
		if dl, err := svc.Media.IssueDownloadURL(*sub.FileKey); err == nil {
			out.Download = dl
		} else {
			svc.Log.Warn("issue download url", "submission_id", sub.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type enqueueRequest struct {
	BatchID      string `json:"batchId" validate:"required"`
	SubmissionID string `json:"submissionId" validate:"required"`
}

// handleEnqueue appends a submission to the work queue explicitly. Idempotent
// in effect: duplicate entries drain without reprocessing because workers
// guard on the queued status.
func (svc *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[enqueueRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sub, err := svc.Store.GetSubmission(r.Context(), req.SubmissionID)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if sub.BatchID != req.BatchID {
		http.Error(w, "submission does not belong to batch", http.StatusBadRequest)
		return
	}
	if err := svc.Store.Enqueue(r.Context(), req.BatchID, req.SubmissionID); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	length, err := svc.Store.QueueLength(r.Context())
	if err != nil {
		length = 0
	}
	svc.Log.Info("submission enqueued", "submission_id", req.SubmissionID, "queue_length", length)
	writeJSON(w, http.StatusOK, map[string]any{"queued": true, "queueLength": length})
}

type triggerRequest struct {
	BatchID string `json:"batchId"`
}

// handleTrigger kicks worker dispatches. The default path waits only the
// grace window and answers with what completed so far; with Prefer:
// respond-async the drain loop runs in the background until the queue is
// empty or its budget runs out, surviving the client going away.
func (svc *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.BatchID != "" {
		svc.Log.Debug("trigger requested", "batch_id", req.BatchID)
	}

	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferRespondAsync) {
		dctx := context.WithoutCancel(r.Context())
		go func() {
			n, err := svc.Dispatcher.RunUntilDrained(dctx)
			if err != nil {
				svc.Log.Error("async drain", "err", err)
				return
			}
			svc.Log.Info("async drain finished", "processed", n)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
		return
	}

	res, err := svc.Dispatcher.Trigger(r.Context())
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type regradeRequest struct {
	BatchID         string   `json:"batchId"`
	SubmissionID    string   `json:"submissionId"`
	SubmissionIDs   []string `json:"submissionIds"`
	BundleVersionID *string  `json:"bundleVersionId"`
}

func (svc *Service) handleRegrade(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[regradeRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := req.SubmissionIDs
	if req.SubmissionID != "" {
		ids = append(ids, req.SubmissionID)
	}
	results, err := svc.Worker.Regrade(r.Context(), processor.RegradeRequest{
		BatchID:         req.BatchID,
		SubmissionIDs:   ids,
		BundleVersionID: req.BundleVersionID,
	})
	switch {
	case errors.Is(err, processor.ErrNothingToRegrade):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		svc.writeStoreError(w, err)
		return
	}

	regraded := 0
	for _, res := range results {
		if res.Success {
			regraded++
		}
	}
	// Fire-and-forget: the drain keeps feeding itself after this response is
	// gone, so a regraded batch progresses even if nobody triggers again.
	if regraded > 0 {
		dctx := context.WithoutCancel(r.Context())
		go func() {
			n, err := svc.Dispatcher.RunUntilDrained(dctx)
			if err != nil {
				svc.Log.Error("drain after regrade", "err", err)
				return
			}
			svc.Log.Info("drain after regrade finished", "processed", n)
		}()
	}
	writeJSON(w, http.StatusOK, map[string]any{"regraded": regraded, "results": results})
}

// handleUpload receives media bytes against a presigned PUT URL and, once the
// bytes are durable, appends the submission to the work queue.
func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := svc.Media.VerifyToken(r.URL.Query().Get("token"), storage.OpUpload, key); err != nil {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	batchID, submissionID, err := storage.ParseFileKey(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sub, err := svc.Store.GetSubmission(r.Context(), submissionID)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if sub.BatchID != batchID {
		http.Error(w, "file key does not match submission", http.StatusBadRequest)
		return
	}

	size, err := svc.Media.Save(key, r.Body)
	if err != nil {
		http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := svc.Store.Enqueue(r.Context(), batchID, submissionID); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	svc.Log.Info("media uploaded", "submission_id", submissionID, "bytes", size)
	writeJSON(w, http.StatusOK, map[string]any{"fileKey": key, "bytes": size, "queued": true})
}

// handleDownload streams stored media against a presigned GET URL.
func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := svc.Media.VerifyToken(r.URL.Query().Get("token"), storage.OpDownload, key); err != nil {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}
	f, err := svc.Media.Open(key)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("open media", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	ct := mime.TypeByExtension(filepath.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if _, err := io.Copy(w, f); err != nil {
		svc.Log.Warn("stream media", "err", err)
	}
}
