package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	aimock "github.com/jo-hoe/gograder/internal/ai/mock"
	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/config"
	"github.com/jo-hoe/gograder/internal/dispatch"
	"github.com/jo-hoe/gograder/internal/grading"
	"github.com/jo-hoe/gograder/internal/processor"
	"github.com/jo-hoe/gograder/internal/reconcile"
	"github.com/jo-hoe/gograder/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestService wires the full stack against a temp SQLite database and the
// deterministic mock collaborators.
func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	store, err := grading.NewSQLiteStore(filepath.Join(dir, "gograder.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	media := storage.NewMediaStore(dir, "http://localhost:8080", "test-secret", 15*time.Minute)
	mockAI := aimock.New(config.MockSettings{Score: 85})
	worker := processor.New(discardLogger(), store, media, mockAI, mockAI)
	dispatcher := dispatch.New(discardLogger(), store, worker, dispatch.Options{
		MaxFanout:     2,
		DispatchGrace: 2 * time.Second,
		DrainBudget:   30 * time.Second,
	})

	return &Service{
		Log: discardLogger(),
		Cfg: &config.Config{Server: config.ServerConfig{
			Addr:          ":0",
			MaxUploadSize: config.ByteSize(10 * 1024 * 1024),
		}},
		Store:      store,
		Dispatcher: dispatcher,
		Worker:     worker,
		Reconciler: reconcile.New(discardLogger(), store, reconcile.Options{}),
		Media:      media,
		Extractor:  mockAI,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v (%s)", err, rec.Body.String())
	}
	return out
}

func createBatch(t *testing.T, h http.Handler, payload map[string]any) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, common.PathBatches, payload, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create batch: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["id"].(string)
	if id == "" {
		t.Fatalf("batch id missing: %s", rec.Body.String())
	}
	return id
}

// createSubmission registers the upload intent and returns the submission id
// and the presigned upload URL.
func createSubmission(t *testing.T, h http.Handler, batchID, student, filename, mimeType string) (string, string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, common.PathBatches+"/"+batchID+"/submissions", map[string]any{
		"studentName": student,
		"filename":    filename,
		"mimeType":    mimeType,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create submission: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	subID, _ := body["submissionId"].(string)
	upload, _ := body["upload"].(map[string]any)
	uploadURL, _ := upload["url"].(string)
	if subID == "" || uploadURL == "" {
		t.Fatalf("intent response incomplete: %s", rec.Body.String())
	}
	return subID, uploadURL
}

func putMedia(t *testing.T, h http.Handler, rawURL string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, u.Path+"?"+u.RawQuery, bytes.NewReader(content))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func waitForBatchStatus(t *testing.T, h http.Handler, batchID string, want grading.GradingStatus) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec := doJSON(t, h, http.MethodGet, common.PathBatches+"/"+batchID+"/status", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("batch status: %d %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["status"] == string(want) {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never reached %s: %v", want, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler

	rec := doJSON(t, h, http.MethodGet, common.PathHealthz, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	svc := newTestService(t)
	svc.Cfg.Server.APIKey = "sekret"
	h := NewHTTPServer(svc).Handler

	payload := map[string]any{"name": "week 3", "courseId": "course-1"}
	rec := doJSON(t, h, http.MethodPost, common.PathBatches, payload, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, common.PathBatches, payload, map[string]string{common.HeaderAPIKey: "sekret"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler

	rec := doJSON(t, h, http.MethodPost, common.PathBatches, map[string]any{"name": "missing course"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler

	rec := doJSON(t, h, http.MethodGet, common.PathBatches+"/nope", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateSubmission_UnsupportedMime(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3", "courseId": "course-1"})

	rec := doJSON(t, h, http.MethodPost, common.PathBatches+"/"+batchID+"/submissions", map[string]any{
		"studentName": "Dana",
		"filename":    "essay.pdf",
		"mimeType":    "application/pdf",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmissionUploadTriggerGradeFlow(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3 orals", "courseId": "course-1"})
	subID, uploadURL := createSubmission(t, h, batchID, "Dana", "answer.mp3", common.MimeAudioMPEG)

	// Upload against the presigned URL enqueues the submission.
	rec := putMedia(t, h, uploadURL, []byte("fake-audio-bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["queued"] != true {
		t.Fatalf("upload response: %v", body)
	}

	status := waitForBatchStatus(t, h, batchID, grading.GradingNotStarted)
	if status["queueLength"] != float64(1) || status["totalCount"] != float64(1) {
		t.Fatalf("pre-trigger status: %v", status)
	}
	if status["message"] != "1 submission queued, none started" {
		t.Fatalf("message: %v", status["message"])
	}

	rec = doJSON(t, h, http.MethodPost, common.PathQueueTrigger, map[string]any{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	trigger := decodeBody(t, rec)
	if trigger["dispatched"] != float64(1) || trigger["processed"] != float64(1) {
		t.Fatalf("trigger result: %v", trigger)
	}

	status = waitForBatchStatus(t, h, batchID, grading.GradingCompleted)
	if status["gradedCount"] != float64(1) {
		t.Fatalf("gradedCount: %v", status["gradedCount"])
	}
	if status["message"] != "all 1 submission graded" {
		t.Fatalf("message: %v", status["message"])
	}

	rec = doJSON(t, h, http.MethodGet, common.PathSubmissions+"/"+subID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get submission: %d", rec.Code)
	}
	sub := decodeBody(t, rec)
	if sub["status"] != string(grading.StatusReady) {
		t.Fatalf("submission status: %v", sub["status"])
	}
	eval, _ := sub["rubricEvaluation"].(map[string]any)
	if eval == nil || eval["overallScore"] != float64(85) {
		t.Fatalf("evaluation: %v", sub["rubricEvaluation"])
	}
	transcript, _ := sub["transcript"].(string)
	if !strings.Contains(transcript, "Mock transcript") {
		t.Fatalf("transcript: %q", transcript)
	}

	// The stored media is retrievable through the presigned download link.
	download, _ := sub["download"].(map[string]any)
	dlURL, _ := download["url"].(string)
	if dlURL == "" {
		t.Fatalf("download link missing: %v", sub)
	}
	u, err := url.Parse(dlURL)
	if err != nil {
		t.Fatalf("parse download url: %v", err)
	}
	rec = doJSON(t, h, http.MethodGet, u.Path+"?"+u.RawQuery, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d", rec.Code)
	}
	if rec.Body.String() != "fake-audio-bytes" {
		t.Fatalf("downloaded bytes differ: %q", rec.Body.String())
	}
}

func TestTrigger_AsyncDrains(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3", "courseId": "course-1"})
	_, uploadURL := createSubmission(t, h, batchID, "Dana", "answer.mp3", common.MimeAudioMPEG)
	if rec := putMedia(t, h, uploadURL, []byte("fake-audio-bytes")); rec.Code != http.StatusOK {
		t.Fatalf("upload: %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, common.PathQueueTrigger, map[string]any{},
		map[string]string{common.HeaderPrefer: common.PreferRespondAsync})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "draining" {
		t.Fatalf("async body: %v", body)
	}

	// The drain keeps running after the response.
	waitForBatchStatus(t, h, batchID, grading.GradingCompleted)
}

func TestEnqueue_Explicit(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3", "courseId": "course-1"})
	otherID := createBatch(t, h, map[string]any{"name": "week 4", "courseId": "course-1"})
	subID, _ := createSubmission(t, h, batchID, "Dana", "answer.mp3", common.MimeAudioMPEG)

	rec := doJSON(t, h, http.MethodPost, common.PathQueueEnqueue,
		map[string]any{"batchId": batchID, "submissionId": subID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["queued"] != true || body["queueLength"] != float64(1) {
		t.Fatalf("enqueue response: %v", body)
	}

	rec = doJSON(t, h, http.MethodPost, common.PathQueueEnqueue,
		map[string]any{"batchId": otherID, "submissionId": subID}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cross-batch enqueue: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, common.PathQueueEnqueue,
		map[string]any{"batchId": batchID, "submissionId": "ghost"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown submission enqueue: %d", rec.Code)
	}
}

func TestRegrade_Flow(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3", "courseId": "course-1"})
	subID, uploadURL := createSubmission(t, h, batchID, "Dana", "answer.mp3", common.MimeAudioMPEG)
	if rec := putMedia(t, h, uploadURL, []byte("fake-audio-bytes")); rec.Code != http.StatusOK {
		t.Fatalf("upload: %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, common.PathQueueTrigger, map[string]any{}, nil); rec.Code != http.StatusOK {
		t.Fatalf("trigger: %d", rec.Code)
	}
	waitForBatchStatus(t, h, batchID, grading.GradingCompleted)

	// Empty selector is rejected.
	rec := doJSON(t, h, http.MethodPost, common.PathRegrade, map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty regrade: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, common.PathRegrade, map[string]any{"batchId": batchID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("regrade: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["regraded"] != float64(1) {
		t.Fatalf("regraded: %v", body)
	}

	// The fire-and-forget drain picks the reset submission back up.
	waitForBatchStatus(t, h, batchID, grading.GradingCompleted)
	rec = doJSON(t, h, http.MethodGet, common.PathSubmissions+"/"+subID, nil, nil)
	if sub := decodeBody(t, rec); sub["status"] != string(grading.StatusReady) {
		t.Fatalf("submission after regrade: %v", sub["status"])
	}
}

func TestBundleLifecycle(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler

	rec := doJSON(t, h, http.MethodPost, common.PathBundles, map[string]any{
		"name":          "oral exam rubric",
		"assignmentId":  "assign-1",
		"rubric":        "be rigorous",
		"courseContext": "chapter 1",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bundle: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	bundle, _ := body["bundle"].(map[string]any)
	version, _ := body["version"].(map[string]any)
	if bundle == nil || version == nil {
		t.Fatalf("create response: %s", rec.Body.String())
	}
	bundleID, _ := bundle["id"].(string)
	if bundle["currentVersion"] != float64(1) || version["version"] != float64(1) {
		t.Fatalf("initial snapshot missing: %v / %v", bundle, version)
	}

	// One bundle per assignment.
	rec = doJSON(t, h, http.MethodPost, common.PathBundles, map[string]any{
		"name":         "duplicate",
		"assignmentId": "assign-1",
		"rubric":       "other",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate assignment bundle: %d", rec.Code)
	}

	// Editing the current content does not touch existing versions.
	rec = doJSON(t, h, http.MethodPut, common.PathBundles+"/"+bundleID, map[string]any{"rubric": "be kind"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update bundle: %d %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody(t, rec)
	if updated["rubric"] != "be kind" || updated["currentVersion"] != float64(1) {
		t.Fatalf("updated bundle: %v", updated)
	}

	rec = doJSON(t, h, http.MethodPut, common.PathBundles+"/"+bundleID, map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty update: %d", rec.Code)
	}

	// Snapshot by assignment, then by bundle id.
	rec = doJSON(t, h, http.MethodPost, common.PathBundleSnapshot, map[string]any{"assignmentId": "assign-1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot by assignment: %d %s", rec.Code, rec.Body.String())
	}
	if v := decodeBody(t, rec); v["version"] != float64(2) || v["rubric"] != "be kind" {
		t.Fatalf("second version: %v", v)
	}
	rec = doJSON(t, h, http.MethodPost, common.PathBundleSnapshot, map[string]any{"bundleId": bundleID}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot by id: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, common.PathBundleSnapshot, map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("snapshot without selector: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, common.PathBundles+"/"+bundleID+"/versions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list versions: %d", rec.Code)
	}
	versions, _ := decodeBody(t, rec)["versions"].([]any)
	if len(versions) != 3 {
		t.Fatalf("versions: %v", versions)
	}
	newest, _ := versions[0].(map[string]any)
	if newest["version"] != float64(3) {
		t.Fatalf("versions not newest first: %v", versions)
	}
}

func makeMultipart(t *testing.T, fieldName, filename string, content []byte) (string, *bytes.Buffer) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(content)); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return w.FormDataContentType(), &b
}

func TestAddMaterial_AppendsToCourseContext(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler

	rec := doJSON(t, h, http.MethodPost, common.PathBundles, map[string]any{
		"name":   "rubric only",
		"rubric": "grade the argument",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bundle: %d", rec.Code)
	}
	bundle, _ := decodeBody(t, rec)["bundle"].(map[string]any)
	bundleID, _ := bundle["id"].(string)

	ctype, body := makeMultipart(t, "file", "notes.txt", []byte("photosynthesis converts light into chemical energy"))
	req := httptest.NewRequest(http.MethodPost, common.PathBundles+"/"+bundleID+"/materials", body)
	req.Header.Set("Content-Type", ctype)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("add material: %d %s", out.Code, out.Body.String())
	}
	res := decodeBody(t, out)
	if res["filename"] != "notes.txt" || res["wordCount"] != float64(6) {
		t.Fatalf("material response: %v", res)
	}

	rec = doJSON(t, h, http.MethodGet, common.PathBundles+"/"+bundleID, nil, nil)
	got := decodeBody(t, rec)
	cc, _ := got["courseContext"].(string)
	if !strings.HasPrefix(cc, "## notes.txt") || !strings.Contains(cc, "photosynthesis") {
		t.Fatalf("courseContext: %q", cc)
	}
}

func TestUpload_TokenChecks(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc).Handler
	batchID := createBatch(t, h, map[string]any{"name": "week 3", "courseId": "course-1"})
	_, uploadURL := createSubmission(t, h, batchID, "Dana", "answer.mp3", common.MimeAudioMPEG)

	u, err := url.Parse(uploadURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}

	// Garbage token.
	req := httptest.NewRequest(http.MethodPut, u.Path+"?token=garbage", strings.NewReader("bytes"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("garbage token: %d", rec.Code)
	}

	// An upload token must not open the download endpoint.
	key := strings.TrimPrefix(u.Path, common.PathUploads+"/")
	dlPath := common.PathFiles + "/" + key + "?token=" + u.Query().Get("token")
	rec = doJSON(t, h, http.MethodGet, dlPath, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("op-mismatched token: %d", rec.Code)
	}

	// The real token still works afterwards.
	if rec := putMedia(t, h, uploadURL, []byte("bytes")); rec.Code != http.StatusOK {
		t.Fatalf("valid upload: %d %s", rec.Code, rec.Body.String())
	}
}
