package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jo-hoe/gograder/internal/grading"
	"github.com/jo-hoe/gograder/internal/util"
)

type createBundleRequest struct {
	Name          string  `json:"name" validate:"required"`
	AssignmentID  *string `json:"assignmentId"`
	Rubric        string  `json:"rubric" validate:"required"`
	CourseContext string  `json:"courseContext"`
}

type bundleResponse struct {
	ID             string     `json:"id"`
	AssignmentID   *string    `json:"assignmentId,omitempty"`
	Name           string     `json:"name"`
	Rubric         string     `json:"rubric"`
	CourseContext  string     `json:"courseContext"`
	CurrentVersion int        `json:"currentVersion"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

type bundleVersionResponse struct {
	ID            string    `json:"id"`
	BundleID      string    `json:"bundleId"`
	Version       int       `json:"version"`
	Rubric        string    `json:"rubric"`
	CourseContext string    `json:"courseContext"`
	CreatedAt     time.Time `json:"createdAt"`
}

func bundleToOut(b *grading.Bundle) bundleResponse {
	return bundleResponse{
		ID:             b.ID,
		AssignmentID:   b.AssignmentID,
		Name:           b.Name,
		Rubric:         b.Rubric,
		CourseContext:  b.CourseContext,
		CurrentVersion: b.CurrentVersion,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func versionToOut(v *grading.BundleVersion) bundleVersionResponse {
	return bundleVersionResponse{
		ID:            v.ID,
		BundleID:      v.BundleID,
		Version:       v.Version,
		Rubric:        v.Rubric,
		CourseContext: v.CourseContext,
		CreatedAt:     v.CreatedAt,
	}
}

// handleCreateBundle creates the bundle and immediately snapshots version 1,
// so every bundle always has at least one immutable version to pin against.
func (svc *Service) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[createBundleRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AssignmentID != nil && *req.AssignmentID != "" {
		if _, err := svc.Store.GetBundleByAssignment(r.Context(), *req.AssignmentID); err == nil {
			http.Error(w, "bundle already exists for assignment", http.StatusConflict)
			return
		}
	}
	b := &grading.Bundle{
		ID:            util.NewID(),
		AssignmentID:  req.AssignmentID,
		Name:          req.Name,
		Rubric:        req.Rubric,
		CourseContext: req.CourseContext,
		CreatedAt:     time.Now().UTC(),
	}
	if err := svc.Store.CreateBundle(r.Context(), b); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	ver, err := svc.Store.SnapshotBundle(r.Context(), b.ID)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	b.CurrentVersion = ver.Version
	svc.Log.Info("bundle created", "bundle_id", b.ID, "version", ver.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"bundle":  bundleToOut(b),
		"version": versionToOut(ver),
	})
}

func (svc *Service) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	b, err := svc.Store.GetBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleToOut(b))
}

type updateBundleRequest struct {
	Name          *string `json:"name"`
	Rubric        *string `json:"rubric"`
	CourseContext *string `json:"courseContext"`
}

// handleUpdateBundle rewrites the mutable current content. Existing versions
// stay frozen; nothing is pinned to the new text until the next snapshot.
func (svc *Service) handleUpdateBundle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := svc.Store.GetBundle(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	req, err := decodeValid[updateBundleRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == nil && req.Rubric == nil && req.CourseContext == nil {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}
	name, rubric, courseContext := b.Name, b.Rubric, b.CourseContext
	if req.Name != nil {
		name = *req.Name
	}
	if req.Rubric != nil {
		rubric = *req.Rubric
	}
	if req.CourseContext != nil {
		courseContext = *req.CourseContext
	}
	if err := svc.Store.UpdateBundleContent(r.Context(), id, name, rubric, courseContext); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	updated, err := svc.Store.GetBundle(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	svc.Log.Info("bundle updated", "bundle_id", id)
	writeJSON(w, http.StatusOK, bundleToOut(updated))
}

type snapshotRequest struct {
	BundleID     string `json:"bundleId"`
	AssignmentID string `json:"assignmentId"`
}

// handleSnapshotBundle freezes the current content of a bundle, addressed by
// bundle id or by assignment, into a new immutable version.
func (svc *Service) handleSnapshotBundle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[snapshotRequest](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bundleID := req.BundleID
	if bundleID == "" {
		if req.AssignmentID == "" {
			http.Error(w, "bundleId or assignmentId required", http.StatusBadRequest)
			return
		}
		b, err := svc.Store.GetBundleByAssignment(r.Context(), req.AssignmentID)
		if err != nil {
			svc.writeStoreError(w, err)
			return
		}
		bundleID = b.ID
	}
	ver, err := svc.Store.SnapshotBundle(r.Context(), bundleID)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	svc.Log.Info("bundle snapshot taken", "bundle_id", bundleID, "version", ver.Version)
	writeJSON(w, http.StatusCreated, versionToOut(ver))
}

func (svc *Service) handleListBundleVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := svc.Store.GetBundle(r.Context(), id); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	versions, err := svc.Store.ListBundleVersions(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	out := make([]bundleVersionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionToOut(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

// handleAddMaterial extracts text from an uploaded course material file and
// appends it to the bundle's current course context.
func (svc *Service) handleAddMaterial(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := svc.Store.GetBundle(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()

	ext, err := svc.Extractor.Extract(r.Context(), f, fh.Filename)
	if err != nil {
		svc.Log.Error("extract material", "bundle_id", id, "filename", fh.Filename, "err", err)
		http.Error(w, "extraction failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	merged := appendMaterial(b.CourseContext, fh.Filename, ext.Text)
	if err := svc.Store.UpdateBundleContent(r.Context(), id, b.Name, b.Rubric, merged); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	svc.Log.Info("course material added", "bundle_id", id, "filename", fh.Filename, "words", ext.WordCount)
	writeJSON(w, http.StatusOK, map[string]any{"filename": fh.Filename, "wordCount": ext.WordCount})
}

func appendMaterial(existing, filename, text string) string {
	section := fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(text))
	if strings.TrimSpace(existing) == "" {
		return section
	}
	return existing + "\n\n" + section
}
