package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jo-hoe/gograder/internal/ai"
	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/config"
	"github.com/jo-hoe/gograder/internal/dispatch"
	"github.com/jo-hoe/gograder/internal/grading"
	"github.com/jo-hoe/gograder/internal/processor"
	"github.com/jo-hoe/gograder/internal/reconcile"
	"github.com/jo-hoe/gograder/internal/storage"
)

type Service struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Store      grading.Store
	Dispatcher *dispatch.Controller
	Worker     *processor.Worker
	Reconciler *reconcile.Reconciler
	Media      *storage.MediaStore
	Extractor  ai.Extractor
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathBatches, svc.withCommon(svc.handleCreateBatch))
	mux.HandleFunc(http.MethodGet+" "+common.PathBatches+"/{id}", svc.withCommon(svc.handleGetBatch))
	mux.HandleFunc(http.MethodGet+" "+common.PathBatches+"/{id}/status", svc.withCommon(svc.handleBatchStatus))
	mux.HandleFunc(http.MethodPost+" "+common.PathBatches+"/{id}/submissions", svc.withCommon(svc.handleCreateSubmission))
	mux.HandleFunc(http.MethodGet+" "+common.PathSubmissions+"/{id}", svc.withCommon(svc.handleGetSubmission))

	mux.HandleFunc(http.MethodPost+" "+common.PathQueueEnqueue, svc.withCommon(svc.handleEnqueue))
	mux.HandleFunc(http.MethodPost+" "+common.PathQueueTrigger, svc.withCommon(svc.handleTrigger))
	mux.HandleFunc(http.MethodPost+" "+common.PathRegrade, svc.withCommon(svc.handleRegrade))

	mux.HandleFunc(http.MethodPost+" "+common.PathBundles, svc.withCommon(svc.handleCreateBundle))
	mux.HandleFunc(http.MethodGet+" "+common.PathBundles+"/{id}", svc.withCommon(svc.handleGetBundle))
	mux.HandleFunc(http.MethodPut+" "+common.PathBundles+"/{id}", svc.withCommon(svc.handleUpdateBundle))
	mux.HandleFunc(http.MethodPost+" "+common.PathBundleSnapshot, svc.withCommon(svc.handleSnapshotBundle))
	mux.HandleFunc(http.MethodGet+" "+common.PathBundles+"/{id}/versions", svc.withCommon(svc.handleListBundleVersions))
	mux.HandleFunc(http.MethodPost+" "+common.PathBundles+"/{id}/materials", svc.withCommon(svc.handleAddMaterial))

	mux.HandleFunc(http.MethodPut+" "+common.PathUploads+"/{key...}", svc.withCommon(svc.handleUpload))
	mux.HandleFunc(http.MethodGet+" "+common.PathFiles+"/{key...}", svc.withCommon(svc.handleDownload))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

var validate = validator.New()

// decodeValid decodes the JSON body into T and runs struct validation.
func decodeValid[T any](r *http.Request) (*T, error) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// writeStoreError maps record-store errors onto HTTP statuses: the not-found
// sentinels become 404, anything else is an opaque 500.
func (svc *Service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grading.ErrSubmissionNotFound),
		errors.Is(err, grading.ErrBatchNotFound),
		errors.Is(err, grading.ErrBundleNotFound),
		errors.Is(err, grading.ErrBundleVersionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		svc.Log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
