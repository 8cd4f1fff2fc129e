package grading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/gograder/internal/util"
)

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (
			id, name, course_id, assignment_id, status, total_submissions,
			processed_count, failed_count, expected_upload_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.CourseID, nullString(b.AssignmentID), string(b.Status),
		b.TotalSubmissions, b.ProcessedCount, b.FailedCount,
		b.ExpectedUploadCount, formatTime(b.CreatedAt), nullTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, course_id, assignment_id, status, total_submissions,
			processed_count, failed_count, expected_upload_count,
			created_at, updated_at
		FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// UpdateBatchCounters overwrites the cached aggregates with freshly
// recomputed values. Last write wins; the values converge because every
// writer derives them from the submission records.
func (s *SQLiteStore) UpdateBatchCounters(ctx context.Context, id string, total, processed, failed int, status BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET
			total_submissions = ?, processed_count = ?, failed_count = ?,
			status = ?, updated_at = ?
		WHERE id = ?`,
		total, processed, failed, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update batch counters: %w", err)
	}
	return affectedOr(res, ErrBatchNotFound)
}

// RaiseExpectedUploads lifts the upload hint to at least n. MAX keeps the
// value monotonic under concurrent submission creation.
func (s *SQLiteStore) RaiseExpectedUploads(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET expected_upload_count = MAX(expected_upload_count, ?) WHERE id = ?`,
		n, id)
	if err != nil {
		return fmt.Errorf("raise expected uploads: %w", err)
	}
	return affectedOr(res, ErrBatchNotFound)
}

func scanBatch(row rowScanner) (*Batch, error) {
	var (
		b            Batch
		assignmentID sql.NullString
		status       string
		createdAt    string
		updatedAt    sql.NullString
	)
	err := row.Scan(&b.ID, &b.Name, &b.CourseID, &assignmentID, &status,
		&b.TotalSubmissions, &b.ProcessedCount, &b.FailedCount,
		&b.ExpectedUploadCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.AssignmentID = stringPtr(assignmentID)
	b.Status = BatchStatus(status)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) CreateBundle(ctx context.Context, b *Bundle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundles (
			id, assignment_id, name, rubric, course_context, current_version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, nullString(b.AssignmentID), b.Name, b.Rubric, b.CourseContext,
		b.CurrentVersion, formatTime(b.CreatedAt), nullTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, name, rubric, course_context,
			current_version, created_at, updated_at
		FROM bundles WHERE id = ?`, id)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) GetBundleByAssignment(ctx context.Context, assignmentID string) (*Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, name, rubric, course_context,
			current_version, created_at, updated_at
		FROM bundles WHERE assignment_id = ?`, assignmentID)
	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle by assignment: %w", err)
	}
	return b, nil
}

// UpdateBundleContent rewrites the mutable current content. Existing version
// snapshots are untouched; submissions pinned to them keep grading against
// what they saw.
func (s *SQLiteStore) UpdateBundleContent(ctx context.Context, id, name, rubric, courseContext string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bundles SET name = ?, rubric = ?, course_context = ?, updated_at = ?
		WHERE id = ?`,
		name, rubric, courseContext, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update bundle: %w", err)
	}
	return affectedOr(res, ErrBundleNotFound)
}

// SnapshotBundle freezes the bundle's current content into a new immutable
// version. The read, the version insert and the current_version bump share
// one transaction, so version numbers are strictly increasing with no gaps
// even under concurrent snapshots.
func (s *SQLiteStore) SnapshotBundle(ctx context.Context, bundleID string) (*BundleVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		rubric, courseContext string
		current               int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT rubric, course_context, current_version FROM bundles WHERE id = ?`,
		bundleID).Scan(&rubric, &courseContext, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	version := &BundleVersion{
		ID:            util.NewID(),
		BundleID:      bundleID,
		Version:       current + 1,
		Rubric:        rubric,
		CourseContext: courseContext,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bundle_versions (id, bundle_id, version, rubric, course_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		version.ID, version.BundleID, version.Version, version.Rubric,
		version.CourseContext, formatTime(version.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert bundle version: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE bundles SET current_version = ?, updated_at = ? WHERE id = ?`,
		version.Version, formatTime(version.CreatedAt), bundleID)
	if err != nil {
		return nil, fmt.Errorf("bump bundle version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) GetBundleVersion(ctx context.Context, versionID string) (*BundleVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, version, rubric, course_context, created_at
		FROM bundle_versions WHERE id = ?`, versionID)
	v, err := scanBundleVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) LatestBundleVersion(ctx context.Context, bundleID string) (*BundleVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, version, rubric, course_context, created_at
		FROM bundle_versions WHERE bundle_id = ?
		ORDER BY version DESC LIMIT 1`, bundleID)
	v, err := scanBundleVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest bundle version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListBundleVersions(ctx context.Context, bundleID string) ([]*BundleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, version, rubric, course_context, created_at
		FROM bundle_versions WHERE bundle_id = ?
		ORDER BY version DESC`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("list bundle versions: %w", err)
	}
	defer rows.Close()

	var versions []*BundleVersion
	for rows.Next() {
		v, err := scanBundleVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundle versions: %w", err)
	}
	return versions, nil
}

func scanBundle(row rowScanner) (*Bundle, error) {
	var (
		b            Bundle
		assignmentID sql.NullString
		createdAt    string
		updatedAt    sql.NullString
	)
	err := row.Scan(&b.ID, &assignmentID, &b.Name, &b.Rubric, &b.CourseContext,
		&b.CurrentVersion, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.AssignmentID = stringPtr(assignmentID)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &b, nil
}

func scanBundleVersion(row rowScanner) (*BundleVersion, error) {
	var (
		v         BundleVersion
		createdAt string
	)
	err := row.Scan(&v.ID, &v.BundleID, &v.Version, &v.Rubric,
		&v.CourseContext, &createdAt)
	if err != nil {
		return nil, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &v, nil
}
