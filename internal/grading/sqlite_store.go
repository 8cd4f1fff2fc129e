package grading

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/gograder/internal/common"
)

// SQLiteStore implements Store on a single SQLite database file. The driver
// is CGo-free, so the binary stays a plain static build.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id                    TEXT PRIMARY KEY,
	batch_id              TEXT NOT NULL,
	course_id             TEXT NOT NULL,
	assignment_id         TEXT,
	student_name          TEXT NOT NULL,
	original_filename     TEXT NOT NULL,
	mime_type             TEXT NOT NULL,
	file_key              TEXT,
	status                TEXT NOT NULL,
	transcript            TEXT,
	transcript_segments   TEXT,
	analysis              TEXT,
	rubric_evaluation     TEXT,
	questions             TEXT,
	verification_findings TEXT,
	context_citations     TEXT,
	error_message         TEXT,
	bundle_version_id     TEXT,
	created_at            TEXT NOT NULL,
	started_at            TEXT,
	completed_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_submissions_batch_id ON submissions(batch_id);

CREATE TABLE IF NOT EXISTS batches (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	course_id             TEXT NOT NULL,
	assignment_id         TEXT,
	status                TEXT NOT NULL,
	total_submissions     INTEGER NOT NULL DEFAULT 0,
	processed_count       INTEGER NOT NULL DEFAULT 0,
	failed_count          INTEGER NOT NULL DEFAULT 0,
	expected_upload_count INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL,
	updated_at            TEXT
);

CREATE TABLE IF NOT EXISTS queue_entries (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	submission_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_members (
	batch_id      TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	PRIMARY KEY (batch_id, submission_id)
);

CREATE TABLE IF NOT EXISTS bundles (
	id              TEXT PRIMARY KEY,
	assignment_id   TEXT,
	name            TEXT NOT NULL,
	rubric          TEXT NOT NULL,
	course_context  TEXT NOT NULL,
	current_version INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bundles_assignment_id
	ON bundles(assignment_id) WHERE assignment_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS bundle_versions (
	id             TEXT PRIMARY KEY,
	bundle_id      TEXT NOT NULL,
	version        INTEGER NOT NULL,
	rubric         TEXT NOT NULL,
	course_context TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (bundle_id, version)
);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. WAL keeps readers unblocked while workers write; the busy timeout
// serializes concurrent writers instead of failing them.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const submissionColumns = `id, batch_id, course_id, assignment_id, student_name,
	original_filename, mime_type, file_key, status, transcript,
	transcript_segments, analysis, rubric_evaluation, questions,
	verification_findings, context_citations, error_message,
	bundle_version_id, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	segments, err := jsonList(sub.TranscriptSegments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	analysis, err := jsonPtr(sub.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	evaluation, err := jsonPtr(sub.RubricEvaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	questions, err := jsonList(sub.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	findings, err := jsonList(sub.VerificationFindings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	citations, err := jsonList(sub.ContextCitations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (
			id, batch_id, course_id, assignment_id, student_name,
			original_filename, mime_type, file_key, status, transcript,
			transcript_segments, analysis, rubric_evaluation, questions,
			verification_findings, context_citations, error_message,
			bundle_version_id, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.BatchID, sub.CourseID, nullString(sub.AssignmentID),
		sub.StudentName, sub.OriginalFilename, sub.MimeType,
		nullString(sub.FileKey), string(sub.Status), nullString(sub.Transcript),
		segments, analysis, evaluation, questions, findings, citations,
		nullString(sub.ErrorMessage), nullString(sub.BundleVersionID),
		formatTime(sub.CreatedAt), nullTime(sub.StartedAt), nullTime(sub.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	// Membership is maintained at write time so batch lookups never depend
	// on scanning the keyspace.
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_members (batch_id, submission_id) VALUES (?, ?)`,
		sub.BatchID, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("insert batch member: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status, startedAt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if startedAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE submissions SET status = ?, started_at = ? WHERE id = ?`,
			string(status), formatTime(*startedAt), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE submissions SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) SaveTranscript(ctx context.Context, id string, transcript string, segments []TranscriptSegment) error {
	segJSON, err := jsonList(segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET transcript = ?, transcript_segments = ? WHERE id = ?`,
		transcript, segJSON, id)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) SaveEvaluation(ctx context.Context, id string, result *EvaluationResult, completedAt time.Time) error {
	evaluation, err := jsonPtr(&result.RubricEvaluation)
	if err != nil {
		return fmt.Errorf("marshal evaluation: %w", err)
	}
	analysis, err := jsonPtr(&result.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	questions, err := jsonList(result.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	findings, err := jsonList(result.VerificationFindings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	citations, err := jsonList(result.ContextCitations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET
			status = ?, rubric_evaluation = ?, analysis = ?, questions = ?,
			verification_findings = ?, context_citations = ?,
			error_message = NULL, completed_at = ?
		WHERE id = ?`,
		string(StatusReady), evaluation, analysis, questions, findings,
		citations, formatTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) SaveError(ctx context.Context, id string, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(StatusFailed), errMsg, formatTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) ResetForRegrade(ctx context.Context, id string, bundleVersionID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET
			status = ?, transcript = NULL, transcript_segments = NULL,
			analysis = NULL, rubric_evaluation = NULL, questions = NULL,
			verification_findings = NULL, context_citations = NULL,
			error_message = NULL, started_at = NULL, completed_at = NULL,
			bundle_version_id = COALESCE(?, bundle_version_id)
		WHERE id = ?`,
		string(StatusQueued), nullString(bundleVersionID), id)
	if err != nil {
		return fmt.Errorf("reset for regrade: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) PinBundleVersion(ctx context.Context, id string, versionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET bundle_version_id = ? WHERE id = ?`, versionID, id)
	if err != nil {
		return fmt.Errorf("pin bundle version: %w", err)
	}
	return affectedOr(res, ErrSubmissionNotFound)
}

func (s *SQLiteStore) SubmissionsByBatch(ctx context.Context, batchID string) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE batch_id = ? ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("query submissions by batch: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func (s *SQLiteStore) ScanSubmissionsPage(ctx context.Context, afterID string, limit int) ([]*Submission, string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, "", fmt.Errorf("scan submissions: %w", err)
	}
	defer rows.Close()
	subs, err := collectSubmissions(rows)
	if err != nil {
		return nil, "", err
	}
	lastID := afterID
	if len(subs) > 0 {
		lastID = subs[len(subs)-1].ID
	}
	return subs, lastID, nil
}

func collectSubmissions(rows *sql.Rows) ([]*Submission, error) {
	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var (
		sub                                        Submission
		assignmentID, fileKey, transcript          sql.NullString
		segments, analysis, evaluation, questions  sql.NullString
		findings, citations, errMsg, versionID     sql.NullString
		status, createdAt                          string
		startedAt, completedAt                     sql.NullString
	)
	err := row.Scan(
		&sub.ID, &sub.BatchID, &sub.CourseID, &assignmentID, &sub.StudentName,
		&sub.OriginalFilename, &sub.MimeType, &fileKey, &status, &transcript,
		&segments, &analysis, &evaluation, &questions, &findings, &citations,
		&errMsg, &versionID, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	sub.AssignmentID = stringPtr(assignmentID)
	sub.FileKey = stringPtr(fileKey)
	sub.Transcript = stringPtr(transcript)
	sub.ErrorMessage = stringPtr(errMsg)
	sub.BundleVersionID = stringPtr(versionID)
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sub.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if sub.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if err := unmarshalList(segments, &sub.TranscriptSegments); err != nil {
		return nil, fmt.Errorf("unmarshal segments: %w", err)
	}
	if err := unmarshalPtr(analysis, &sub.Analysis); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	if err := unmarshalPtr(evaluation, &sub.RubricEvaluation); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation: %w", err)
	}
	if err := unmarshalList(questions, &sub.Questions); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}
	if err := unmarshalList(findings, &sub.VerificationFindings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := unmarshalList(citations, &sub.ContextCitations); err != nil {
		return nil, fmt.Errorf("unmarshal citations: %w", err)
	}
	return &sub, nil
}

func affectedOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func jsonPtr[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func jsonList[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalPtr[T any](ns sql.NullString, dst **T) error {
	if !ns.Valid {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return err
	}
	*dst = v
	return nil
}

func unmarshalList[T any](ns sql.NullString, dst *[]T) error {
	if !ns.Valid {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
