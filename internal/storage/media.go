// Package storage keeps submitted media on local disk and issues presigned,
// expiring upload/download URLs for it. Signing uses HS256 JWTs so a URL is
// self-contained: the server holding the secret can verify it statelessly.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/jo-hoe/gograder/internal/common"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrFileNotFound = errors.New("file not found")
)

// Token operations embedded in presigned URLs.
const (
	OpUpload   = "put"
	OpDownload = "get"
)

// MediaStore stores media under baseDir/uploads, addressed by file keys of
// the form batchID/submissionID/filename.
type MediaStore struct {
	baseDir string
	baseURL string
	secret  []byte
	ttl     time.Duration
}

// PresignedURL is one issued, expiring URL.
type PresignedURL struct {
	URL       string    `json:"url"`
	FileKey   string    `json:"fileKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewMediaStore creates a store rooted at baseDir/uploads. publicBaseURL is
// the externally reachable prefix of this service used in issued URLs.
func NewMediaStore(baseDir, publicBaseURL, signSecret string, ttl time.Duration) *MediaStore {
	return &MediaStore{
		baseDir: filepath.Join(baseDir, common.UploadsDirName),
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		secret:  []byte(signSecret),
		ttl:     ttl,
	}
}

// FileKey derives the deterministic storage key for one upload.
func FileKey(batchID, submissionID, filename string) string {
	return batchID + "/" + submissionID + "/" + sanitizeFilename(filename)
}

// ParseFileKey splits a key back into its owning batch and submission ids.
func ParseFileKey(key string) (batchID, submissionID string, err error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("malformed file key %q", key)
	}
	return parts[0], parts[1], nil
}

// IssueUploadURL returns a presigned PUT URL for one submission's media.
func (s *MediaStore) IssueUploadURL(batchID, submissionID, filename string) (*PresignedURL, error) {
	return s.issue(FileKey(batchID, submissionID, filename), OpUpload, common.PathUploads)
}

// IssueDownloadURL returns a presigned GET URL for a stored file reference.
func (s *MediaStore) IssueDownloadURL(fileKey string) (*PresignedURL, error) {
	return s.issue(fileKey, OpDownload, common.PathFiles)
}

func (s *MediaStore) issue(fileKey, op, basePath string) (*PresignedURL, error) {
	if len(s.secret) == 0 {
		return nil, errors.New("sign secret is not configured")
	}
	expiresAt := time.Now().Add(s.ttl)
	claims := jwt.MapClaims{
		"key": fileKey,
		"op":  op,
		"exp": expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &PresignedURL{
		URL:       fmt.Sprintf("%s%s/%s?token=%s", s.baseURL, basePath, escapeKey(fileKey), url.QueryEscape(token)),
		FileKey:   fileKey,
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// VerifyToken checks signature, expiry, operation and key binding of a
// presigned token.
func (s *MediaStore) VerifyToken(token, wantOp, wantKey string) error {
	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	key, _ := claims["key"].(string)
	op, _ := claims["op"].(string)
	if op != wantOp || key != wantKey {
		return ErrInvalidToken
	}
	return nil
}

// Save writes the media for fileKey, overwriting any previous upload for the
// same key. Re-uploads are an idempotent overwrite, not an error.
func (s *MediaStore) Save(fileKey string, r io.Reader) (int64, error) {
	dst, err := s.resolve(fileKey)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("ensure media dir: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) // #nosec G304 - path is validated by resolve
	if err != nil {
		return 0, fmt.Errorf("create media file: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(f, r)
	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("write media: %w", err)
	}
	return n, nil
}

// Open returns the stored media for fileKey.
func (s *MediaStore) Open(fileKey string) (io.ReadCloser, error) {
	src, err := s.resolve(fileKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src) // #nosec G304 - path is validated by resolve
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileKey)
	}
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	return f, nil
}

// resolve maps a file key to an on-disk path, rejecting keys that would
// escape the media root.
func (s *MediaStore) resolve(fileKey string) (string, error) {
	clean := path.Clean("/" + fileKey)
	if strings.Contains(fileKey, "..") || clean == "/" {
		return "", fmt.Errorf("invalid file key %q", fileKey)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		return "upload.bin"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func escapeKey(fileKey string) string {
	parts := strings.Split(fileKey, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
