package bundlestore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
)

// LocalBackend stores artifacts under a root directory as
// <root>/<slug>/<version>/<filename>, and signs download tokens with an
// HMAC-SHA256 secret.
type LocalBackend struct {
	Root          string
	SigningSecret string
}

// NewLocalBackend builds a LocalBackend rooted at root, creating it if
// necessary.
func NewLocalBackend(root, signingSecret string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle store root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve bundle store root: %w", err)
	}
	return &LocalBackend{Root: abs, SigningSecret: signingSecret}, nil
}

func (b *LocalBackend) Kind() string { return "local" }

func (b *LocalBackend) Put(ctx context.Context, req PutRequest) (*PutResult, error) {
	slugSeg := SanitizeSegment(req.Slug, "bundle")
	versionSeg := SanitizeSegment(req.Version, "v")
	filename := SanitizeFilename(req.Filename)
	relPath := filepath.Join(slugSeg, versionSeg, filename)

	absPath, err := b.resolve(relPath)
	if err != nil {
		return nil, err
	}
	checksum := Checksum(req.Data)

	if existing, err := os.ReadFile(absPath); err == nil {
		existingChecksum := Checksum(existing)
		if existingChecksum == checksum {
			return &PutResult{Path: relPath, Checksum: checksum, Size: int64(len(existing)), Reused: true}, nil
		}
		if !req.Force {
			return nil, apperrors.New(apperrors.KindConflict, "artifact already exists with a different checksum")
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	if err := os.WriteFile(absPath, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write bundle artifact: %w", err)
	}
	return &PutResult{Path: relPath, Checksum: checksum, Size: int64(len(req.Data))}, nil
}

func (b *LocalBackend) Get(ctx context.Context, path string) ([]byte, error) {
	absPath, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.KindNotFound, "bundle artifact not found")
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle artifact: %w", err)
	}
	return data, nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	absPath, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete bundle artifact: %w", err)
	}
	return nil
}

// resolve joins path under Root and rejects any result that escapes it.
func (b *LocalBackend) resolve(path string) (string, error) {
	joined := filepath.Join(b.Root, path)
	rel, err := filepath.Rel(b.Root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.KindValidation, "bundle path escapes storage root")
	}
	return joined, nil
}

func (b *LocalBackend) SignedURL(ctx context.Context, path string, ttl time.Duration, filename string) (*DownloadURL, error) {
	parts := strings.SplitN(filepath.ToSlash(path), "/", 3)
	if len(parts) < 2 {
		return nil, apperrors.New(apperrors.KindValidation, "path must be <slug>/<version>/<filename>")
	}
	slug, version := parts[0], parts[1]
	expiresAt := time.Now().Add(ttl)
	token := SignDownloadToken(b.SigningSecret, slug, version, path, expiresAt)

	url := fmt.Sprintf("/job-bundles/%s/versions/%s/download?expires=%d&token=%s",
		slug, version, expiresAt.UnixMilli(), token)
	if filename != "" {
		url += "&filename=" + SanitizeFilename(filename)
	}
	return &DownloadURL{Storage: "local", URL: url, ExpiresAt: expiresAt, Kind: "local"}, nil
}

// SignDownloadToken computes the HMAC-SHA256 token over the canonical
// message "v1\n<slug>\n<version>\n<path>\n<expiresMs>".
func SignDownloadToken(secret, slug, version, path string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	msg := fmt.Sprintf("v1\n%s\n%s\n%s\n%d", slug, version, path, expiresAt.UnixMilli())
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDownloadToken checks token against the expected HMAC in constant
// time, and that expiresAtMs has not passed.
func VerifyDownloadToken(secret, slug, version, path string, expiresAtMs int64, token string) bool {
	if time.Now().UnixMilli() > expiresAtMs {
		return false
	}
	expected := SignDownloadToken(secret, slug, version, path, time.UnixMilli(expiresAtMs))
	expectedBytes, err1 := hex.DecodeString(expected)
	gotBytes, err2 := hex.DecodeString(token)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expectedBytes, gotBytes)
}
