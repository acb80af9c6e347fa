package bundlestore

import (
	"context"
	"time"
)

// PutRequest is the write-path input: slug/version identify the bundle,
// Filename and ContentType describe the artifact, Force allows overwriting
// an artifact whose checksum differs from what is already stored.
type PutRequest struct {
	Slug        string
	Version     string
	Filename    string
	ContentType string
	Data        []byte
	Force       bool
}

// PutResult is the write-path output.
type PutResult struct {
	Path     string
	Checksum string
	Size     int64
	Reused   bool // true if an existing artifact with a matching checksum was kept
}

// DownloadURL is the read-path output of createDownloadUrl.
type DownloadURL struct {
	Storage   string
	URL       string
	ExpiresAt time.Time
	Kind      string
}

// Backend is the capability interface every storage kind implements.
// Local and S3 backends both satisfy it; the bundle store never branches
// on backend kind outside of construction.
type Backend interface {
	// Put writes req's bytes to the backend, sanitizing slug/version/filename
	// segments, and returns the resolved storage path and checksum. If an
	// artifact already exists at the resolved path with a matching checksum,
	// it is reused without a rewrite.
	Put(ctx context.Context, req PutRequest) (*PutResult, error)

	// Get reads the full bytes stored at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the artifact at path, if present.
	Delete(ctx context.Context, path string) error

	// SignedURL mints a time-limited download URL for path.
	SignedURL(ctx context.Context, path string, ttl time.Duration, filename string) (*DownloadURL, error)

	// Kind identifies the backend for DownloadURL.Storage ("local" | "s3").
	Kind() string
}
