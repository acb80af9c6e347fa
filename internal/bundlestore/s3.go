package bundlestore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/breaker"
)

// S3Config carries the connection details for an S3-compatible bucket
// (AWS S3, MinIO, LocalStack).
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	Prefix         string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
}

// S3Backend stores artifacts under Config.Prefix in an S3-compatible
// bucket and mints presigned GET URLs for downloads.
type S3Backend struct {
	cfg      S3Config
	client   *s3.S3
	uploader *s3manager.Uploader
	breaker  *breaker.CircuitBreaker
}

// NewS3Backend opens an AWS session against cfg and verifies bucket access.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	client := s3.New(sess)

	headCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucketWithContext(headCtx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("access bucket %s: %w", cfg.Bucket, err)
	}

	return &S3Backend{
		cfg:      cfg,
		client:   client,
		uploader: s3manager.NewUploader(sess),
		breaker:  breaker.New(time.Minute, 30*time.Second, 0.5, 5),
	}, nil
}

func (b *S3Backend) Kind() string { return "s3" }

func (b *S3Backend) key(path string) string {
	if b.cfg.Prefix == "" {
		return path
	}
	return b.cfg.Prefix + "/" + path
}

func (b *S3Backend) Put(ctx context.Context, req PutRequest) (*PutResult, error) {
	slugSeg := SanitizeSegment(req.Slug, "bundle")
	versionSeg := SanitizeSegment(req.Version, "v")
	filename := SanitizeFilename(req.Filename)
	relPath := slugSeg + "/" + versionSeg + "/" + filename
	checksum := Checksum(req.Data)

	if existing, err := b.Get(ctx, relPath); err == nil {
		if Checksum(existing) == checksum {
			return &PutResult{Path: relPath, Checksum: checksum, Size: int64(len(existing)), Reused: true}, nil
		}
		if !req.Force {
			return nil, apperrors.New(apperrors.KindConflict, "artifact already exists with a different checksum")
		}
	}

	if !b.breaker.Allow() {
		return nil, apperrors.New(apperrors.KindDependencyFailed, "s3 backend circuit open")
	}
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(relPath)),
		Body:        bytes.NewReader(req.Data),
		ContentType: aws.String(req.ContentType),
		Metadata: map[string]*string{
			"checksum": aws.String(checksum),
		},
	})
	b.breaker.Record(err == nil)
	if err != nil {
		return nil, fmt.Errorf("upload bundle artifact: %w", err)
	}
	return &PutResult{Path: relPath, Checksum: checksum, Size: int64(len(req.Data))}, nil
}

func (b *S3Backend) Get(ctx context.Context, path string) ([]byte, error) {
	if !b.breaker.Allow() {
		return nil, apperrors.New(apperrors.KindDependencyFailed, "s3 backend circuit open")
	}
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		b.breaker.Record(isNotFound(err))
		if isNotFound(err) {
			return nil, apperrors.New(apperrors.KindNotFound, "bundle artifact not found")
		}
		return nil, fmt.Errorf("get bundle artifact: %w", err)
	}
	b.breaker.Record(true)
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("read bundle artifact body: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *S3Backend) Delete(ctx context.Context, path string) error {
	if !b.breaker.Allow() {
		return apperrors.New(apperrors.KindDependencyFailed, "s3 backend circuit open")
	}
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(path)),
	})
	b.breaker.Record(err == nil)
	if err != nil {
		return fmt.Errorf("delete bundle artifact: %w", err)
	}
	return nil
}

func (b *S3Backend) SignedURL(ctx context.Context, path string, ttl time.Duration, filename string) (*DownloadURL, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(path)),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(`attachment; filename="` + SanitizeFilename(filename) + `"`)
	}
	req, _ := b.client.GetObjectRequest(input)
	url, err := req.Presign(ttl)
	if err != nil {
		return nil, fmt.Errorf("presign download url: %w", err)
	}
	return &DownloadURL{Storage: "s3", URL: url, ExpiresAt: time.Now().Add(ttl), Kind: "s3"}, nil
}

func isNotFound(err error) bool {
	type awsError interface {
		Code() string
	}
	if ae, ok := err.(awsError); ok {
		return ae.Code() == s3.ErrCodeNoSuchKey
	}
	return false
}
