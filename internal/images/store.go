package images

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AssetStore persists downloaded images and returns a reference to them
type AssetStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// LocalStore writes images into a directory and optionally renders a
// square thumbnail next to each one.
type LocalStore struct {
	dir        string
	thumbnails *Thumbnailer
	logger     *slog.Logger
}

// NewLocalStore creates a store rooted at dir. A nil thumbnailer disables thumbnails.
func NewLocalStore(dir string, thumbnails *Thumbnailer, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{dir: dir, thumbnails: thumbnails, logger: logger}
}

// Put writes the image and returns its path
func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", err
	}

	destPath := filepath.Join(s.dir, filepath.Base(key))
	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if s.thumbnails != nil {
		if _, err := s.thumbnails.Render(destPath); err != nil {
			s.logger.Warn("thumbnail failed", "path", destPath, "error", err)
		}
	}

	return destPath, nil
}

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads images to a bucket
type S3Store struct {
	client    S3API
	bucket    string
	prefix    string
	publicURL string
}

// NewS3Store creates a store uploading under prefix in bucket. When publicURL
// is set, references are returned as URLs below it.
func NewS3Store(client S3API, bucket, prefix, publicURL string) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Put uploads the image and returns its URL or s3:// reference
func (s *S3Store) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = s.prefix + "/" + key
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	if s.publicURL != "" {
		return s.publicURL + "/" + objectKey, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}
