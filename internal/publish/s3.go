package publish

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// S3Config locates an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	// BaseURL is the public prefix for published objects (default: the
	// endpoint URL plus bucket).
	BaseURL string
}

// S3 uploads rendered output as objects.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3 creates an S3 publisher. No request is made until Publish.
func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) key(task *schema.Task) string {
	return path.Join(s.cfg.Prefix, FileName(task))
}

func (s *S3) location(key string) string {
	base := s.cfg.BaseURL
	if base == "" {
		u := url.URL{Scheme: "http", Host: s.cfg.Endpoint, Path: "/" + s.cfg.Bucket}
		if s.cfg.UseSSL {
			u.Scheme = "https"
		}
		base = u.String()
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// Publish implements Publisher.
func (s *S3) Publish(ctx context.Context, task *schema.Task) (string, error) {
	body, err := Render(task)
	if err != nil {
		return "", err
	}
	key := s.key(task)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
	})
	if err != nil {
		return "", &TransportError{Op: "put", Target: s.cfg.Bucket + "/" + key, Err: err}
	}
	return s.location(key), nil
}
