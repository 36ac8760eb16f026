// Package storage is the object-store facade: it writes image blobs to an
// S3-compatible bucket, persists Upload rows describing them, and fetches
// blobs back from allowed hosts only.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ErrNotAllowed is returned when a fetch URL does not point at the
// configured object-store domain.
var ErrNotAllowed = errors.New("not_allowed")

// BlobStore abstracts the S3-compatible backend.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (publicURL string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type s3Store struct {
	s3            *s3.S3
	bucket        string
	publicBaseURL string
}

// NewS3Store connects to an S3-compatible endpoint. publicBaseURL is the
// origin under which stored keys are served (e.g. the bucket's CDN domain).
func NewS3Store(accessKeyID, secretKey, endpoint, region, bucket, publicBaseURL string) (BlobStore, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Endpoint:    aws.String(endpoint),
		Credentials: credentials.NewStaticCredentials(accessKeyID, secretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 session: %w", err)
	}
	return &s3Store{
		s3:            s3.New(sess),
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         aws.String("public-read"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return s.publicBaseURL + "/" + key, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Facade combines the blob store with the Upload row repository and the
// fetch host policy.
type Facade struct {
	store        BlobStore
	uploads      *UploadRepo
	provider     string
	bucket       string
	allowedHosts map[string]bool
}

func NewFacade(store BlobStore, uploads *UploadRepo, provider, bucket string, allowedHosts []string) *Facade {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[strings.ToLower(h)] = true
	}
	return &Facade{store: store, uploads: uploads, provider: provider, bucket: bucket, allowedHosts: hosts}
}

// PutParams describes one blob to ingest.
type PutParams struct {
	UserID   string
	Purpose  string
	Filename string
	MimeType string
	Data     []byte
	Title    string
}

// Put writes the blob under a fresh storage key and persists its Upload row
// through q, which may be a live transaction when the caller needs the row
// to share its commit scope.
func (f *Facade) Put(ctx context.Context, q Execer, p PutParams) (*Upload, error) {
	key := BuildKey(p.UserID, p.Filename, timeNow())
	publicURL, err := f.store.Put(ctx, key, p.MimeType, p.Data)
	if err != nil {
		return nil, err
	}
	upload := &Upload{
		UserID:          p.UserID,
		Purpose:         p.Purpose,
		MimeType:        p.MimeType,
		SizeBytes:       int64(len(p.Data)),
		StorageProvider: f.provider,
		StorageBucket:   f.bucket,
		StorageKey:      key,
		PublicURL:       publicURL,
		Title:           p.Title,
	}
	if err := f.uploads.Insert(ctx, q, upload); err != nil {
		// The blob is orphaned if the row insert fails; best-effort removal.
		_ = f.store.Delete(ctx, key)
		return nil, err
	}
	return upload, nil
}

// Fetch dereferences a blob URL. Only hosts belonging to the configured
// object-store domain are allowed; anything else fails with ErrNotAllowed.
func (f *Facade) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url", ErrNotAllowed)
	}
	if !f.allowedHosts[strings.ToLower(u.Host)] {
		return nil, fmt.Errorf("%w: host %s", ErrNotAllowed, u.Host)
	}
	key := strings.TrimPrefix(u.Path, "/")
	return f.store.Get(ctx, key)
}

// Download reads back the blob behind an Upload row.
func (f *Facade) Download(ctx context.Context, upload *Upload) ([]byte, error) {
	return f.store.Get(ctx, upload.StorageKey)
}

// Remove deletes an Upload row together with its blob. Used by the intake
// cleanup contract when a request fails validation after writing files.
func (f *Facade) Remove(ctx context.Context, upload *Upload) error {
	if err := f.uploads.Delete(ctx, upload.ID); err != nil {
		return err
	}
	return f.store.Delete(ctx, upload.StorageKey)
}

// Uploads exposes the row repository for read paths.
func (f *Facade) Uploads() *UploadRepo {
	return f.uploads
}
