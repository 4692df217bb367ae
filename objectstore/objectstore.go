// Package objectstore implements the content-addressed blob adapter
// (C6) over a MinIO (S3-compatible) bucket, the way the retrieval pack's
// services layer documents store over MinIO.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kbcore/kbcore/kberr"
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Path         string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store wraps a MinIO client bound to a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Config configures Open.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Open connects to the S3-compatible endpoint and idempotently creates
// the bucket if it does not already exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, kberr.Fatal("objectstore.Open", fmt.Errorf("creating minio client: %w", err))
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, kberr.Fatal("objectstore.Open", fmt.Errorf("checking bucket: %w", err))
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, kberr.Fatal("objectstore.Open", fmt.Errorf("creating bucket: %w", err))
		}
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// BlobPath builds the §3 blob layout: knowledge_bases/{kb}/documents/{doc}/{filename}.
// filename is reduced to its basename to prevent path traversal.
func BlobPath(kbID, documentID, filename string) string {
	safe := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	return fmt.Sprintf("knowledge_bases/%s/documents/%s/%s", kbID, documentID, safe)
}

// Upload writes data to the §3 blob layout path and returns the path and
// the backend's ETag.
func (s *Store) Upload(ctx context.Context, data []byte, kbID, filename, documentID, contentType string) (string, string, error) {
	objPath := BlobPath(kbID, documentID, filename)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, objPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", kberr.Transient("objectstore.Upload", err)
	}
	return objPath, info.ETag, nil
}

// Download reads the full contents of path.
func (s *Store) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, kberr.Transient("objectstore.Download", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, kberr.NotFound("objectstore.Download", err)
		}
		return nil, kberr.Transient("objectstore.Download", err)
	}
	return data, nil
}

// Delete removes a single object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return kberr.Transient("objectstore.Delete", err)
	}
	return nil
}

// DeleteByPrefix removes every object under prefix (used when a
// knowledge base is deleted: the blob prefix is a weak reference from
// the KB, §3) and returns the count removed.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	objectsCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	removeCh := make(chan minio.ObjectInfo)
	count := 0
	errCh := make(chan error, 1)

	go func() {
		defer close(removeCh)
		for obj := range objectsCh {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}
			removeCh <- obj
			count++
		}
		errCh <- nil
	}()

	for result := range s.client.RemoveObjects(ctx, s.bucket, removeCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return count, kberr.Transient("objectstore.DeleteByPrefix", result.Err)
		}
	}
	if err := <-errCh; err != nil {
		return count, kberr.Transient("objectstore.DeleteByPrefix", err)
	}
	return count, nil
}

// Exists reports whether path is present in the bucket.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, kberr.Transient("objectstore.Exists", err)
	}
	return true, nil
}

// Stat returns metadata for path without downloading its content.
func (s *Store) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, kberr.NotFound("objectstore.Stat", err)
		}
		return nil, kberr.Transient("objectstore.Stat", err)
	}
	return &ObjectInfo{
		Path:         path,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// PresignedGet returns a time-limited GET URL for path. responseHeaders
// lets the caller override things like Content-Disposition for downloads.
func (s *Store) PresignedGet(ctx context.Context, path string, ttl time.Duration, responseHeaders map[string]string) (string, error) {
	reqParams := make(url.Values)
	for k, v := range responseHeaders {
		reqParams.Set(k, v)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, ttl, reqParams)
	if err != nil {
		return "", kberr.Fatal("objectstore.PresignedGet", err)
	}
	return u.String(), nil
}

// PresignedPut returns a time-limited PUT URL for path.
func (s *Store) PresignedPut(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, path, ttl)
	if err != nil {
		return "", kberr.Fatal("objectstore.PresignedPut", err)
	}
	return u.String(), nil
}

// List enumerates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, kberr.Transient("objectstore.List", obj.Err)
		}
		out = append(out, ObjectInfo{
			Path:         obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
