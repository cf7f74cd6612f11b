// Package minio implements the object store on MinIO or any S3-compatible
// endpoint reachable through minio-go.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/censys/intake-scanner/pkg/storage"
)

// Store implements storage.ObjectStore, storage.Creator and storage.PutSigner.
type Store struct {
	client  *minio.Client
	buckets storage.Buckets
	now     func() time.Time
}

// New wraps an existing client.
func New(client *minio.Client, buckets storage.Buckets) *Store {
	return &Store{client: client, buckets: buckets, now: time.Now}
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func mapErr(op string, a storage.Area, key string, err error) error {
	if isNoSuchKey(err) {
		return storage.ErrNotFound
	}
	return storage.NewObjectError(op, a, key, err)
}

func toInfo(a storage.Area, oi minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Area:        a,
		Key:         oi.Key,
		Size:        oi.Size,
		ContentType: oi.ContentType,
		ETag:        oi.ETag,
		Created:     oi.LastModified,
		Metadata:    storage.NormalizeMetadata(oi.UserMetadata),
	}
}

// Stat returns object metadata.
func (s *Store) Stat(ctx context.Context, a storage.Area, key string) (storage.ObjectInfo, error) {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	oi, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, mapErr("stat", a, key, err)
	}
	return toInfo(a, oi), nil
}

// Open streams the object.
func (s *Store) Open(ctx context.Context, a storage.Area, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.ObjectInfo{}, mapErr("open", a, key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, storage.ObjectInfo{}, mapErr("open", a, key, err)
	}
	return obj, toInfo(a, stat), nil
}

// Put uploads an object, replacing any existing one.
func (s *Store) Put(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.NewObjectError("put", a, key, err)
	}
	return nil
}

// Create uploads an object with If-None-Match: *.
func (s *Store) Create(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*")
	_, err = s.client.PutObject(ctx, bucket, key, body, size, opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			return storage.ErrAlreadyExists
		}
		return storage.NewObjectError("create", a, key, err)
	}
	return nil
}

// Copy performs a server-side copy, replacing user metadata on the destination.
func (s *Store) Copy(ctx context.Context, key string, src, dst storage.Area, metadata map[string]string) error {
	srcBucket, err := s.buckets.Bucket(src)
	if err != nil {
		return err
	}
	dstBucket, err := s.buckets.Bucket(dst)
	if err != nil {
		return err
	}
	stat, err := s.client.StatObject(ctx, srcBucket, key, minio.StatObjectOptions{})
	if err != nil {
		return mapErr("copy", src, key, err)
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if stat.ContentType != "" {
		meta["Content-Type"] = stat.ContentType
	}

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: key, UserMetadata: meta, ReplaceMetadata: true},
		minio.CopySrcOptions{Bucket: srcBucket, Object: key, MatchETag: stat.ETag},
	)
	if err != nil {
		return mapErr("copy", dst, key, err)
	}
	return nil
}

// Delete removes the object. RemoveObject succeeds on missing keys, so the
// existence check keeps ErrNotFound semantics.
func (s *Store) Delete(ctx context.Context, a storage.Area, key string) error {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		return mapErr("delete", a, key, err)
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return storage.NewObjectError("delete", a, key, err)
	}
	return nil
}

// SignPut presigns a PUT whose signature covers Content-Type, the exact
// declared Content-Length and If-None-Match: *.
func (s *Store) SignPut(ctx context.Context, g storage.PutGrant) (storage.SignedPut, error) {
	bucket, err := s.buckets.Bucket(storage.AreaIntake)
	if err != nil {
		return storage.SignedPut{}, err
	}
	ttl := g.ExpiresAt.Sub(s.now()).Round(time.Second)
	if ttl < time.Second {
		return storage.SignedPut{}, fmt.Errorf("sign minio put: grant already expired")
	}
	headers := signedHeaders(g)
	u, err := s.client.PresignHeader(ctx, http.MethodPut, bucket, g.Key, ttl, url.Values{}, headers)
	if err != nil {
		return storage.SignedPut{}, fmt.Errorf("sign minio put: %w", err)
	}
	return storage.SignedPut{Token: u.String(), URL: u.String(), Headers: headers}, nil
}

func signedHeaders(g storage.PutGrant) http.Header {
	h := http.Header{}
	h.Set("Content-Type", g.ContentType)
	h.Set("Content-Length", strconv.FormatInt(g.Size, 10))
	h.Set("If-None-Match", "*")
	return h
}
