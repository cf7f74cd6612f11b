// Package gcs implements the object store on Google Cloud Storage, one bucket per area.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	intake "github.com/censys/intake-scanner/pkg/storage"
)

// Store implements intake.ObjectStore, intake.Creator and intake.PutSigner.
type Store struct {
	client  *storage.Client
	buckets intake.Buckets
}

// New wraps an existing client.
func New(client *storage.Client, buckets intake.Buckets) *Store {
	return &Store{client: client, buckets: buckets}
}

func (s *Store) object(a intake.Area, key string) (*storage.ObjectHandle, error) {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(key), nil
}

func toInfo(a intake.Area, attrs *storage.ObjectAttrs) intake.ObjectInfo {
	return intake.ObjectInfo{
		Area:        a,
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		ETag:        attrs.Etag,
		Created:     attrs.Created,
		Metadata:    intake.NormalizeMetadata(attrs.Metadata),
	}
}

func mapErr(op string, a intake.Area, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return intake.ErrNotFound
	}
	return intake.NewObjectError(op, a, key, err)
}

// Stat returns object attributes.
func (s *Store) Stat(ctx context.Context, a intake.Area, key string) (intake.ObjectInfo, error) {
	obj, err := s.object(a, key)
	if err != nil {
		return intake.ObjectInfo{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return intake.ObjectInfo{}, mapErr("stat", a, key, err)
	}
	return toInfo(a, attrs), nil
}

// Open streams the object. The reader is pinned to the generation read by Attrs.
func (s *Store) Open(ctx context.Context, a intake.Area, key string) (io.ReadCloser, intake.ObjectInfo, error) {
	obj, err := s.object(a, key)
	if err != nil {
		return nil, intake.ObjectInfo{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, intake.ObjectInfo{}, mapErr("open", a, key, err)
	}
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, intake.ObjectInfo{}, mapErr("open", a, key, err)
	}
	return r, toInfo(a, attrs), nil
}

// Put uploads an object, replacing any existing one.
func (s *Store) Put(ctx context.Context, a intake.Area, key string, body io.Reader, size int64, contentType string) error {
	obj, err := s.object(a, key)
	if err != nil {
		return err
	}
	return s.write(ctx, "put", a, key, obj, body, contentType)
}

// Create uploads an object only if no live generation exists.
func (s *Store) Create(ctx context.Context, a intake.Area, key string, body io.Reader, size int64, contentType string) error {
	obj, err := s.object(a, key)
	if err != nil {
		return err
	}
	err = s.write(ctx, "create", a, key, obj.If(storage.Conditions{DoesNotExist: true}), body, contentType)
	if isPreconditionFailed(err) {
		return intake.ErrAlreadyExists
	}
	return err
}

func (s *Store) write(ctx context.Context, op string, a intake.Area, key string, obj *storage.ObjectHandle, body io.Reader, contentType string) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return intake.NewObjectError(op, a, key, err)
	}
	if err := w.Close(); err != nil {
		return intake.NewObjectError(op, a, key, err)
	}
	return nil
}

// Copy rewrites the object into the destination bucket with new metadata.
func (s *Store) Copy(ctx context.Context, key string, src, dst intake.Area, metadata map[string]string) error {
	from, err := s.object(src, key)
	if err != nil {
		return err
	}
	to, err := s.object(dst, key)
	if err != nil {
		return err
	}
	attrs, err := from.Attrs(ctx)
	if err != nil {
		return mapErr("copy", src, key, err)
	}
	copier := to.CopierFrom(from.Generation(attrs.Generation))
	copier.ContentType = attrs.ContentType
	copier.Metadata = metadata
	if _, err := copier.Run(ctx); err != nil {
		return mapErr("copy", dst, key, err)
	}
	return nil
}

// Delete removes the object.
func (s *Store) Delete(ctx context.Context, a intake.Area, key string) error {
	obj, err := s.object(a, key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		return mapErr("delete", a, key, err)
	}
	return nil
}

// SignPut returns a V4 signed URL for a single create-only PUT into intake.
// The signed headers bind the content type, a byte-range on the body length and
// an if-generation-match:0 precondition, so the URL cannot overwrite an object.
func (s *Store) SignPut(ctx context.Context, g intake.PutGrant) (intake.SignedPut, error) {
	bucket, err := s.buckets.Bucket(intake.AreaIntake)
	if err != nil {
		return intake.SignedPut{}, err
	}
	headers := signedHeaders(g)
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     g.ExpiresAt,
		ContentType: g.ContentType,
	}
	for name := range headers {
		if name == "Content-Type" {
			continue
		}
		opts.Headers = append(opts.Headers, strings.ToLower(name)+":"+headers.Get(name))
	}
	u, err := s.client.Bucket(bucket).SignedURL(g.Key, opts)
	if err != nil {
		return intake.SignedPut{}, fmt.Errorf("sign gcs put: %w", err)
	}
	return intake.SignedPut{Token: u, URL: u, Headers: headers}, nil
}

func signedHeaders(g intake.PutGrant) http.Header {
	h := http.Header{}
	h.Set("Content-Type", g.ContentType)
	h.Set("x-goog-content-length-range", "0,"+strconv.FormatInt(g.MaxSize, 10))
	h.Set("x-goog-if-generation-match", "0")
	return h
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
