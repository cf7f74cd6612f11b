// Package s3 implements the object store on AWS S3 using aws-sdk-go-v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/censys/intake-scanner/pkg/storage"
)

// API is the subset of the S3 client used by Store.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Store implements storage.ObjectStore, storage.Creator and storage.PutSigner.
type Store struct {
	api       API
	presigner *s3.PresignClient
	buckets   storage.Buckets
	now       func() time.Time
}

// New builds a store on an S3 client.
func New(client *s3.Client, buckets storage.Buckets) *Store {
	return &Store{
		api:       client,
		presigner: s3.NewPresignClient(client),
		buckets:   buckets,
		now:       time.Now,
	}
}

// NewWithAPI builds a store without presigning support.
func NewWithAPI(api API, buckets storage.Buckets) *Store {
	return &Store{api: api, buckets: buckets, now: time.Now}
}

func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func mapErr(op string, a storage.Area, key string, err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return storage.ErrNotFound
	}
	switch errorCode(err) {
	case "NotFound", "NoSuchKey":
		return storage.ErrNotFound
	}
	return storage.NewObjectError(op, a, key, err)
}

// Stat returns object metadata from HeadObject.
func (s *Store) Stat(ctx context.Context, a storage.Area, key string) (storage.ObjectInfo, error) {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return storage.ObjectInfo{}, mapErr("stat", a, key, err)
	}
	return storage.ObjectInfo{
		Area:        a,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Created:     aws.ToTime(out.LastModified),
		Metadata:    storage.NormalizeMetadata(out.Metadata),
	}, nil
}

// Open streams the object body.
func (s *Store) Open(ctx context.Context, a storage.Area, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, storage.ObjectInfo{}, mapErr("open", a, key, err)
	}
	info := storage.ObjectInfo{
		Area:        a,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
		Created:     aws.ToTime(out.LastModified),
		Metadata:    storage.NormalizeMetadata(out.Metadata),
	}
	return out.Body, info, nil
}

// Put uploads an object, replacing any existing one.
func (s *Store) Put(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	return s.put(ctx, "put", a, key, body, size, contentType, nil)
}

// Create uploads an object with If-None-Match: *.
func (s *Store) Create(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	err := s.put(ctx, "create", a, key, body, size, contentType, aws.String("*"))
	if errorCode(err) == "PreconditionFailed" {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) put(ctx context.Context, op string, a storage.Area, key string, body io.Reader, size int64, contentType string, ifNoneMatch *string) error {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		IfNoneMatch: ifNoneMatch,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return storage.NewObjectError(op, a, key, err)
	}
	return nil
}

// Copy performs a server-side copy with MetadataDirective REPLACE.
func (s *Store) Copy(ctx context.Context, key string, src, dst storage.Area, metadata map[string]string) error {
	srcBucket, err := s.buckets.Bucket(src)
	if err != nil {
		return err
	}
	dstBucket, err := s.buckets.Bucket(dst)
	if err != nil {
		return err
	}
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(srcBucket), Key: aws.String(key)})
	if err != nil {
		return mapErr("copy", src, key, err)
	}
	_, err = s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(dstBucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(srcBucket, key)),
		CopySourceIfMatch: head.ETag,
		ContentType:       head.ContentType,
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return mapErr("copy", dst, key, err)
	}
	return nil
}

func copySource(bucket, key string) string {
	return bucket + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}

// Delete removes the object. DeleteObject succeeds on missing keys, so the
// HeadObject check keeps ErrNotFound semantics.
func (s *Store) Delete(ctx context.Context, a storage.Area, key string) error {
	bucket, err := s.buckets.Bucket(a)
	if err != nil {
		return err
	}
	if _, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return mapErr("delete", a, key, err)
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return storage.NewObjectError("delete", a, key, err)
	}
	return nil
}

// SignPut presigns a create-only PutObject bound to the declared type and length.
func (s *Store) SignPut(ctx context.Context, g storage.PutGrant) (storage.SignedPut, error) {
	if s.presigner == nil {
		return storage.SignedPut{}, errors.New("sign s3 put: presigning not configured")
	}
	bucket, err := s.buckets.Bucket(storage.AreaIntake)
	if err != nil {
		return storage.SignedPut{}, err
	}
	ttl, err := presignTTL(g.ExpiresAt, s.now())
	if err != nil {
		return storage.SignedPut{}, err
	}
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(g.Key),
		ContentType:   aws.String(g.ContentType),
		ContentLength: aws.Int64(g.Size),
		IfNoneMatch:   aws.String("*"),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return storage.SignedPut{}, fmt.Errorf("sign s3 put: %w", err)
	}
	headers := http.Header{}
	for name, values := range req.SignedHeader {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return storage.SignedPut{Token: req.URL, URL: req.URL, Headers: headers}, nil
}

// presignTTL is the whole seconds left until expiresAt. It rounds down so the
// URL never outlives the grant.
func presignTTL(expiresAt, now time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(now).Truncate(time.Second)
	if ttl < time.Second {
		return 0, errors.New("sign s3 put: grant already expired")
	}
	return ttl, nil
}
