package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Area is one of the logical object areas of the intake pipeline.
type Area string

const (
	AreaIntake     Area = "intake"
	AreaClean      Area = "clean"
	AreaQuarantine Area = "quarantine"
)

// TerminalAreas lists the areas an object may end up in.
var TerminalAreas = []Area{AreaClean, AreaQuarantine}

// Valid reports whether a is a known area.
func (a Area) Valid() bool {
	switch a {
	case AreaIntake, AreaClean, AreaQuarantine:
		return true
	}
	return false
}

var (
	// ErrNotFound indicates the object does not exist in the area.
	ErrNotFound = errors.New("storage: object not found")

	// ErrAlreadyExists indicates a create-only write found an existing object.
	ErrAlreadyExists = errors.New("storage: object already exists")

	// ErrUnknownArea indicates an area with no configured bucket.
	ErrUnknownArea = errors.New("storage: unknown area")
)

// ObjectError attaches the failing operation and object address to a backend error.
type ObjectError struct {
	Op   string
	Area Area
	Key  string
	Err  error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("storage.%s %s/%s: %v", e.Op, e.Area, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// NewObjectError wraps err with operation and object context.
func NewObjectError(op string, area Area, key string, err error) *ObjectError {
	return &ObjectError{Op: op, Area: area, Key: key, Err: err}
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Area        Area
	Key         string
	Size        int64
	ContentType string
	ETag        string
	Created     time.Time
	Metadata    map[string]string
}

// ObjectStore is the durable store holding the intake, clean and quarantine areas.
// Implementations map each area to a bucket (or an in-memory namespace).
type ObjectStore interface {
	// Stat returns object metadata, or ErrNotFound.
	Stat(ctx context.Context, area Area, key string) (ObjectInfo, error)

	// Open returns a reader over the object bytes. The caller closes it.
	Open(ctx context.Context, area Area, key string) (io.ReadCloser, ObjectInfo, error)

	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, area Area, key string, body io.Reader, size int64, contentType string) error

	// Copy copies key from src to dst, replacing the destination's user metadata
	// with metadata.
	Copy(ctx context.Context, key string, src, dst Area, metadata map[string]string) error

	// Delete removes an object. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, area Area, key string) error
}

// Creator writes an object only when the key is free, returning ErrAlreadyExists
// otherwise. Upload capabilities rely on it to stay single-use.
type Creator interface {
	Create(ctx context.Context, area Area, key string, body io.Reader, size int64, contentType string) error
}

// PutGrant describes the single write a signed upload permits.
type PutGrant struct {
	Key         string
	ContentType string
	Size        int64
	MaxSize     int64
	ExpiresAt   time.Time
}

// SignedPut is a bearer capability for one PUT into the intake area.
type SignedPut struct {
	Token   string
	URL     string
	Headers http.Header
}

// PutSigner mints time-limited upload capabilities for the intake area.
type PutSigner interface {
	SignPut(ctx context.Context, grant PutGrant) (SignedPut, error)
}

// OutcomeRecord is a terminal routing decision, kept for operators.
// It is not consulted for routing; the object's area is authoritative.
type OutcomeRecord struct {
	ObjectKey string
	Outcome   string
	Area      Area
	Signature string
	Reason    string
	Size      int64
	RoutedAt  time.Time
}

// Repository defines persistence operations for routing outcomes.
type Repository interface {
	UpsertOutcome(ctx context.Context, record OutcomeRecord) error
}

// Buckets maps each area to the bucket that holds it.
type Buckets map[Area]string

// Bucket returns the bucket configured for a.
func (b Buckets) Bucket(a Area) (string, error) {
	name, ok := b[a]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownArea, a)
	}
	return name, nil
}

// Area returns the area held by bucket, if any.
func (b Buckets) Area(bucket string) (Area, bool) {
	for a, name := range b {
		if name == bucket {
			return a, true
		}
	}
	return "", false
}

// NormalizeMetadata lower-cases metadata keys. Backends differ in how they
// canonicalize user metadata names.
func NormalizeMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
