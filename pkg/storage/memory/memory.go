// Package memory provides an in-process ObjectStore for tests and the
// standalone binary. Every successful write into the intake area is reported
// to the create hook, mirroring a bucket's object-created notifications.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/censys/intake-scanner/pkg/storage"
)

type object struct {
	data        []byte
	contentType string
	etag        string
	created     time.Time
	metadata    map[string]string
}

// Store is a map-backed ObjectStore.
type Store struct {
	mu       sync.RWMutex
	areas    map[storage.Area]map[string]*object
	onCreate func(storage.ObjectInfo)
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		areas: make(map[storage.Area]map[string]*object),
		now:   time.Now,
	}
	for _, a := range []storage.Area{storage.AreaIntake, storage.AreaClean, storage.AreaQuarantine} {
		s.areas[a] = make(map[string]*object)
	}
	return s
}

// OnCreate registers fn to be called after each write into the intake area.
// fn runs outside the store lock.
func (s *Store) OnCreate(fn func(storage.ObjectInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = fn
}

func (s *Store) area(a storage.Area) (map[string]*object, error) {
	m, ok := s.areas[a]
	if !ok {
		return nil, storage.ErrUnknownArea
	}
	return m, nil
}

func (o *object) info(a storage.Area, key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Area:        a,
		Key:         key,
		Size:        int64(len(o.data)),
		ContentType: o.contentType,
		ETag:        o.etag,
		Created:     o.created,
		Metadata:    storage.NormalizeMetadata(o.metadata),
	}
}

// Stat returns object metadata.
func (s *Store) Stat(ctx context.Context, a storage.Area, key string) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.area(a)
	if err != nil {
		return storage.ObjectInfo{}, storage.NewObjectError("stat", a, key, err)
	}
	o, ok := m[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return o.info(a, key), nil
}

// Open returns a reader over a snapshot of the object bytes.
func (s *Store) Open(ctx context.Context, a storage.Area, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.area(a)
	if err != nil {
		return nil, storage.ObjectInfo{}, storage.NewObjectError("open", a, key, err)
	}
	o, ok := m[key]
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), o.info(a, key), nil
}

// Put writes an object, replacing any existing one.
func (s *Store) Put(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	return s.write(ctx, "put", a, key, body, contentType, false)
}

// Create writes an object only if key is free in the area.
func (s *Store) Create(ctx context.Context, a storage.Area, key string, body io.Reader, size int64, contentType string) error {
	return s.write(ctx, "create", a, key, body, contentType, true)
}

func (s *Store) write(ctx context.Context, op string, a storage.Area, key string, body io.Reader, contentType string, createOnly bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.NewObjectError(op, a, key, err)
	}
	sum := md5.Sum(data)

	s.mu.Lock()
	m, err := s.area(a)
	if err != nil {
		s.mu.Unlock()
		return storage.NewObjectError(op, a, key, err)
	}
	if _, exists := m[key]; exists && createOnly {
		s.mu.Unlock()
		return storage.ErrAlreadyExists
	}
	o := &object{
		data:        data,
		contentType: contentType,
		etag:        hex.EncodeToString(sum[:]),
		created:     s.now().UTC(),
	}
	m[key] = o
	info := o.info(a, key)
	hook := s.onCreate
	s.mu.Unlock()

	if a == storage.AreaIntake && hook != nil {
		hook(info)
	}
	return nil
}

// Copy duplicates the object into dst with the given user metadata.
func (s *Store) Copy(ctx context.Context, key string, src, dst storage.Area, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, err := s.area(src)
	if err != nil {
		return storage.NewObjectError("copy", src, key, err)
	}
	to, err := s.area(dst)
	if err != nil {
		return storage.NewObjectError("copy", dst, key, err)
	}
	o, ok := from[key]
	if !ok {
		return storage.ErrNotFound
	}
	to[key] = &object{
		data:        bytes.Clone(o.data),
		contentType: o.contentType,
		etag:        o.etag,
		created:     s.now().UTC(),
		metadata:    maps.Clone(metadata),
	}
	return nil
}

// Delete removes the object.
func (s *Store) Delete(ctx context.Context, a storage.Area, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.area(a)
	if err != nil {
		return storage.NewObjectError("delete", a, key, err)
	}
	if _, ok := m[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m, key)
	return nil
}

// Keys returns the keys currently held in an area.
func (s *Store) Keys(a storage.Area) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.areas[a]))
	for k := range s.areas[a] {
		keys = append(keys, k)
	}
	return keys
}
