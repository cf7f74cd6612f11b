package minio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/intake-scanner/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)
	return New(client, storage.Buckets{
		storage.AreaIntake:     "intake",
		storage.AreaClean:      "clean",
		storage.AreaQuarantine: "quarantine",
	})
}

func TestSignPut(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	signed, err := s.SignPut(context.Background(), storage.PutGrant{
		Key:         "2026/10/19/id-report.pdf",
		ContentType: "application/pdf",
		Size:        2048,
		MaxSize:     10 << 20,
		ExpiresAt:   now.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed.URL, "http://localhost:9000/intake/2026/10/19/id-report.pdf?"))
	assert.Contains(t, signed.URL, "X-Amz-Expires=900")
	assert.Contains(t, signed.URL, "X-Amz-SignedHeaders=")
	assert.Equal(t, "application/pdf", signed.Headers.Get("Content-Type"))
	assert.Equal(t, "2048", signed.Headers.Get("Content-Length"))
	assert.Equal(t, "*", signed.Headers.Get("If-None-Match"))
}

func TestSignPut_Expired(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SignPut(context.Background(), storage.PutGrant{Key: "k", ContentType: "text/plain", ExpiresAt: time.Now().Add(-time.Minute)})
	assert.Error(t, err)
}

func TestSignPut_UnknownBucket(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{Creds: credentials.NewStaticV4("a", "b", ""), Region: "us-east-1"})
	require.NoError(t, err)
	s := New(client, storage.Buckets{})
	_, err = s.SignPut(context.Background(), storage.PutGrant{Key: "k", ExpiresAt: time.Now().Add(time.Minute)})
	assert.ErrorIs(t, err, storage.ErrUnknownArea)
}
