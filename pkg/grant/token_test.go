package grant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/intake-scanner/pkg/storage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestSigner(t *testing.T, now time.Time) *TokenSigner {
	t.Helper()
	s, err := NewTokenSigner(testSecret, "http://localhost:8080/")
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestNewTokenSigner_ShortSecret(t *testing.T) {
	_, err := NewTokenSigner([]byte("short"), "http://x")
	assert.Error(t, err)
}

func TestTokenSigner_SignPutRoundTrip(t *testing.T) {
	issued := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s := newTestSigner(t, issued)

	signed, err := s.SignPut(context.Background(), storage.PutGrant{
		Key:         "2026/10/19/id-report.pdf",
		ContentType: "application/pdf",
		Size:        100,
		MaxSize:     1000,
		ExpiresAt:   issued.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/uploads/"+signed.Token, signed.URL)
	assert.Equal(t, "application/pdf", signed.Headers.Get("Content-Type"))

	c, err := s.Verify(signed.Token)
	require.NoError(t, err)
	assert.Equal(t, "2026/10/19/id-report.pdf", c.Key)
	assert.Equal(t, "application/pdf", c.ContentType)
	assert.Equal(t, int64(1000), c.MaxSize)
	assert.True(t, c.Expiry().Equal(issued.Add(15*time.Minute)))
}

func TestTokenSigner_ExpiryBoundary(t *testing.T) {
	issued := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	expires := issued.Add(15 * time.Minute)
	s := newTestSigner(t, issued)

	token, err := s.Sign(Claims{Key: "k", ContentType: "text/plain", MaxSize: 10, ExpiresAt: expires.UnixNano()})
	require.NoError(t, err)

	s.now = func() time.Time { return expires.Add(-time.Nanosecond) }
	_, err = s.Verify(token)
	assert.NoError(t, err)

	s.now = func() time.Time { return expires }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	s.now = func() time.Time { return expires.Add(time.Hour) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenSigner_RejectsTampering(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s := newTestSigner(t, now)

	token, err := s.Sign(Claims{Key: "k", ContentType: "text/plain", MaxSize: 10, ExpiresAt: now.Add(time.Minute).UnixNano()})
	require.NoError(t, err)

	other, err := s.Sign(Claims{Key: "other", ContentType: "text/plain", MaxSize: 10, ExpiresAt: now.Add(time.Minute).UnixNano()})
	require.NoError(t, err)

	payload, _, _ := strings.Cut(other, ".")
	_, sig, _ := strings.Cut(token, ".")

	for _, bad := range []string{
		"",
		"no-dot",
		payload + "." + sig,
		token + "x",
		"!!!." + sig,
	} {
		_, err := s.Verify(bad)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", bad)
	}

	foreign, err := NewTokenSigner([]byte("fedcba9876543210fedcba9876543210"), "http://x")
	require.NoError(t, err)
	_, err = foreign.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
