package grant

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/censys/intake-scanner/pkg/storage"
)

// Claims is the payload of a local upload token.
type Claims struct {
	Key         string `json:"k"`
	ContentType string `json:"ct"`
	MaxSize     int64  `json:"max"`
	ExpiresAt   int64  `json:"exp"`
}

// Expiry returns the instant after which the token is rejected.
func (c Claims) Expiry() time.Time {
	return time.Unix(0, c.ExpiresAt).UTC()
}

// TokenSigner mints and verifies HMAC-SHA256 upload tokens for the local
// upload endpoint. It implements storage.PutSigner.
type TokenSigner struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewTokenSigner returns a signer whose upload URLs are rooted at baseURL.
func NewTokenSigner(secret []byte, baseURL string) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("upload token secret must be at least 32 bytes")
	}
	return &TokenSigner{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// SignPut implements storage.PutSigner.
func (s *TokenSigner) SignPut(ctx context.Context, g storage.PutGrant) (storage.SignedPut, error) {
	token, err := s.Sign(Claims{
		Key:         g.Key,
		ContentType: g.ContentType,
		MaxSize:     g.MaxSize,
		ExpiresAt:   g.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return storage.SignedPut{}, err
	}
	h := http.Header{}
	h.Set("Content-Type", g.ContentType)
	return storage.SignedPut{
		Token:   token,
		URL:     s.baseURL + "/uploads/" + token,
		Headers: h,
	}, nil
}

// Sign encodes and signs claims as <payload>.<mac>, both base64url.
func (s *TokenSigner) Sign(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode token claims: %w", err)
	}
	p := base64.RawURLEncoding.EncodeToString(payload)
	return p + "." + base64.RawURLEncoding.EncodeToString(s.mac(p)), nil
}

// Verify checks the signature and expiry of a token. A token is expired at
// and after its expiry instant.
func (s *TokenSigner) Verify(token string) (Claims, error) {
	p, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrTokenInvalid
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(p)) {
		return Claims{}, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(p)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.Key == "" {
		return Claims{}, ErrTokenInvalid
	}
	if !s.now().Before(c.Expiry()) {
		return c, ErrTokenExpired
	}
	return c, nil
}

func (s *TokenSigner) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}
