// Package grant issues short-lived, single-object upload capabilities for the
// intake area.
package grant

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/storage"
)

// UploadGrant is an issued write capability. It is never mutated after issue.
type UploadGrant struct {
	ObjectKey          string
	ContentTypeAllowed string
	MaxSizeBytes       int64
	IssuedAt           time.Time
	ExpiresAt          time.Time
	GrantToken         string
	UploadURL          string
	UploadHeaders      http.Header
}

// ExpiresIn is the grant lifetime in whole seconds.
func (g UploadGrant) ExpiresIn() int {
	return int(g.ExpiresAt.Sub(g.IssuedAt) / time.Second)
}

// Issuer validates upload requests and signs grants.
type Issuer struct {
	cfg     config.Grant
	allowed map[string]struct{}
	signer  storage.PutSigner
	now     func() time.Time
	newID   func() string
}

// NewIssuer builds an issuer around a backend signer.
func NewIssuer(cfg config.Grant, signer storage.PutSigner) *Issuer {
	allowed := make(map[string]struct{}, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		allowed[ct] = struct{}{}
	}
	return &Issuer{
		cfg:     cfg,
		allowed: allowed,
		signer:  signer,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// AllowedContentTypes returns the sorted allow-set.
func (i *Issuer) AllowedContentTypes() []string {
	out := make([]string, 0, len(i.allowed))
	for ct := range i.allowed {
		out = append(out, ct)
	}
	slices.Sort(out)
	return out
}

// IssueGrant validates the request and returns a grant for a fresh object key.
// Validation failures are *ValidationError; anything else is a signing failure.
func (i *Issuer) IssueGrant(ctx context.Context, filename, contentType string, declaredSize int64) (UploadGrant, error) {
	if filename == "" || contentType == "" {
		return UploadGrant{}, invalid(ErrMissingField, "filename and contentType are required")
	}
	if _, ok := i.allowed[contentType]; !ok {
		return UploadGrant{}, invalid(ErrInvalidContentType, "file type %s is not allowed", contentType)
	}
	if declaredSize < 0 {
		return UploadGrant{}, invalid(ErrInvalidSize, "fileSize must not be negative")
	}
	if declaredSize > i.cfg.MaxSizeBytes {
		return UploadGrant{}, invalid(ErrFileTooLarge, "file size exceeds maximum of %s", formatMB(i.cfg.MaxSizeBytes))
	}
	safe, err := SanitizeFilename(filename)
	if err != nil {
		return UploadGrant{}, err
	}

	issuedAt := i.now().UTC()
	g := UploadGrant{
		ObjectKey:          fmt.Sprintf("%s/%s-%s", issuedAt.Format("2006/01/02"), i.newID(), safe),
		ContentTypeAllowed: contentType,
		MaxSizeBytes:       i.cfg.MaxSizeBytes,
		IssuedAt:           issuedAt,
		ExpiresAt:          issuedAt.Add(i.cfg.TTL),
	}

	signed, err := i.signer.SignPut(ctx, storage.PutGrant{
		Key:         g.ObjectKey,
		ContentType: contentType,
		Size:        declaredSize,
		MaxSize:     g.MaxSizeBytes,
		ExpiresAt:   g.ExpiresAt,
	})
	if err != nil {
		return UploadGrant{}, fmt.Errorf("sign upload grant: %w", err)
	}
	g.GrantToken = signed.Token
	g.UploadURL = signed.URL
	g.UploadHeaders = signed.Headers
	return g, nil
}

func formatMB(n int64) string {
	return fmt.Sprintf("%gMB", float64(n)/(1024*1024))
}
