// Package httpapi exposes the grant endpoint, the local upload endpoint and
// the health check over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/grant"
)

// GrantIssuer mints upload grants.
type GrantIssuer interface {
	IssueGrant(ctx context.Context, filename, contentType string, declaredSize int64) (grant.UploadGrant, error)
}

// GrantRequest is the body of POST /get-upload-url.
type GrantRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

// GrantResponse is returned for an issued grant.
type GrantResponse struct {
	UploadURL     string            `json:"uploadUrl"`
	FileKey       string            `json:"fileKey"`
	ExpiresIn     int               `json:"expiresIn"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	UploadHeaders map[string]string `json:"uploadHeaders,omitempty"`
	Message       string            `json:"message"`
}

// ErrorResponse is returned for any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const maxGrantBody = 64 << 10

// GrantEndpoint is the transport-neutral grant handler shared by the HTTP
// server and the Lambda adapter.
type GrantEndpoint struct {
	issuer  GrantIssuer
	apiKeys [][]byte
	log     zerolog.Logger
}

// NewGrantEndpoint returns an endpoint. With no apiKeys every caller is
// accepted.
func NewGrantEndpoint(issuer GrantIssuer, apiKeys []string, log zerolog.Logger) *GrantEndpoint {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		keys = append(keys, []byte(k))
	}
	return &GrantEndpoint{
		issuer:  issuer,
		apiKeys: keys,
		log:     log.With().Str("component", "grant-api").Logger(),
	}
}

func (g *GrantEndpoint) authorized(apiKey string) bool {
	if len(g.apiKeys) == 0 {
		return true
	}
	for _, k := range g.apiKeys {
		if subtle.ConstantTimeCompare(k, []byte(apiKey)) == 1 {
			return true
		}
	}
	return false
}

// Issue handles one grant request and returns the status and JSON payload.
func (g *GrantEndpoint) Issue(ctx context.Context, apiKey string, body []byte) (int, any) {
	if !g.authorized(apiKey) {
		return http.StatusUnauthorized, ErrorResponse{Error: "Missing or invalid API key", Code: "Unauthorized"}
	}
	var req GrantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON body", Code: "InvalidRequest"}
	}

	ug, err := g.issuer.IssueGrant(ctx, req.Filename, req.ContentType, req.FileSize)
	var ve *grant.ValidationError
	if errors.As(err, &ve) {
		g.log.Info().Str("code", ve.Code()).Str("content_type", req.ContentType).
			Int64("size", req.FileSize).Msg("grant rejected")
		msg := ve.Detail
		if msg == "" {
			msg = ve.Error()
		}
		return http.StatusBadRequest, ErrorResponse{Error: msg, Code: ve.Code()}
	}
	if err != nil {
		g.log.Error().Err(err).Msg("grant signing failed")
		return http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate upload URL", Code: "InternalError"}
	}

	g.log.Info().Str("key", ug.ObjectKey).Time("expires_at", ug.ExpiresAt).Msg("generated upload URL")
	headers := make(map[string]string, len(ug.UploadHeaders))
	for k := range ug.UploadHeaders {
		headers[k] = ug.UploadHeaders.Get(k)
	}
	return http.StatusOK, GrantResponse{
		UploadURL:     ug.UploadURL,
		FileKey:       ug.ObjectKey,
		ExpiresIn:     ug.ExpiresIn(),
		ExpiresAt:     ug.ExpiresAt,
		UploadHeaders: headers,
		Message:       "Upload URL generated successfully",
	}
}

// ServeHTTP serves POST /get-upload-url and its CORS preflight.
func (g *GrantEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGrantBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "InvalidRequest"})
		return
	}
	status, payload := g.Issue(r.Context(), r.Header.Get("X-Api-Key"), body)
	writeJSON(w, status, payload)
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, PUT, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
