package httpapi

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/grant"
	"github.com/censys/intake-scanner/pkg/storage"
)

// TokenVerifier checks local upload tokens.
type TokenVerifier interface {
	Verify(token string) (grant.Claims, error)
}

// UploadEndpoint accepts PUT /uploads/{token} for the local backend. It
// enforces the same constraints a cloud presigned URL would: expiry, content
// type, size and create-only writes.
type UploadEndpoint struct {
	tokens TokenVerifier
	store  storage.Creator
	log    zerolog.Logger
	now    func() time.Time
}

func NewUploadEndpoint(tokens TokenVerifier, store storage.Creator, log zerolog.Logger) *UploadEndpoint {
	return &UploadEndpoint{
		tokens: tokens,
		store:  store,
		log:    log.With().Str("component", "upload-api").Logger(),
		now:    time.Now,
	}
}

func (u *UploadEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	claims, err := u.tokens.Verify(r.PathValue("token"))
	switch {
	case errors.Is(err, grant.ErrTokenExpired):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Upload grant expired", Code: "GrantExpired"})
		return
	case err != nil:
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Upload grant invalid", Code: "GrantInvalid"})
		return
	}

	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != claims.ContentType {
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{
			Error: "Content-Type must be " + claims.ContentType,
			Code:  "InvalidContentType",
		})
		return
	}
	if r.ContentLength > claims.MaxSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Upload exceeds granted size", Code: "FileTooLarge"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, claims.MaxSize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Upload exceeds granted size", Code: "FileTooLarge"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Incomplete upload", Code: "IncompleteBody"})
		return
	}
	// The grant may have lapsed while the body was in flight.
	if !u.now().Before(claims.Expiry()) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Upload grant expired", Code: "GrantExpired"})
		return
	}

	err = u.store.Create(r.Context(), storage.AreaIntake, claims.Key, bytes.NewReader(data), int64(len(data)), claims.ContentType)
	if errors.Is(err, storage.ErrAlreadyExists) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Upload grant already used", Code: "AlreadyExists"})
		return
	}
	if err != nil {
		u.log.Error().Err(err).Str("key", claims.Key).Msg("store upload")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to store upload", Code: "InternalError"})
		return
	}
	u.log.Info().Str("key", claims.Key).Int("size", len(data)).Msg("upload stored")
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}
