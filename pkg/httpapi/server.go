package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// NewMux routes the grant endpoint, the health check and, when uploads is not
// nil, the local upload endpoint.
func NewMux(grants *GrantEndpoint, uploads *UploadEndpoint) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", Health)
	if grants != nil {
		mux.Handle("POST /get-upload-url", grants)
		mux.Handle("OPTIONS /get-upload-url", grants)
	}
	if uploads != nil {
		mux.Handle("PUT /uploads/{token}", uploads)
		mux.Handle("OPTIONS /uploads/{token}", uploads)
	}
	return mux
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
