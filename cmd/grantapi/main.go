package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/grant"
	"github.com/censys/intake-scanner/pkg/httpapi"
	"github.com/censys/intake-scanner/pkg/logging"
	"github.com/censys/intake-scanner/pkg/storage/backend"
)

func main() {
	cfg := config.Load("grantapi")
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}
	defer store.Close()

	issuer := grant.NewIssuer(cfg.Grant, store.Signer)
	mux := httpapi.NewMux(httpapi.NewGrantEndpoint(issuer, cfg.Grant.APIKeys, log), nil)

	log.Info().
		Str("backend", store.Name).
		Strs("allowed_types", issuer.AllowedContentTypes()).
		Int64("max_size_bytes", cfg.Grant.MaxSizeBytes).
		Dur("ttl", cfg.Grant.TTL).
		Msg("grant api started")

	if err := httpapi.Serve(ctx, cfg.HTTPAddr, mux, log); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}
