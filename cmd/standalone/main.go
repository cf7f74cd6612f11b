package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/logging"
	"github.com/censys/intake-scanner/pkg/pipeline"
)

func main() {
	cfg := config.Load("standalone")
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline")
	}
	log.Info().Str("addr", cfg.HTTPAddr).Str("public_url", cfg.Grant.PublicBaseURL).Msg("standalone pipeline started")
	if err := p.Run(ctx, cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("pipeline stopped")
	}
}
