package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/grant"
	"github.com/censys/intake-scanner/pkg/httpapi"
	"github.com/censys/intake-scanner/pkg/logging"
	"github.com/censys/intake-scanner/pkg/storage/backend"
)

func main() {
	cfg := config.Load("grantlambda")
	if cfg.Store.Backend == "memory" {
		cfg.Store.Backend = "s3"
	}
	log := logging.New(cfg.Log)

	store, err := backend.Open(context.Background(), cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}

	issuer := grant.NewIssuer(cfg.Grant, store.Signer)
	lambda.Start(httpapi.NewGrantEndpoint(issuer, cfg.Grant.APIKeys, log).LambdaHandler)
}
