// Package pipeline wires the intake pipeline together in one process: an
// in-memory store whose intake writes feed an in-memory event queue, the
// dispatcher, router and notifier, and the HTTP endpoints.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/claim"
	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/grant"
	"github.com/censys/intake-scanner/pkg/httpapi"
	"github.com/censys/intake-scanner/pkg/notify"
	"github.com/censys/intake-scanner/pkg/processing"
	"github.com/censys/intake-scanner/pkg/routing"
	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage"
	"github.com/censys/intake-scanner/pkg/storage/memory"
)

// Pipeline is a fully assembled single-process deployment.
type Pipeline struct {
	Store      *memory.Store
	Feed       *processing.MemoryFeed
	Issuer     *grant.Issuer
	Dispatcher *processing.Dispatcher
	Notifier   *notify.Notifier

	handler *processing.Handler
	mux     *http.ServeMux
	cfg     config.Config
	log     zerolog.Logger
}

// New assembles the pipeline. Extra publishers receive every notification in
// addition to the log (and the webhook, when configured).
func New(cfg config.Config, log zerolog.Logger, publishers ...notify.Publisher) (*Pipeline, error) {
	secret := []byte(cfg.Grant.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		log.Warn().Msg("UPLOAD_TOKEN_SECRET not set, using an ephemeral secret")
	}
	tokens, err := grant.NewTokenSigner(secret, cfg.Grant.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	engine, err := scanner.FromConfig(cfg.Scanner)
	if err != nil {
		return nil, fmt.Errorf("scan engines: %w", err)
	}

	pubs := append([]notify.Publisher{notify.NewLogPublisher(log)}, publishers...)
	if cfg.Notify.WebhookURL != "" {
		pubs = append(pubs, notify.NewWebhookPublisher(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Notify.Timeout}))
	}

	p := &Pipeline{
		Store:    memory.New(),
		Feed:     processing.NewMemoryFeed(256, time.Second),
		Issuer:   grant.NewIssuer(cfg.Grant, tokens),
		Notifier: notify.NewNotifier(log, cfg.Notify.Timeout, pubs...),
		cfg:      cfg,
		log:      log,
	}
	router := routing.New(p.Store, p.Notifier, log)
	p.Dispatcher = processing.NewDispatcher(cfg.Dispatch, p.Store, engine, router, claim.NewLocal(), log)
	p.handler = processing.NewHandler(p.Dispatcher, nil, cfg.Store.IntakeBucket, log)
	p.Store.OnCreate(p.publishArrival)

	p.mux = httpapi.NewMux(
		httpapi.NewGrantEndpoint(p.Issuer, cfg.Grant.APIKeys, log),
		httpapi.NewUploadEndpoint(tokens, p.Store, log),
	)
	return p, nil
}

// Handler returns the HTTP handler for grants, uploads and health.
func (p *Pipeline) Handler() http.Handler { return p.mux }

func (p *Pipeline) publishArrival(info storage.ObjectInfo) {
	raw, err := processing.EncodeArrivalEvent(processing.ArrivalEvent{
		Bucket:    p.cfg.Store.IntakeBucket,
		Key:       info.Key,
		Size:      info.Size,
		EventTime: info.Created,
	})
	if err != nil {
		p.log.Error().Err(err).Str("key", info.Key).Msg("encode arrival event")
		return
	}
	if err := p.Feed.Publish(context.Background(), raw, nil); err != nil {
		p.log.Error().Err(err).Str("key", info.Key).Msg("publish arrival event")
	}
}

// Run consumes arrival events until ctx is done. When addr is non-empty the
// HTTP endpoints are served there too.
func (p *Pipeline) Run(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Feed.Run(ctx, p.cfg.Dispatch.Concurrency, p.handler.HandleMessage)
	}()

	var err error
	if addr != "" {
		err = httpapi.Serve(ctx, addr, p.mux, p.log)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer closeCancel()
	if cerr := p.Notifier.Close(closeCtx); cerr != nil {
		p.log.Warn().Err(cerr).Msg("notifier close")
	}
	return err
}
