package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/censys/intake-scanner/pkg/claim"
	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage"
)

// Router completes the terminal move for a scanned object.
type Router interface {
	Route(ctx context.Context, key string, v scanner.Verdict) error
	Settled(ctx context.Context, key string, size int64) (storage.Area, scanner.Verdict, bool, error)
}

// ReasonSizeLimit is the failure reason for objects above the size ceiling.
const ReasonSizeLimit = "size limit exceeded"

// Dispatcher scans arrived objects with bounded concurrency and hands the
// verdict to the router. Every step is keyed by object key and safe to repeat,
// so redelivered events are harmless.
type Dispatcher struct {
	cfg    config.Dispatch
	store  storage.ObjectStore
	engine scanner.Engine
	router Router
	claims claim.Claimer
	log    zerolog.Logger

	sem      *semaphore.Weighted
	inflight singleflight.Group
	attempts atomic.Int64
}

// NewDispatcher builds a Dispatcher. claims may be nil for a single replica.
func NewDispatcher(cfg config.Dispatch, store storage.ObjectStore, engine scanner.Engine, router Router, claims claim.Claimer, log zerolog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = backoff.DefaultMaxInterval
	}
	// The lease must outlive the whole retry budget, or a redelivery on
	// another replica can start a second scan of the same object.
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = cfg.LeaseBudget()
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		engine: engine,
		router: router,
		claims: claims,
		log:    log.With().Str("component", "dispatcher").Logger(),
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	if claims != nil && cfg.ClaimTTL < cfg.LeaseBudget() {
		d.log.Warn().Dur("claim_ttl", cfg.ClaimTTL).Dur("budget", cfg.LeaseBudget()).Msg("claim ttl shorter than the scan and routing budget")
	}
	return d
}

// Attempts returns the number of scan attempts started so far.
func (d *Dispatcher) Attempts() int64 { return d.attempts.Load() }

// Dispatch processes one arrival. A nil error means the event can be acked:
// the object was routed, was already routed, or is being handled elsewhere.
// Concurrent calls for the same key share a single run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev ArrivalEvent) error {
	_, err, shared := d.inflight.Do(ev.Key, func() (any, error) {
		return nil, d.process(ctx, ev.Key)
	})
	if shared {
		d.log.Debug().Str("key", ev.Key).Msg("joined in-flight dispatch")
	}
	return err
}

func (d *Dispatcher) process(ctx context.Context, key string) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	if d.claims != nil {
		lease, err := d.claims.Claim(ctx, key, d.cfg.ClaimTTL)
		switch {
		case errors.Is(err, claim.ErrHeld):
			d.log.Info().Str("key", key).Msg("duplicate delivery, claimed elsewhere")
			return nil
		case err != nil:
			// Routing is idempotent, so losing the claim only risks a
			// redundant scan.
			d.log.Warn().Err(err).Str("key", key).Msg("claim unavailable, continuing unclaimed")
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					d.log.Warn().Err(err).Str("key", key).Msg("release claim")
				}
			}()
		}
	}

	info, err := d.store.Stat(ctx, storage.AreaIntake, key)
	if errors.Is(err, storage.ErrNotFound) {
		d.log.Debug().Str("key", key).Msg("not in intake, already routed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat intake %s: %w", key, err)
	}

	_, v, settled, err := d.router.Settled(ctx, key, info.Size)
	if err != nil {
		return fmt.Errorf("check terminal copies %s: %w", key, err)
	}
	if settled {
		d.log.Info().Str("key", key).Str("status", v.Status.String()).Msg("resuming interrupted routing")
	} else {
		v = d.scan(ctx, info)
		if err := ctx.Err(); err != nil {
			// Shutting down: leave the object for redelivery rather than
			// quarantining it for a cancellation we caused.
			return err
		}
	}
	return d.route(ctx, key, v)
}

// scan runs attempts until a conclusive verdict or the retry budget is spent.
func (d *Dispatcher) scan(ctx context.Context, info storage.ObjectInfo) scanner.Verdict {
	if d.cfg.MaxObjectBytes > 0 && info.Size > d.cfg.MaxObjectBytes {
		d.log.Warn().Str("key", info.Key).Int64("size", info.Size).Msg("object exceeds size ceiling")
		return scanner.Failed(ReasonSizeLimit)
	}

	attempt := 0
	var v scanner.Verdict
	op := func() error {
		attempt++
		v = d.attempt(ctx, info)
		if v.Status != scanner.StatusScanFailed {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errors.New(v.Reason)
	}
	err := backoff.RetryNotify(op, d.backOff(ctx), func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("key", info.Key).Int("attempt", attempt).
			Dur("retry_in", wait).Msg("scan attempt failed")
	})
	if err != nil {
		d.log.Error().Str("key", info.Key).Int("attempts", attempt).Str("reason", v.Reason).
			Msg("scan retries exhausted, failing closed")
	}
	return v
}

// attempt runs the engine once under the scan deadline. The engine is
// abandoned, and its input closed, when the deadline passes.
func (d *Dispatcher) attempt(ctx context.Context, info storage.ObjectInfo) scanner.Verdict {
	d.attempts.Add(1)
	actx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	body, cur, err := d.store.Open(actx, storage.AreaIntake, info.Key)
	if err != nil {
		if actx.Err() != nil {
			return timeoutVerdict(actx)
		}
		return scanner.Failed(fmt.Sprintf("open object: %v", err))
	}
	closeBody := sync.OnceValue(body.Close)
	defer closeBody()

	done := make(chan scanner.Verdict, 1)
	go func() {
		done <- d.engine.Scan(actx, scanner.Target{
			Key:         cur.Key,
			ContentType: cur.ContentType,
			Size:        cur.Size,
			Body:        body,
		})
	}()
	select {
	case v := <-done:
		if v.Status == scanner.StatusScanFailed && actx.Err() != nil {
			return timeoutVerdict(actx)
		}
		return v
	case <-actx.Done():
		_ = closeBody()
		return timeoutVerdict(actx)
	}
}

func timeoutVerdict(ctx context.Context) scanner.Verdict {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return scanner.Failed("scan timed out")
	}
	return scanner.Failed("scan cancelled")
}

// route retries transient routing failures with the scan backoff policy.
func (d *Dispatcher) route(ctx context.Context, key string, v scanner.Verdict) error {
	op := func() error {
		err := d.router.Route(ctx, key, v)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, d.backOff(ctx), func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("key", key).Dur("retry_in", wait).Msg("routing failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("route %s: %w", key, err)
	}
	return nil
}

func (d *Dispatcher) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.BackoffInitial > 0 {
		b.InitialInterval = d.cfg.BackoffInitial
	}
	if d.cfg.BackoffMax > 0 {
		b.MaxInterval = d.cfg.BackoffMax
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(d.cfg.MaxRetries, 0))), ctx)
}
