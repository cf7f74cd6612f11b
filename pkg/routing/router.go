// Package routing moves scanned objects out of intake into their terminal
// area. The object's area is the only record of the decision, so every step
// is safe to repeat after a crash or a duplicate delivery.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/censys/intake-scanner/pkg/notify"
	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage"
)

// ErrCopyNotVerified means the destination copy is missing or has the wrong
// size. The intake object is kept.
var ErrCopyNotVerified = errors.New("terminal copy not verified")

// Metadata keys written on terminal objects.
const (
	MetaStatus    = "scan-status"
	MetaSignature = "scan-signature"
	MetaReason    = "scan-reason"
	MetaScannedAt = "scanned-at"
)

// Notifier receives outcomes once the intake copy is gone.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Destination returns the terminal area for a verdict. Anything but Clean is
// quarantined.
func Destination(v scanner.Verdict) storage.Area {
	if v.Status == scanner.StatusClean {
		return storage.AreaClean
	}
	return storage.AreaQuarantine
}

// Metadata encodes v for storage on the terminal object.
func Metadata(v scanner.Verdict) map[string]string {
	m := map[string]string{MetaStatus: v.Status.String()}
	if v.Signature != "" {
		m[MetaSignature] = v.Signature
	}
	if v.Reason != "" {
		m[MetaReason] = v.Reason
	}
	if !v.ScannedAt.IsZero() {
		m[MetaScannedAt] = v.ScannedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// VerdictFromObject recovers the verdict recorded on a terminal object. An
// object without metadata is judged by its area, and a quarantined object is
// never reported as clean.
func VerdictFromObject(info storage.ObjectInfo) scanner.Verdict {
	v := scanner.Verdict{Status: scanner.ParseStatus(info.Metadata[MetaStatus])}
	if _, ok := info.Metadata[MetaStatus]; !ok {
		v.Status = scanner.StatusScanFailed
		if info.Area == storage.AreaClean {
			v.Status = scanner.StatusClean
		} else {
			v.Reason = "verdict not recorded"
		}
	}
	if info.Area == storage.AreaQuarantine && v.Status == scanner.StatusClean {
		v.Status = scanner.StatusScanFailed
	}
	v.Signature = info.Metadata[MetaSignature]
	if r := info.Metadata[MetaReason]; r != "" {
		v.Reason = r
	}
	if ts, err := time.Parse(time.RFC3339Nano, info.Metadata[MetaScannedAt]); err == nil {
		v.ScannedAt = ts
	}
	return v
}

// Router performs copy, verify, delete, then notify.
type Router struct {
	store    storage.ObjectStore
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// New returns a Router. notifier may be nil.
func New(store storage.ObjectStore, notifier Notifier, log zerolog.Logger) *Router {
	return &Router{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "router").Logger(),
		now:      time.Now,
	}
}

// Settled reports whether key already has a terminal copy of the given size,
// returning that copy's area and recorded verdict. Quarantine is checked first.
func (r *Router) Settled(ctx context.Context, key string, size int64) (storage.Area, scanner.Verdict, bool, error) {
	for _, area := range []storage.Area{storage.AreaQuarantine, storage.AreaClean} {
		info, err := r.store.Stat(ctx, area, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", scanner.Verdict{}, false, fmt.Errorf("stat %s: %w", area, err)
		}
		if info.Size != size {
			r.log.Warn().Str("key", key).Str("area", string(area)).
				Int64("size", info.Size).Int64("intake_size", size).
				Msg("ignoring terminal copy with mismatched size")
			continue
		}
		return area, VerdictFromObject(info), true, nil
	}
	return "", scanner.Verdict{}, false, nil
}

// Route moves key out of intake according to v. If the key is no longer in
// intake the call is a no-op. If a verified terminal copy already exists, that
// earlier decision is completed instead of v.
func (r *Router) Route(ctx context.Context, key string, v scanner.Verdict) error {
	src, err := r.store.Stat(ctx, storage.AreaIntake, key)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Debug().Str("key", key).Msg("already routed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat intake: %w", err)
	}

	dest, prior, settled, err := r.Settled(ctx, key, src.Size)
	if err != nil {
		return err
	}
	if settled {
		if prior.Status != v.Status {
			r.log.Info().Str("key", key).
				Str("recorded", prior.Status.String()).
				Str("verdict", v.Status.String()).
				Msg("completing earlier routing decision")
		}
		v = prior
	} else {
		dest = Destination(v)
		if err := r.store.Copy(ctx, key, storage.AreaIntake, dest, Metadata(v)); err != nil {
			return fmt.Errorf("copy to %s: %w", dest, err)
		}
		if err := r.verify(ctx, key, dest, src.Size); err != nil {
			return err
		}
	}

	if err := r.store.Delete(ctx, storage.AreaIntake, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Another router finished the move and owns the notification.
			r.log.Debug().Str("key", key).Msg("intake removed concurrently")
			return nil
		}
		return fmt.Errorf("delete intake: %w", err)
	}

	r.log.Info().Str("key", key).Str("area", string(dest)).
		Str("status", v.Status.String()).Str("signature", v.Signature).
		Msg("object routed")

	if r.notifier != nil {
		r.notifier.Notify(ctx, notify.New(key, v, dest, src.Size, r.now()))
	}
	return nil
}

func (r *Router) verify(ctx context.Context, key string, dest storage.Area, size int64) error {
	info, err := r.store.Stat(ctx, dest, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s missing from %s", ErrCopyNotVerified, key, dest)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", dest, err)
	}
	if info.Size != size {
		return fmt.Errorf("%w: %s in %s has %d bytes, want %d", ErrCopyNotVerified, key, dest, info.Size, size)
	}
	return nil
}
