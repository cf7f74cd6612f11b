// Package scanner adapts malware detection engines to a common verdict model.
//
// An engine never reports an error: any failure to reach a conclusion is a
// ScanFailed verdict, which callers must treat as "unknown" and never as clean.
package scanner

import (
	"context"
	"io"
	"time"
)

// Status is the outcome class of a scan.
type Status int

const (
	StatusScanFailed Status = iota
	StatusClean
	StatusInfected
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusInfected:
		return "infected"
	default:
		return "scan_failed"
	}
}

// ParseStatus is the inverse of Status.String. Unknown input maps to
// StatusScanFailed.
func ParseStatus(s string) Status {
	switch s {
	case "clean":
		return StatusClean
	case "infected":
		return StatusInfected
	default:
		return StatusScanFailed
	}
}

// Verdict is the result of scanning one object.
type Verdict struct {
	Status    Status
	Signature string
	Reason    string
	ScannedAt time.Time
}

func Clean() Verdict {
	return Verdict{Status: StatusClean, ScannedAt: time.Now().UTC()}
}

func Infected(signature string) Verdict {
	return Verdict{Status: StatusInfected, Signature: signature, ScannedAt: time.Now().UTC()}
}

func Failed(reason string) Verdict {
	return Verdict{Status: StatusScanFailed, Reason: reason, ScannedAt: time.Now().UTC()}
}

// Target is the object handed to an engine.
type Target struct {
	Key         string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Engine inspects an object stream. Implementations must stop work and return
// promptly once ctx is done.
type Engine interface {
	Name() string
	Scan(ctx context.Context, t Target) Verdict
}

// ctxReader fails reads once the context is done, so engines that only read
// still observe cancellation between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// WithContext wraps r so reads fail after ctx is done.
func WithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// failure converts a context error into a failed verdict reason.
func failure(ctx context.Context, err error) Verdict {
	if ctx.Err() == context.DeadlineExceeded {
		return Failed("scan timed out")
	}
	if ctx.Err() != nil {
		return Failed("scan cancelled")
	}
	return Failed(err.Error())
}
