package scanner

import (
	"context"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Chain runs several engines over a single read of the object. The body is
// teed into one pipe per engine; an engine that stops reading early has the
// rest of its pipe drained so it never stalls the others.
type Chain struct {
	engines []Engine
}

// NewChain combines engines. A chain of one engine delegates directly.
func NewChain(engines ...Engine) *Chain {
	return &Chain{engines: engines}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.engines))
	for i, e := range c.engines {
		names[i] = e.Name()
	}
	return strings.Join(names, "+")
}

// Scan combines verdicts: any Infected wins, then any ScanFailed, else Clean.
func (c *Chain) Scan(ctx context.Context, t Target) Verdict {
	if len(c.engines) == 0 {
		return Failed("no scan engines configured")
	}
	if len(c.engines) == 1 {
		return c.engines[0].Scan(ctx, t)
	}

	verdicts := make([]Verdict, len(c.engines))
	writers := make([]io.Writer, len(c.engines))
	pipes := make([]*io.PipeWriter, len(c.engines))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range c.engines {
		pr, pw := io.Pipe()
		writers[i], pipes[i] = pw, pw
		g.Go(func() error {
			sub := t
			sub.Body = pr
			verdicts[i] = e.Scan(gctx, sub)
			_, _ = io.Copy(io.Discard, pr)
			return nil
		})
	}

	_, err := io.Copy(io.MultiWriter(writers...), WithContext(ctx, t.Body))
	for _, pw := range pipes {
		if err != nil {
			_ = pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}
	}
	_ = g.Wait()

	if err != nil {
		return failure(ctx, err)
	}
	return combine(verdicts)
}

func combine(verdicts []Verdict) Verdict {
	var failed *Verdict
	for i := range verdicts {
		switch verdicts[i].Status {
		case StatusInfected:
			return verdicts[i]
		case StatusScanFailed:
			if failed == nil {
				failed = &verdicts[i]
			}
		}
	}
	if failed != nil {
		return *failed
	}
	return Clean()
}
