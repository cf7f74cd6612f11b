package scanner

import (
	"context"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultDenyTypes are detected content types refused regardless of the
// declared type.
var DefaultDenyTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-dosexec",
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-ms-installer",
	"application/vnd.ms-cab-compressed",
	"application/java-archive",
}

// SniffSignature is the signature name reported for denied content.
const SniffSignature = "Policy.DisallowedContent"

// SniffEngine detects the real content type from the leading bytes and flags
// types on the deny-list, catching executables uploaded under an allowed type.
type SniffEngine struct {
	deny []string
}

// NewSniffEngine builds an engine for denyTypes, or DefaultDenyTypes if empty.
func NewSniffEngine(denyTypes []string) *SniffEngine {
	if len(denyTypes) == 0 {
		denyTypes = DefaultDenyTypes
	}
	return &SniffEngine{deny: denyTypes}
}

func (e *SniffEngine) Name() string { return "sniff" }

func (e *SniffEngine) Scan(ctx context.Context, t Target) Verdict {
	mt, err := mimetype.DetectReader(WithContext(ctx, t.Body))
	if err != nil && err != io.EOF {
		return failure(ctx, err)
	}
	if ctx.Err() != nil {
		return failure(ctx, ctx.Err())
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, d := range e.deny {
			if m.Is(d) {
				v := Infected(SniffSignature)
				v.Reason = "detected " + mt.String() + ", declared " + t.ContentType
				return v
			}
		}
	}
	return Clean()
}
