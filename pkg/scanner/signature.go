package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EICAR is the standard antivirus test string.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// Signature is a named byte pattern.
type Signature struct {
	Name    string
	Pattern []byte
}

// DefaultSignatures is the built-in definition set.
var DefaultSignatures = []Signature{
	{Name: "Eicar-Test-Signature", Pattern: []byte(EICAR)},
}

const chunkSize = 64 << 10

// SignatureEngine matches fixed byte patterns anywhere in the stream.
type SignatureEngine struct {
	sigs   []Signature
	maxLen int
}

// NewSignatureEngine builds an engine over sigs. Empty patterns are rejected.
func NewSignatureEngine(sigs []Signature) (*SignatureEngine, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures loaded")
	}
	e := &SignatureEngine{sigs: sigs}
	for _, s := range sigs {
		if len(s.Pattern) == 0 {
			return nil, fmt.Errorf("signature %q has an empty pattern", s.Name)
		}
		e.maxLen = max(e.maxLen, len(s.Pattern))
	}
	return e, nil
}

func (e *SignatureEngine) Name() string { return "signature" }

// Scan reads the stream in chunks, carrying the last maxLen-1 bytes over so a
// pattern split across chunk boundaries still matches.
func (e *SignatureEngine) Scan(ctx context.Context, t Target) Verdict {
	r := WithContext(ctx, t.Body)
	buf := make([]byte, e.maxLen-1+chunkSize)
	carry := 0
	for {
		n, err := io.ReadFull(r, buf[carry:])
		window := buf[:carry+n]
		if sig, ok := e.match(window); ok {
			return Infected(sig)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Clean()
		}
		if err != nil {
			return failure(ctx, err)
		}
		carry = min(e.maxLen-1, len(window))
		copy(buf, window[len(window)-carry:])
	}
}

func (e *SignatureEngine) match(window []byte) (string, bool) {
	for _, s := range e.sigs {
		if bytes.Contains(window, s.Pattern) {
			return s.Name, true
		}
	}
	return "", false
}

// LoadSignatures reads definitions from path, one "name:hexpattern" per line.
// Blank lines and lines starting with # are skipped.
func LoadSignatures(path string) ([]Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signatures: %w", err)
	}
	defer f.Close()
	return ParseSignatures(f)
}

// ParseSignatures parses the definitions format read by LoadSignatures.
func ParseSignatures(r io.Reader) ([]Signature, error) {
	var sigs []Signature
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, pattern, ok := strings.Cut(text, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("signatures line %d: expected name:hexpattern", line)
		}
		raw, err := hex.DecodeString(strings.TrimSpace(pattern))
		if err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("signatures line %d: bad hex pattern", line)
		}
		sigs = append(sigs, Signature{Name: strings.TrimSpace(name), Pattern: raw})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	return sigs, nil
}
