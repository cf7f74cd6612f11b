package scanner

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedEngine struct {
	name string
	v    Verdict
	read int
}

func (f *fixedEngine) Name() string { return f.name }

func (f *fixedEngine) Scan(_ context.Context, t Target) Verdict {
	if f.read > 0 {
		_, _ = io.CopyN(io.Discard, t.Body, int64(f.read))
	}
	return f.v
}

func TestChain_InfectedWins(t *testing.T) {
	c := NewChain(
		&fixedEngine{name: "a", v: Failed("down")},
		&fixedEngine{name: "b", v: Infected("X"), read: 1},
		&fixedEngine{name: "c", v: Clean()},
	)
	assert.Equal(t, "a+b+c", c.Name())

	v := c.Scan(context.Background(), Target{Body: bytes.NewReader(make([]byte, 3*chunkSize))})
	assert.Equal(t, StatusInfected, v.Status)
	assert.Equal(t, "X", v.Signature)
}

func TestChain_FailedBeatsClean(t *testing.T) {
	c := NewChain(&fixedEngine{name: "a", v: Clean()}, &fixedEngine{name: "b", v: Failed("down")})
	v := c.Scan(context.Background(), Target{Body: bytes.NewReader([]byte("x"))})
	assert.Equal(t, StatusScanFailed, v.Status)
	assert.Equal(t, "down", v.Reason)
}

func TestChain_AllEnginesSeeFullStream(t *testing.T) {
	sig, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)
	c := NewChain(NewSniffEngine(nil), sig)

	data := append(bytes.Repeat([]byte("text "), chunkSize), []byte(EICAR)...)
	v := c.Scan(context.Background(), Target{ContentType: "text/plain", Body: bytes.NewReader(data)})
	assert.Equal(t, StatusInfected, v.Status)
	assert.Equal(t, "Eicar-Test-Signature", v.Signature)
}

func TestChain_Empty(t *testing.T) {
	v := NewChain().Scan(context.Background(), Target{Body: bytes.NewReader(nil)})
	assert.Equal(t, StatusScanFailed, v.Status)
}
