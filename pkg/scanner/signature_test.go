package scanner

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanBytes(t *testing.T, e Engine, data []byte) Verdict {
	t.Helper()
	return e.Scan(context.Background(), Target{Key: "k", Size: int64(len(data)), Body: bytes.NewReader(data)})
}

func TestSignatureEngine_Clean(t *testing.T) {
	e, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)

	v := scanBytes(t, e, []byte("hello world"))
	assert.Equal(t, StatusClean, v.Status)
	assert.False(t, v.ScannedAt.IsZero())
}

func TestSignatureEngine_EICAR(t *testing.T) {
	e, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)

	v := scanBytes(t, e, []byte(EICAR))
	assert.Equal(t, StatusInfected, v.Status)
	assert.Equal(t, "Eicar-Test-Signature", v.Signature)
}

func TestSignatureEngine_PatternAcrossChunkBoundary(t *testing.T) {
	e, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)

	// First read fills maxLen-1+chunkSize bytes; place the pattern across it.
	first := len(EICAR) - 1 + chunkSize
	data := append(bytes.Repeat([]byte{'a'}, first-10), []byte(EICAR)...)
	data = append(data, bytes.Repeat([]byte{'b'}, 3*chunkSize)...)

	v := scanBytes(t, e, data)
	assert.Equal(t, StatusInfected, v.Status)
}

func TestSignatureEngine_EmptyInput(t *testing.T) {
	e, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)

	v := scanBytes(t, e, nil)
	assert.Equal(t, StatusClean, v.Status)
}

func TestSignatureEngine_Cancelled(t *testing.T) {
	e, err := NewSignatureEngine(DefaultSignatures)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := e.Scan(ctx, Target{Body: strings.NewReader("data")})
	assert.Equal(t, StatusScanFailed, v.Status)
	assert.Equal(t, "scan cancelled", v.Reason)
}

func TestNewSignatureEngine_Rejects(t *testing.T) {
	_, err := NewSignatureEngine(nil)
	assert.Error(t, err)

	_, err = NewSignatureEngine([]Signature{{Name: "empty"}})
	assert.Error(t, err)
}

func TestParseSignatures(t *testing.T) {
	in := "# test definitions\n\nFoo.Bar:666f6f\n  Baz : 62617a \n"
	sigs, err := ParseSignatures(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "Foo.Bar", sigs[0].Name)
	assert.Equal(t, []byte("foo"), sigs[0].Pattern)
	assert.Equal(t, "Baz", sigs[1].Name)

	e, err := NewSignatureEngine(sigs)
	require.NoError(t, err)
	v := scanBytes(t, e, []byte("xxbazxx"))
	assert.Equal(t, StatusInfected, v.Status)
	assert.Equal(t, "Baz", v.Signature)
}

func TestParseSignatures_Errors(t *testing.T) {
	for _, in := range []string{"nocolon", ":6162", "X:zz", "X:"} {
		_, err := ParseSignatures(strings.NewReader(in))
		assert.Error(t, err, in)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusClean, StatusInfected, StatusScanFailed} {
		assert.Equal(t, s, ParseStatus(s.String()))
	}
	assert.Equal(t, StatusScanFailed, ParseStatus("bogus"))
}
