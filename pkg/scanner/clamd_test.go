package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// fakeClamd accepts one connection, reads an INSTREAM request and answers
// with reply(body).
func fakeClamd(t *testing.T, reply func(body []byte) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadString(0); err != nil {
			return
		}
		var body []byte
		for {
			var size [4]byte
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			body = append(body, chunk...)
		}
		_, _ = conn.Write([]byte(reply(body) + "\x00"))
	}()
	return ln.Addr().String()
}

func TestClamdEngine_Clean(t *testing.T) {
	addr := fakeClamd(t, func([]byte) string { return "stream: OK" })
	v := NewClamdEngine("tcp", addr).Scan(context.Background(), Target{Body: bytesReader([]byte("hello"))})
	assert.Equal(t, StatusClean, v.Status)
}

func TestClamdEngine_Found(t *testing.T) {
	addr := fakeClamd(t, func(body []byte) string {
		if bytes.Contains(body, []byte(EICAR)) {
			return "stream: Win.Test.EICAR_HDB-1 FOUND"
		}
		return "stream: OK"
	})
	v := NewClamdEngine("tcp", addr).Scan(context.Background(), Target{Body: bytesReader([]byte(EICAR))})
	assert.Equal(t, StatusInfected, v.Status)
	assert.Equal(t, "Win.Test.EICAR_HDB-1", v.Signature)
}

func TestClamdEngine_Unavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	v := NewClamdEngine("tcp", addr).Scan(context.Background(), Target{Body: bytesReader(nil)})
	assert.Equal(t, StatusScanFailed, v.Status)
	assert.Contains(t, v.Reason, "clamd unavailable")
}

func TestClamdEngine_TimeoutClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	v := NewClamdEngine("tcp", ln.Addr().String()).Scan(ctx, Target{Body: bytesReader([]byte("x"))})
	assert.Equal(t, StatusScanFailed, v.Status)
	assert.Equal(t, "scan timed out", v.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseClamdReply(t *testing.T) {
	assert.Equal(t, StatusClean, parseClamdReply("stream: OK").Status)
	assert.Equal(t, "Eicar", parseClamdReply("stream: Eicar FOUND").Signature)

	v := parseClamdReply("INSTREAM size limit exceeded. ERROR")
	assert.Equal(t, StatusScanFailed, v.Status)
	assert.Equal(t, "clamd: INSTREAM size limit exceeded.", v.Reason)

	assert.Equal(t, StatusScanFailed, parseClamdReply("garbage").Status)
}
