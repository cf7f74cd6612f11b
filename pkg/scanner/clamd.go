package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ClamdEngine streams objects to a clamd daemon with the INSTREAM command.
type ClamdEngine struct {
	network string
	addr    string
	dialer  net.Dialer
}

// NewClamdEngine returns an engine for clamd at addr ("tcp" or "unix").
func NewClamdEngine(network, addr string) *ClamdEngine {
	return &ClamdEngine{network: network, addr: addr}
}

func (e *ClamdEngine) Name() string { return "clamd" }

// Scan sends the body in length-prefixed chunks and parses the single reply
// line. The connection is closed when ctx is done, which unblocks any pending
// read or write and abandons the daemon-side scan.
func (e *ClamdEngine) Scan(ctx context.Context, t Target) Verdict {
	conn, err := e.dialer.DialContext(ctx, e.network, e.addr)
	if err != nil {
		return failure(ctx, fmt.Errorf("clamd unavailable: %w", err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := e.stream(ctx, conn, t.Body); err != nil {
		return failure(ctx, err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return failure(ctx, fmt.Errorf("clamd reply: %w", err))
	}
	return parseClamdReply(strings.TrimRight(reply, "\x00\n"))
}

func (e *ClamdEngine) stream(ctx context.Context, w io.Writer, body io.Reader) error {
	if _, err := io.WriteString(w, "zINSTREAM\x00"); err != nil {
		return fmt.Errorf("clamd command: %w", err)
	}
	r := WithContext(ctx, body)
	buf := make([]byte, 4+chunkSize)
	for {
		n, rerr := r.Read(buf[4:])
		if n > 0 {
			binary.BigEndian.PutUint32(buf[:4], uint32(n))
			if _, err := w.Write(buf[:4+n]); err != nil {
				return fmt.Errorf("clamd stream: %w", err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read object: %w", rerr)
		}
	}
	var end [4]byte
	if _, err := w.Write(end[:]); err != nil {
		return fmt.Errorf("clamd stream end: %w", err)
	}
	return nil
}

// parseClamdReply interprets "stream: OK", "stream: <sig> FOUND" and
// "<message> ERROR" replies.
func parseClamdReply(reply string) Verdict {
	_, body, ok := strings.Cut(reply, ": ")
	if !ok {
		body = reply
	}
	switch {
	case body == "OK":
		return Clean()
	case strings.HasSuffix(body, " FOUND"):
		return Infected(strings.TrimSuffix(body, " FOUND"))
	case strings.HasSuffix(body, " ERROR"):
		return Failed("clamd: " + strings.TrimSuffix(body, " ERROR"))
	}
	return Failed(fmt.Sprintf("clamd: unexpected reply %q", reply))
}
