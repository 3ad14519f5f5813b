package testutil

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// Origin is a scripted HTTP/1.x origin server. For every connection it
// reads one request, writes the configured response chunks and closes.
type Origin struct {
	ln net.Listener

	chunks [][]byte
	pause  time.Duration

	mu       sync.Mutex
	requests [][]byte
	accepted int
}

// StartOrigin starts an Origin that replies with chunks, sleeping pause
// between consecutive writes.
func StartOrigin(t *testing.T, ctx context.Context, pause time.Duration, chunks ...[]byte) *Origin {
	t.Helper()

	o := &Origin{ln: listen(t, ctx), chunks: chunks, pause: pause}
	go o.serve()
	return o
}

// Addr returns the origin's host:port.
func (o *Origin) Addr() string {
	return o.ln.Addr().String()
}

// Accepted returns the number of connections the origin has accepted.
func (o *Origin) Accepted() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accepted
}

// Requests returns the raw bytes of every request received so far.
func (o *Origin) Requests() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.requests...)
}

func (o *Origin) serve() {
	for {
		c, err := o.ln.Accept()
		if err != nil {
			return
		}
		o.mu.Lock()
		o.accepted++
		o.mu.Unlock()

		go o.handle(c)
	}
}

func (o *Origin) handle(c net.Conn) {
	defer c.Close()

	var raw bytes.Buffer
	req, err := http.ReadRequest(bufio.NewReader(io.TeeReader(c, &raw)))
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, req.Body)
	_ = req.Body.Close()

	o.mu.Lock()
	o.requests = append(o.requests, raw.Bytes())
	o.mu.Unlock()

	for i, chunk := range o.chunks {
		if i > 0 && o.pause > 0 {
			time.Sleep(o.pause)
		}
		if _, err := c.Write(chunk); err != nil {
			return
		}
	}
}
