package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/die-net/warden/internal/socks5"
)

// StartHTTPConnectProxy starts a minimal upstream HTTP proxy that accepts
// CONNECT requests and relays bytes to the requested destination. A
// non-empty wantAuth must match the Proxy-Authorization header.
func StartHTTPConnectProxy(t *testing.T, ctx context.Context, wantAuth string) net.Listener {
	t.Helper()

	ln := listen(t, ctx)
	go acceptLoop(ln, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		if req.Method != http.MethodConnect {
			_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
			return
		}
		if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
			_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
			return
		}

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		pipe(c, br, dst)
	})

	return ln
}

// StartSOCKS5Proxy starts a minimal upstream SOCKS5 proxy supporting
// CONNECT, optionally requiring auth.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, auth socks5.Auth) net.Listener {
	t.Helper()

	ln := listen(t, ctx)
	go acceptLoop(ln, func(c net.Conn) {
		address, err := socks5.ServerHandshake(c, auth)
		if err != nil {
			return
		}

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			socks5.WriteRefused(c)
			return
		}
		defer dst.Close()

		if err := socks5.WriteSuccess(c, dst.LocalAddr()); err != nil {
			return
		}
		pipe(c, c, dst)
	})

	return ln
}

func acceptLoop(ln net.Listener, handle func(net.Conn)) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			handle(c)
		}()
	}
}

func pipe(client net.Conn, clientReader io.Reader, dst net.Conn) {
	go func() {
		_, _ = io.Copy(dst, clientReader)
		_ = dst.Close()
	}()
	_, _ = io.Copy(client, dst)
}
