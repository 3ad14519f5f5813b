package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/warden/internal/audit"
	"github.com/die-net/warden/internal/dialer"
	"github.com/die-net/warden/internal/filter"
	"github.com/die-net/warden/internal/metrics"
	"github.com/die-net/warden/internal/testutil"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer dials directly and counts attempts.
func countingDialer(n *atomic.Int32) dialer.Dialer {
	direct := dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
	return dialFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		n.Add(1)
		return direct.DialContext(ctx, network, address)
	})
}

func startProxy(t *testing.T, cfg Config) (*Server, string, <-chan audit.Entry) {
	t.Helper()

	entries := make(chan audit.Entry, 16)
	al := audit.New(io.Discard)
	al.OnRecord = func(e audit.Entry) { entries <- e }
	cfg.Audit = al

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(context.Background(), cfg)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	return srv, ln.Addr().String(), entries
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// roundTrip sends raw and reads until the proxy closes the connection.
func roundTrip(t *testing.T, addr, raw string) (net.Conn, string) {
	t.Helper()

	c := dialProxy(t, addr)
	if _, err := io.WriteString(c, raw); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return c, string(got)
}

func nextEntry(t *testing.T, entries <-chan audit.Entry) audit.Entry {
	t.Helper()

	select {
	case e := <-entries:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no audit entry")
		return audit.Entry{}
	}
}

func assertNoEntry(t *testing.T, entries <-chan audit.Entry) {
	t.Helper()

	select {
	case e := <-entries:
		t.Fatalf("unexpected audit entry %q", e)
	default:
	}
}

func forbidden(body string) string {
	return fmt.Sprintf("HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}

func TestHostBlocked(t *testing.T) {
	var dials atomic.Int32
	_, addr, entries := startProxy(t, Config{
		Policy: filter.New([]string{"blocked.example"}, nil),
		Dialer: countingDialer(&dials),
	})

	c, got := roundTrip(t, addr, "GET http://blocked.example/ HTTP/1.1\r\nHost: blocked.example\r\n\r\n")

	if want := forbidden("Website not allowed: blocked.example"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	e := nextEntry(t, entries)
	want := audit.Entry{ClientAddr: c.LocalAddr().String(), Target: "http://blocked.example/", Outcome: audit.OutcomeHostBlocked}
	if e != want {
		t.Fatalf("entry %+v want %+v", e, want)
	}
	if e.String() != c.LocalAddr().String()+" Request URL: http://blocked.example/ Response: 403 Forbidden" {
		t.Fatalf("log line %q", e.String())
	}
	if n := dials.Load(); n != 0 {
		t.Fatalf("dialed %d times for a blocked host", n)
	}
}

func TestHostBlockedNeverReachesOrigin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := testutil.StartOrigin(t, ctx, 0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	_, addr, entries := startProxy(t, Config{Policy: filter.New([]string{"127.0.0.1"}, nil)})

	_, got := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")
	if want := forbidden("Website not allowed: 127.0.0.1"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if e := nextEntry(t, entries); e.Outcome != audit.OutcomeHostBlocked {
		t.Fatalf("outcome %v", e.Outcome)
	}
	if n := origin.Accepted(); n != 0 {
		t.Fatalf("origin accepted %d connections", n)
	}
}

func TestHostBlockedVariants(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		host    string
		blocked bool
	}{
		{name: "header case", raw: "GET / HTTP/1.1\r\nHOST: Blocked.Example\r\n\r\n", host: "Blocked.Example", blocked: true},
		{name: "url without host header", raw: "GET http://blocked.example/x HTTP/1.0\r\n\r\n", host: "blocked.example", blocked: true},
		{name: "host with port", raw: "GET / HTTP/1.1\r\nHost: blocked.example:8080\r\n\r\n", host: "blocked.example", blocked: true},
		{name: "literal host port entry", raw: "GET / HTTP/1.1\r\nHost: portonly.example:8443\r\n\r\n", host: "portonly.example", blocked: true},
		{name: "other port not listed", raw: "GET / HTTP/1.1\r\nHost: portonly.example:9\r\n\r\n"},
		{name: "subdomain is not exact", raw: "GET / HTTP/1.1\r\nHost: www.blocked.example\r\n\r\n"},
		{name: "glob entry", raw: "GET / HTTP/1.1\r\nHost: cdn.ads.example\r\n\r\n", host: "cdn.ads.example", blocked: true},
	}

	refuse := errors.New("refused by test dialer")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dials atomic.Int32
			_, addr, entries := startProxy(t, Config{
				Policy: filter.New([]string{"blocked.example", "portonly.example:8443", "*.ads.example"}, nil),
				Dialer: dialFunc(func(context.Context, string, string) (net.Conn, error) {
					dials.Add(1)
					return nil, refuse
				}),
			})

			_, got := roundTrip(t, addr, tt.raw)

			if !tt.blocked {
				if got != "" {
					t.Fatalf("unexpected response %q", got)
				}
				if dials.Load() != 1 {
					t.Fatal("allowed host was not dialed")
				}
				assertNoEntry(t, entries)
				return
			}

			if want := forbidden("Website not allowed: " + tt.host); got != want {
				t.Fatalf("got %q want %q", got, want)
			}
			if e := nextEntry(t, entries); e.Outcome != audit.OutcomeHostBlocked {
				t.Fatalf("outcome %v", e.Outcome)
			}
			if dials.Load() != 0 {
				t.Fatal("blocked host was dialed")
			}
		})
	}
}

func TestContentBlocked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := testutil.StartOrigin(t, ctx, 0, []byte("HTTP/1.1 200 OK\r\nContent-Length: 21\r\n\r\nthis site has MALWARE"))
	_, addr, entries := startProxy(t, Config{Policy: filter.New(nil, []string{"malware"})})

	target := "http://" + origin.Addr() + "/"
	_, got := roundTrip(t, addr, "GET "+target+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")

	if want := forbidden("Website content not allowed."); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	e := nextEntry(t, entries)
	if e.Outcome != audit.OutcomeContentBlocked || e.Target != target {
		t.Fatalf("entry %+v", e)
	}
	if e.Outcome.String() != "403 Forbidden" {
		t.Fatalf("outcome rendered %q", e.Outcome)
	}
}

func TestContentBlockedAfterCleanChunk(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := "HTTP/1.1 200 OK\r\n\r\nclean start "
	origin := testutil.StartOrigin(t, ctx, 100*time.Millisecond, []byte(first), []byte("now malware"), []byte("never sent"))
	_, addr, entries := startProxy(t, Config{Policy: filter.New(nil, []string{"malware"})})

	_, got := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")

	// Already forwarded bytes stay sent; the 403 follows them.
	if want := first + forbidden("Website content not allowed."); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if e := nextEntry(t, entries); e.Outcome != audit.OutcomeContentBlocked {
		t.Fatalf("outcome %v", e.Outcome)
	}
}

func TestCleanResponseVerbatim(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nhello world"
	origin := testutil.StartOrigin(t, ctx, 0, []byte(resp))
	_, addr, entries := startProxy(t, Config{Policy: filter.New([]string{"blocked.example"}, []string{"malware"})})

	req := "GET http://" + origin.Addr() + "/path HTTP/1.1\r\nHost: " + origin.Addr() + "\r\nX-Custom:  kept as is\r\n\r\n"
	c, got := roundTrip(t, addr, req)

	if got != resp {
		t.Fatalf("got %q want %q", got, resp)
	}
	e := nextEntry(t, entries)
	want := audit.Entry{ClientAddr: c.LocalAddr().String(), Target: "http://" + origin.Addr() + "/path", Outcome: audit.OutcomeOK}
	if e != want {
		t.Fatalf("entry %+v want %+v", e, want)
	}

	reqs := origin.Requests()
	if len(reqs) != 1 || string(reqs[0]) != req {
		t.Fatalf("origin saw %q want %q", reqs, req)
	}
}

func TestBannedWordAcrossChunkBoundaryNotDetected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const bufSize = 64

	// "malware" straddles the first read boundary: "mal" ends chunk one,
	// "ware" starts chunk two.
	head := "HTTP/1.1 200 OK\r\n\r\n"
	pad := strings.Repeat("x", bufSize-len(head)-3)
	resp := head + pad + "malware" + strings.Repeat("y", 20)
	if i := strings.Index(resp, "malware"); i >= bufSize || i+len("malware") <= bufSize {
		t.Fatalf("bad fixture: word at %d", i)
	}

	origin := testutil.StartOrigin(t, ctx, 0, []byte(resp))
	_, addr, entries := startProxy(t, Config{
		Policy:     filter.New(nil, []string{"malware"}),
		BufferSize: bufSize,
	})

	_, got := roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")

	if got != resp {
		t.Fatalf("got %q want %q", got, resp)
	}
	if e := nextEntry(t, entries); e.Outcome != audit.OutcomeOK {
		t.Fatalf("outcome %v", e.Outcome)
	}
}

func TestRequestBodyLargerThanBuffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := testutil.StartOrigin(t, ctx, 0, []byte("HTTP/1.1 204 No Content\r\n\r\n"))
	_, addr, entries := startProxy(t, Config{BufferSize: 256})

	body := bytes.Repeat([]byte("b"), 1000)
	req := fmt.Sprintf("POST http://%s/upload HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s", origin.Addr(), origin.Addr(), len(body), body)

	_, got := roundTrip(t, addr, req)
	if got != "HTTP/1.1 204 No Content\r\n\r\n" {
		t.Fatalf("got %q", got)
	}
	if e := nextEntry(t, entries); e.Outcome != audit.OutcomeOK {
		t.Fatalf("outcome %v", e.Outcome)
	}

	reqs := origin.Requests()
	if len(reqs) != 1 {
		t.Fatalf("origin saw %d requests", len(reqs))
	}
	if !bytes.Equal(reqs[0], []byte(req)) {
		t.Fatalf("origin received %d bytes, want %d", len(reqs[0]), len(req))
	}
}

func TestConnectTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	target := echo.Addr().String()

	// A forbidden CONNECT target is still tunneled.
	_, addr, entries := startProxy(t, Config{
		Policy:       filter.New([]string{"127.0.0.1"}, []string{"secret"}),
		PollInterval: 20 * time.Millisecond,
	})

	c := dialProxy(t, addr)
	if _, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	preamble := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, preamble); err != nil {
		t.Fatal(err)
	}
	if string(preamble) != "HTTP/1.1 200 Connection Established\r\n\r\n" {
		t.Fatalf("preamble %q", preamble)
	}

	// Payload is opaque: banned words pass and idle gaps longer than the
	// poll interval keep the tunnel open.
	testutil.AssertEcho(t, c, c, []byte("secret payload \x00\xff"))
	time.Sleep(100 * time.Millisecond)
	testutil.AssertEcho(t, c, c, bytes.Repeat([]byte("z"), 3*DefaultBufferSize))

	_ = c.Close()

	e := nextEntry(t, entries)
	want := audit.Entry{ClientAddr: c.LocalAddr().String(), Target: target, Outcome: audit.OutcomeOK}
	if e != want {
		t.Fatalf("entry %+v want %+v", e, want)
	}
}

// counterValue reads a counter by name from the metrics registry.
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()

	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestConnectOriginEndsTunnel(t *testing.T) {
	tests := []struct {
		name      string
		reset     bool
		wantError float64
	}{
		{name: "clean_close"},
		{name: "reset", reset: true, wantError: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			originLn, waitOrigin := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				if _, err := io.ReadFull(c, make([]byte, 4)); err != nil {
					return
				}
				if tt.reset {
					_ = c.(*net.TCPConn).SetLinger(0)
				}
				_ = c.Close()
			})
			defer waitOrigin()
			target := originLn.Addr().String()

			m := metrics.New()
			_, addr, entries := startProxy(t, Config{Metrics: m, PollInterval: 20 * time.Millisecond})

			c := dialProxy(t, addr)
			if _, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\n\r\n"); err != nil {
				t.Fatal(err)
			}
			preamble := make([]byte, len(connectEstablished))
			if _, err := io.ReadFull(c, preamble); err != nil {
				t.Fatal(err)
			}
			if _, err := io.WriteString(c, "ping"); err != nil {
				t.Fatal(err)
			}

			// The proxy closes the client side once the origin is gone.
			if rest, err := io.ReadAll(c); err != nil || len(rest) != 0 {
				t.Fatalf("read %q err=%v", rest, err)
			}

			e := nextEntry(t, entries)
			want := audit.Entry{ClientAddr: c.LocalAddr().String(), Target: target, Outcome: audit.OutcomeOK}
			if e != want {
				t.Fatalf("entry %+v want %+v", e, want)
			}
			assertNoEntry(t, entries)

			if got := counterValue(t, m, "warden_tunnel_errors_total"); got != tt.wantError {
				t.Fatalf("tunnel errors %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestConnectEarlyData(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	target := echo.Addr().String()
	_, addr, entries := startProxy(t, Config{})

	c := dialProxy(t, addr)
	if _, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\n\r\nearly"); err != nil {
		t.Fatal(err)
	}

	want := connectEstablished + "early"
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}

	_ = c.Close()
	nextEntry(t, entries)
}

func TestConnectDialFailure(t *testing.T) {
	_, addr, entries := startProxy(t, Config{
		Dialer: dialFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("unreachable")
		}),
	})

	_, got := roundTrip(t, addr, "CONNECT unreachable.example:443 HTTP/1.1\r\n\r\n")
	if got != "" {
		t.Fatalf("unexpected response %q", got)
	}
	assertNoEntry(t, entries)
}

func TestMalformedRequest(t *testing.T) {
	tests := []string{
		"GARBAGE\r\n\r\n",
		"GET /\r\n\r\n",
		"GET / HTTP/1.1 extra\r\n\r\n",
		"CONNECT no-port HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.1\r\nAccept: */*\r\n\r\n",
	}

	for _, raw := range tests {
		t.Run(strings.Fields(raw)[0], func(t *testing.T) {
			var dials atomic.Int32
			_, addr, entries := startProxy(t, Config{Dialer: countingDialer(&dials)})

			_, got := roundTrip(t, addr, raw)
			if got != "" {
				t.Fatalf("unexpected response %q", got)
			}
			assertNoEntry(t, entries)
			if dials.Load() != 0 {
				t.Fatal("malformed request was dialed")
			}
		})
	}
}

func TestEmptyRequest(t *testing.T) {
	srv, addr, entries := startProxy(t, Config{})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	time.Sleep(50 * time.Millisecond)
	_ = srv.Close()
	assertNoEntry(t, entries)
}

func TestMaxConns(t *testing.T) {
	_, addr, entries := startProxy(t, Config{
		Policy:   filter.New([]string{"blocked.example"}, nil),
		MaxConns: 1,
	})

	// Holds the only slot without sending a request.
	idle := dialProxy(t, addr)
	time.Sleep(50 * time.Millisecond)

	c := dialProxy(t, addr)
	if _, err := io.WriteString(c, "GET / HTTP/1.1\r\nHost: blocked.example\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := c.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("second connection served while first held the slot: n=%d err=%v", n, err)
	}

	_ = idle.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if want := forbidden("Website not allowed: blocked.example"); string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
	nextEntry(t, entries)
}

func TestCloseEndsIdleConnections(t *testing.T) {
	srv, addr, _ := startProxy(t, Config{})

	c := dialProxy(t, addr)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(done)
	}()

	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read err=%v want EOF", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestCloseWhileAccepting(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(context.Background(), Config{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	stopDialing := make(chan struct{})
	dialed := make(chan struct{})
	go func() {
		defer close(dialed)
		for {
			select {
			case <-stopDialing:
				return
			default:
			}
			if c, err := net.Dial("tcp", ln.Addr().String()); err == nil {
				_ = c.Close()
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	close(stopDialing)
	<-dialed

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeAfterClose(t *testing.T) {
	srv := NewServer(context.Background(), Config{})
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(ln); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	_, addr, entries := startProxy(t, Config{NegotiationTimeout: 50 * time.Millisecond})

	c := dialProxy(t, addr)
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read err=%v want EOF", err)
	}
	assertNoEntry(t, entries)
}
