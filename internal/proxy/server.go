package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/semaphore"

	"github.com/die-net/warden/internal/audit"
)

// Server accepts proxy clients and handles each on its own goroutine.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    *slog.Logger
	pool   *BufferPool
	sem    *semaphore.Weighted

	mu     sync.Mutex
	closed bool // guards wg.Add against a concurrent Close
	wg     sync.WaitGroup
}

// conn is the per-connection state owned by one handler goroutine.
type conn struct {
	id         string
	client     net.Conn
	clientAddr string
	log        *slog.Logger
}

// NewServer constructs a Server. Canceling ctx, or calling Close, stops
// Serve and closes every live connection.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:  cfg,
		log:  cfg.Logger,
		pool: NewBufferPool(cfg.BufferSize),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if cfg.MaxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConns))
	}
	return s
}

// Serve accepts connections on ln until the server is closed. It returns nil
// after Close or context cancellation, and the accept error if ln fails for
// any other reason.
func (s *Server) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var tempDelay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				return nil
			}
		}

		c, err := ln.Accept()
		if err != nil {
			s.release()
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.log.Warn("accept error; retrying", "err", err, "delay", tempDelay)

			select {
			case <-time.After(tempDelay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			s.release()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(c)
	}
}

// Close stops the server and waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *Server) handleConn(client net.Conn) {
	defer s.wg.Done()
	defer s.release()
	defer client.Close()

	stop := context.AfterFunc(s.ctx, func() {
		_ = client.Close()
	})
	defer stop()

	s.cfg.Metrics.ConnOpened()
	defer s.cfg.Metrics.ConnClosed()

	c := &conn{
		id:         uuid.NewV4().String(),
		client:     client,
		clientAddr: client.RemoteAddr().String(),
	}
	c.log = s.log.With("conn", c.id, "client", c.clientAddr)

	err := s.serveConn(s.ctx, c)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyRequest):
		c.log.Debug("client closed before sending a request")
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrMissingHost):
		s.cfg.Metrics.RecordMalformed()
		c.log.Warn("rejecting request", "err", err)
	case s.ctx.Err() != nil:
		c.log.Debug("connection closed by shutdown", "err", err)
	default:
		c.log.Warn("connection error", "err", err)
	}
}

// serveConn reads the first chunk from the client and dispatches it.
func (s *Server) serveConn(ctx context.Context, c *conn) error {
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.client.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	n, err := c.client.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return ErrEmptyRequest
		}
		return fmt.Errorf("read request: %w", err)
	}
	if s.cfg.NegotiationTimeout > 0 {
		_ = c.client.SetReadDeadline(time.Time{})
	}

	req, err := ParseRequest(buf[:n])
	if err != nil {
		return err
	}

	return s.classify(ctx, c, req)
}

func (s *Server) classify(ctx context.Context, c *conn, req *Request) error {
	c.log.Debug("request", "method", req.Method, "target", req.Target, "version", req.Version)

	if req.IsConnect() {
		s.cfg.Metrics.RecordRequest("connect")
		return s.tunnel(ctx, c, req)
	}
	s.cfg.Metrics.RecordRequest("http")
	return s.relayHTTP(ctx, c, req)
}

// dialOrigin connects to addr. The returned connection is closed when ctx
// is done; the caller must call stop and Close once finished with it.
func (s *Server) dialOrigin(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	origin, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.cfg.Metrics.RecordUpstreamError()
		return nil, nil, fmt.Errorf("dial origin: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = origin.Close()
	})
	return origin, stop, nil
}

func (s *Server) record(c *conn, target string, outcome audit.Outcome) error {
	return s.cfg.Audit.Record(c.clientAddr, target, outcome)
}
