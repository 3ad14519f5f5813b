package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/die-net/warden/internal/audit"
)

// relayHTTP forwards a plaintext request and filters the response stream.
func (s *Server) relayHTTP(ctx context.Context, c *conn, req *Request) error {
	authority, err := req.Authority()
	if err != nil {
		return err
	}
	host, port := SplitAuthority(authority)

	// A bare-host entry blocks every port; a host:port entry blocks only
	// that literal authority.
	if s.cfg.Policy.IsHostForbidden(host) || s.cfg.Policy.IsHostForbidden(authority) {
		s.cfg.Metrics.RecordBlocked(audit.OutcomeHostBlocked.Reason())
		c.log.Info("host blocked", "host", host)
		if err := writeHostBlocked(c.client, host); err != nil {
			return fmt.Errorf("write host blocked response: %w", err)
		}
		return s.record(c, req.Target, audit.OutcomeHostBlocked)
	}

	origin, stop, err := s.dialOrigin(ctx, net.JoinHostPort(host, port))
	if err != nil {
		return err
	}
	defer stop()
	defer origin.Close()

	if _, err := origin.Write(req.Raw); err != nil {
		s.cfg.Metrics.RecordUpstreamError()
		return fmt.Errorf("write request: %w", err)
	}

	if remaining := req.PendingBody(); remaining > 0 {
		if _, err := io.CopyN(origin, c.client, remaining); err != nil {
			return fmt.Errorf("copy request body: %w", err)
		}
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	for {
		n, rerr := origin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if s.cfg.Policy.ContainsBannedWord(chunk) {
				s.cfg.Metrics.RecordBlocked(audit.OutcomeContentBlocked.Reason())
				c.log.Info("content blocked", "target", req.Target)
				if err := writeContentBlocked(c.client); err != nil {
					return fmt.Errorf("write content blocked response: %w", err)
				}
				return s.record(c, req.Target, audit.OutcomeContentBlocked)
			}

			if _, err := c.client.Write(chunk); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			s.cfg.Metrics.RecordRelayBytes(int64(n))
		}

		if errors.Is(rerr, io.EOF) {
			return s.record(c, req.Target, audit.OutcomeOK)
		}
		if rerr != nil {
			s.cfg.Metrics.RecordUpstreamError()
			return fmt.Errorf("read response: %w", rerr)
		}
	}
}
