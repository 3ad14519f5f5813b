package proxy

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/die-net/warden/internal/audit"
)

// tunnel answers a CONNECT and relays opaque bytes until either side
// closes. The audit record is always 200 OK, including after a transport
// error mid-tunnel.
func (s *Server) tunnel(ctx context.Context, c *conn, req *Request) error {
	if _, _, err := net.SplitHostPort(req.Target); err != nil {
		return fmt.Errorf("%w: connect target %q: %w", ErrMalformedRequest, req.Target, err)
	}

	origin, stop, err := s.dialOrigin(ctx, req.Target)
	if err != nil {
		return err
	}
	defer stop()
	defer origin.Close()

	if _, err := io.WriteString(c.client, connectEstablished); err != nil {
		return fmt.Errorf("write connect response: %w", err)
	}

	// Bytes pipelined behind the CONNECT header block belong to the tunnel.
	if early := req.Body(); len(early) > 0 {
		if _, err := origin.Write(early); err != nil {
			return fmt.Errorf("write early tunnel data: %w", err)
		}
	}

	st, err := CopyBidirectional(ctx, c.client, origin, CopyOptions{
		PollInterval: s.cfg.PollInterval,
		Pool:         s.pool,
	})
	s.cfg.Metrics.RecordTunnelBytes(st.Up, st.Down)
	if err != nil {
		s.cfg.Metrics.RecordTunnelError()
		c.log.Info("tunnel ended with error", "target", req.Target, "err", err)
	}
	c.log.Debug("tunnel closed", "target", req.Target, "up", st.Up, "down", st.Down)

	return s.record(c, req.Target, audit.OutcomeOK)
}
