package proxy

import (
	"log/slog"
	"time"

	"github.com/die-net/warden/internal/audit"
	"github.com/die-net/warden/internal/dialer"
	"github.com/die-net/warden/internal/filter"
	"github.com/die-net/warden/internal/metrics"
)

const (
	DefaultBufferSize   = 4096
	DefaultPollInterval = time.Second
)

// Config configures a Server. The zero value is usable.
type Config struct {
	// Policy decides which hosts and response chunks are blocked. Nil
	// blocks nothing.
	Policy *filter.Policy

	// Audit receives one record per completed connection. Nil discards.
	Audit *audit.Logger

	// Dialer opens origin connections. Nil dials directly.
	Dialer dialer.Dialer

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxConns caps concurrently handled connections. Zero or less is
	// unbounded.
	MaxConns int

	// BufferSize is the size of the initial request read and of every relay
	// read.
	BufferSize int

	// PollInterval bounds each idle wait in a CONNECT tunnel.
	PollInterval time.Duration

	// NegotiationTimeout bounds the wait for the first request bytes. Zero
	// waits forever.
	NegotiationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Policy == nil {
		c.Policy = filter.Empty()
	}
	if c.Audit == nil {
		c.Audit = audit.Discard()
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
