package dialer

import (
	"net"
	"time"
)

// Config controls how origin connections are opened.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no timeout.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the handshake with an upstream proxy.
	// Zero means no timeout.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
