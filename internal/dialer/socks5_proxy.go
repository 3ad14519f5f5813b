package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

var errSOCKS5AuthRequired = errors.New("socks5 proxy requires username/password")

// ReplyError is a CONNECT refused by the SOCKS5 proxy. Code is the RFC 1928
// reply field.
type ReplyError struct {
	Address string
	Code    byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 proxy refused %s: %s", e.Address, replyText(e.Code))
}

// replyTexts are the RFC 1928 reply field meanings, indexed by code.
var replyTexts = [...]string{
	"succeeded",
	"general server failure",
	"connection not allowed by ruleset",
	"network unreachable",
	"host unreachable",
	"connection refused",
	"TTL expired",
	"command not supported",
	"address type not supported",
}

func replyText(code byte) string {
	if int(code) < len(replyTexts) {
		return replyTexts[code]
	}
	return fmt.Sprintf("reply code %#x", code)
}

// SOCKS5ProxyDialer reaches origins through an upstream SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 dialer for proxyAddr. A non-empty
// username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

// DialContext connects to the SOCKS5 proxy and issues a CONNECT for address.
// Canceling ctx during negotiation aborts the handshake. A refusal is
// returned as a *ReplyError.
func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err = d.negotiate(c)
	if err == nil {
		err = d.connect(c, address)
	}
	if !stop() || err != nil {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, ctxErr)
		}
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}

// negotiate offers no-auth, plus username/password when configured, and
// completes whichever method the proxy picks.
func (d *SOCKS5ProxyDialer) negotiate(c net.Conn) error {
	methods := []byte{txsocks5.MethodNone}
	if d.username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
	default:
		return fmt.Errorf("no acceptable auth method (proxy chose %#x)", neg.Method)
	}

	if d.username == "" {
		return errSOCKS5AuthRequired
	}
	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(d.username), []byte(d.password)).WriteTo(c); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read credentials reply: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("credentials rejected for user %q", d.username)
	}
	return nil
}

func (d *SOCKS5ProxyDialer) connect(c net.Conn, address string) error {
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(c); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Address: address, Code: rep.Rep}
	}
	return nil
}
