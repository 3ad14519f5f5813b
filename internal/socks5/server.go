package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth holds username/password credentials. A zero Auth means no
// authentication.
type Auth struct {
	Username string
	Password string
}

var errAuthFailed = errors.New("socks5 auth failed")

// ServerHandshake runs the server side of negotiation on conn and returns
// the requested CONNECT destination as host:port. A non-empty auth.Username
// requires matching credentials.
//
// Only CONNECT is accepted; other commands get a "command not supported"
// reply and an error.
func ServerHandshake(conn net.Conn, auth Auth) (string, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("negotiation request: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !bytes.Contains(neg.Methods, []byte{want}) {
		// RFC 1928: 0xFF means no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return "", errors.New("no acceptable auth method")
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return "", fmt.Errorf("negotiation reply: %w", err)
	}

	if auth.Username != "" {
		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return "", fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return "", errAuthFailed
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return "", fmt.Errorf("write userpass: %w", err)
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		_, _ = zeroReply(txsocks5.RepCommandNotSupported).WriteTo(conn)
		return "", fmt.Errorf("unsupported command %d", req.Cmd)
	}
	return req.Address(), nil
}

// WriteSuccess reports a successful CONNECT bound to localAddr.
func WriteSuccess(conn net.Conn, localAddr net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteRefused reports that the CONNECT destination refused the connection.
func WriteRefused(conn net.Conn) {
	_, _ = zeroReply(txsocks5.RepConnectionRefused).WriteTo(conn)
}

func zeroReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
