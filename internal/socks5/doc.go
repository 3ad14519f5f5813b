// Package socks5 is a minimal SOCKS5 server handshake on top of
// github.com/txthinking/socks5, used to stand up fake upstreams in tests.
package socks5
