// Package dialer opens origin connections for the proxy relays.
//
// Origins are reached either directly or through an upstream proxy (HTTP
// CONNECT over plain TCP or TLS, or SOCKS5). All implementations satisfy the
// Dialer interface so the relays never care which one is configured.
package dialer
