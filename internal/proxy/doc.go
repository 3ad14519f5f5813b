// Package proxy implements the filtering forward proxy.
//
// Each accepted connection is classified from its first read. CONNECT
// requests become opaque tunnels; every other request is relayed to the
// origin as raw bytes, with the host checked before dialing and each
// response chunk scanned for banned words before it is forwarded.
package proxy
