package proxy

import (
	"fmt"
	"io"
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

	hostBlockedPrefix  = "Website not allowed: "
	contentBlockedBody = "Website content not allowed."
)

// writeForbidden writes a complete 403 response on the raw client
// connection.
func writeForbidden(w io.Writer, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	return err
}

func writeHostBlocked(w io.Writer, host string) error {
	return writeForbidden(w, hostBlockedPrefix+host)
}

func writeContentBlocked(w io.Writer) error {
	return writeForbidden(w, contentBlockedBody)
}
