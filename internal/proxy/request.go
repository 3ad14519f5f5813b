package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrEmptyRequest means the client closed before sending any byte.
	ErrEmptyRequest = errors.New("empty request")

	// ErrMalformedRequest means the request line is not exactly
	// "method target version".
	ErrMalformedRequest = errors.New("malformed request")

	// ErrMissingHost means neither a Host header nor an absolute URL named
	// the origin.
	ErrMissingHost = errors.New("missing host")
)

const defaultHTTPPort = "80"

// Request is the first chunk read from a client, with its request line
// split out. Raw is forwarded verbatim to the origin.
type Request struct {
	Method  string
	Target  string
	Version string

	Raw []byte

	// headerEnd is the offset just past the blank line ending the header
	// block, or -1 if the block does not end within Raw.
	headerEnd int
}

// ParseRequest splits the first line of raw into its three tokens.
func ParseRequest(raw []byte) (*Request, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyRequest
	}

	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})

	fields := strings.Fields(string(line))
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: request line has %d fields", ErrMalformedRequest, len(fields))
	}

	return &Request{
		Method:    fields[0],
		Target:    fields[1],
		Version:   fields[2],
		Raw:       raw,
		headerEnd: headerEnd(raw),
	}, nil
}

func headerEnd(raw []byte) int {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return crlf + 4
	case lf >= 0:
		return lf + 2
	default:
		return -1
	}
}

// IsConnect reports whether the request asks for a tunnel. The method is
// matched case-sensitively.
func (r *Request) IsConnect() bool {
	return r.Method == http.MethodConnect
}

// Header returns the value of the first header line whose name matches
// name case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	block := r.Raw
	if r.headerEnd >= 0 {
		block = r.Raw[:r.headerEnd]
	}

	prefix := name + ":"
	lines := strings.Split(string(block), "\n")
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
			continue
		}
		return strings.TrimSpace(line[len(prefix):]), true
	}
	return "", false
}

// Body returns the bytes of Raw following the header block.
func (r *Request) Body() []byte {
	if r.headerEnd < 0 {
		return nil
	}
	return r.Raw[r.headerEnd:]
}

// ContentLength returns the declared request body length, or 0 when the
// header is absent or invalid.
func (r *Request) ContentLength() int64 {
	v, ok := r.Header("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// PendingBody returns how many declared body bytes the client has yet to
// send. It is 0 when the header block did not end within Raw, since the
// body boundary is unknown then.
func (r *Request) PendingBody() int64 {
	if r.headerEnd < 0 {
		return 0
	}
	return max(r.ContentLength()-int64(len(r.Body())), 0)
}

// Authority returns the origin named by the Host header, falling back to
// the authority of an absolute request target.
func (r *Request) Authority() (string, error) {
	if host, ok := r.Header("Host"); ok && host != "" {
		return host, nil
	}

	if _, rest, ok := strings.Cut(r.Target, "://"); ok {
		authority, _, _ := strings.Cut(rest, "/")
		if _, after, ok := strings.Cut(authority, "@"); ok {
			authority = after
		}
		if authority != "" {
			return authority, nil
		}
	}

	return "", ErrMissingHost
}

// SplitAuthority splits authority into host and port, defaulting the port
// to 80.
func SplitAuthority(authority string) (host, port string) {
	if h, p, err := net.SplitHostPort(authority); err == nil && p != "" {
		return h, p
	}
	return strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), defaultHTTPPort
}
