// Package audit writes the proxy's append-only request log.
//
// Each connection that reaches a terminal state produces exactly one line:
//
//	<client_address> Request URL: <target> Response: <outcome>
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Outcome is the terminal result of a proxied connection.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeHostBlocked
	OutcomeContentBlocked
)

// String returns the response status recorded in the log line.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "200 OK"
	case OutcomeHostBlocked, OutcomeContentBlocked:
		return "403 Forbidden"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Reason is a short label distinguishing outcomes that share a status line.
func (o Outcome) Reason() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeHostBlocked:
		return "host"
	case OutcomeContentBlocked:
		return "content"
	default:
		return "unknown"
	}
}

// Entry is one audit record.
type Entry struct {
	ClientAddr string
	Target     string
	Outcome    Outcome
}

func (e Entry) String() string {
	return fmt.Sprintf("%s Request URL: %s Response: %s", e.ClientAddr, e.Target, e.Outcome)
}

// Logger appends entries to a sink. It is safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer

	// Debug, if set, receives a copy of every entry at debug level.
	Debug *slog.Logger

	// OnRecord, if set, is called after each entry is written.
	OnRecord func(Entry)
}

// New returns a Logger writing to w. The caller keeps ownership of w.
func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

// OpenFile returns a Logger appending to the file at path, creating it if
// needed. Close releases the file.
func OpenFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{w: f, closer: f}, nil
}

// Discard returns a Logger that drops every entry.
func Discard() *Logger {
	return New(io.Discard)
}

// Record appends one line for a terminated connection.
func (l *Logger) Record(clientAddr, target string, outcome Outcome) error {
	e := Entry{ClientAddr: clientAddr, Target: target, Outcome: outcome}
	line := e.String() + "\n"

	l.mu.Lock()
	_, err := io.WriteString(l.w, line)
	l.mu.Unlock()

	if l.Debug != nil {
		l.Debug.LogAttrs(context.Background(), slog.LevelDebug, "audit",
			slog.String("client", clientAddr),
			slog.String("target", target),
			slog.String("outcome", outcome.String()),
			slog.String("reason", outcome.Reason()),
		)
	}
	if l.OnRecord != nil {
		l.OnRecord(e)
	}

	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// Close closes the underlying file if the Logger opened it.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
