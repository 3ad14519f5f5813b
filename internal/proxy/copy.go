package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyOptions tunes CopyBidirectional.
type CopyOptions struct {
	// BufferSize is the largest single read. Ignored when Pool is set.
	BufferSize int

	// PollInterval bounds each blocking read so ctx is re-checked at least
	// this often. Zero blocks until data, EOF or close.
	PollInterval time.Duration

	Pool *BufferPool
}

// CopyStats counts bytes relayed in each direction.
type CopyStats struct {
	// Up is client to origin.
	Up int64
	// Down is origin to client.
	Down int64
}

// CopyBidirectional relays bytes between client and origin until either side
// closes, errors or ctx is done. Both connections are closed on return.
//
// The returned error is the first failure other than EOF, a closed
// connection or cancellation.
func CopyBidirectional(ctx context.Context, client, origin net.Conn, opts CopyOptions) (CopyStats, error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = origin.Close()
		})
	}
	defer closeBoth()

	var st CopyStats

	g.Go(func() error {
		defer closeBoth()
		var err error
		st.Up, err = copyPolled(gctx, origin, client, opts)
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		var err error
		st.Down, err = copyPolled(gctx, client, origin, opts)
		return err
	})

	err := g.Wait()
	return st, err
}

func copyPolled(ctx context.Context, dst, src net.Conn, opts CopyOptions) (int64, error) {
	var buf []byte
	if opts.Pool != nil {
		buf = opts.Pool.Get()
		defer opts.Pool.Put(buf)
	} else {
		size := opts.BufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		buf = make([]byte, size)
	}

	var written int64
	for {
		if ctx.Err() != nil {
			return written, nil
		}

		if opts.PollInterval > 0 {
			_ = src.SetReadDeadline(time.Now().Add(opts.PollInterval))
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, ignoreClosed(werr)
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			// Idle; loop to re-check ctx.
		case errors.Is(rerr, io.EOF):
			return written, nil
		default:
			return written, ignoreClosed(rerr)
		}
	}
}

// ignoreClosed drops the error produced by reading or writing a socket that
// the other direction already closed.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
