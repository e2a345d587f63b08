package propagator

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader throttles reads against a shared bytes-per-second
// budget. Reads never exceed the limiter's burst so WaitN cannot fail on
// size alone.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newRateLimitedReader(ctx context.Context, r io.Reader, l *rate.Limiter) io.Reader {
	if l == nil || l.Limit() == rate.Inf {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, limiter: l}
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if b := r.limiter.Burst(); b > 0 && len(p) > b {
		p = p[:b]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, l *rate.Limiter) io.Writer {
	if l == nil || l.Limit() == rate.Inf {
		return w
	}
	return &rateLimitedWriter{ctx: ctx, w: w, limiter: l}
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		block := p
		if b := w.limiter.Burst(); b > 0 && len(block) > b {
			block = block[:b]
		}
		if err := w.limiter.WaitN(w.ctx, len(block)); err != nil {
			return written, err
		}
		n, err := w.w.Write(block)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
