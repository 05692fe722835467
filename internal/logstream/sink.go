package logstream

import (
	"context"
	"io"
)

// RunSink copies the aggregated stream to w until ctx is canceled. Write
// errors are swallowed: an unavailable sink must never stall the units or
// the supervisor, so the subscription keeps draining (dropping on overflow)
// regardless of sink health.
func RunSink(ctx context.Context, a *Aggregator, w io.Writer, buffer int) {
	sub := a.Subscribe(buffer)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ln, ok := <-sub.Lines():
			if !ok {
				return
			}
			_, _ = w.Write([]byte(ln.Format() + "\n"))
		}
	}
}

// RunUnitSink is like RunSink but keeps only one unit's lines on one
// stream, writing the raw text. Used for per-unit rotated log files.
func RunUnitSink(ctx context.Context, a *Aggregator, unit string, stream Stream, w io.WriteCloser, buffer int) {
	sub := a.Subscribe(buffer)
	defer sub.Close()
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ln, ok := <-sub.Lines():
			if !ok {
				return
			}
			if ln.Unit != unit || ln.Stream != stream {
				continue
			}
			_, _ = w.Write([]byte(ln.Text + "\n"))
		}
	}
}
