package realtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Send after the stream ended.
	ErrClosed = stderrors.New("realtime: connection closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	ErrSlowConsumer = stderrors.New("realtime: outbound buffer full")
)

// DefaultBuffer is the number of events queued per stream.
const DefaultBuffer = 16

// SSEConn is a Connection backed by a server-sent events response.
type SSEConn struct {
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewSSEConn creates a stream that queues up to buffer events.
func NewSSEConn(buffer int) *SSEConn {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &SSEConn{
		out:    make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Send queues data without blocking.
func (c *SSEConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close ends Serve. It is safe to call more than once.
func (c *SSEConn) Close() {
	c.once.Do(func() { close(c.closed) })
}

// Serve writes queued events to w until ctx is done or Close is called. A
// comment line is written every heartbeat to keep proxies from timing out.
func (c *SSEConn) Serve(ctx context.Context, w http.ResponseWriter, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("realtime: streaming not supported")
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return err
	}
	flusher.Flush()

	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case data := <-c.out:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}
