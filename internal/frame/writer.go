package frame

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrStreamClosed is returned for writes after the terminal frame.
var ErrStreamClosed = errors.New("event stream already terminated")

// Writer emits frames onto an HTTP response. Headers are committed lazily:
// when the first frame is terminal the response closes with that frame's
// status, otherwise the stream opens with 200. Once a terminal frame is
// written every further write fails with ErrStreamClosed.
type Writer struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
	closed    bool
	status    int

	keepAlive   time.Duration
	onKeepAlive func()
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithKeepAlive sends a comment line every interval while the stream is open.
func WithKeepAlive(interval time.Duration, onPing func()) WriterOption {
	return func(w *Writer) {
		w.keepAlive = interval
		w.onKeepAlive = onPing
	}
}

// NewWriter wraps w, which must support flushing.
func NewWriter(w http.ResponseWriter, opts ...WriterOption) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	fw := &Writer{
		w:       w,
		flusher: flusher,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// WriteFrame encodes and flushes f.
func (w *Writer) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	if !w.committed {
		status := http.StatusOK
		if f.Terminal() {
			status = f.HTTPStatus()
		}
		w.commit(status)
	}
	if f.Terminal() {
		w.closed = true
		w.stopKeepAlive()
	}

	if err := Encode(w.w, f); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Emit satisfies the relay's emitter contract.
func (w *Writer) Emit(f Frame) error {
	return w.WriteFrame(f)
}

// Status returns the status the response was committed with, or zero.
func (w *Writer) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Terminated reports whether a terminal frame has been written.
func (w *Writer) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close stops the keepalive loop and waits for it to exit. It does not
// write anything.
func (w *Writer) Close() {
	w.mu.Lock()
	w.stopKeepAlive()
	w.mu.Unlock()
	w.wg.Wait()
}

// commit must be called with mu held.
func (w *Writer) commit(status int) {
	header := w.w.Header()
	header.Set("Content-Type", ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(status)

	w.committed = true
	w.status = status

	if status == http.StatusOK && w.keepAlive > 0 {
		w.wg.Add(1)
		go w.pingLoop()
	}
}

// stopKeepAlive must be called with mu held.
func (w *Writer) stopKeepAlive() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

func (w *Writer) pingLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.ping(); err != nil {
				return
			}
		}
	}
}

func (w *Writer) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprint(w.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	if w.onKeepAlive != nil {
		w.onKeepAlive()
	}
	return nil
}
