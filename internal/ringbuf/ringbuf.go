// Package ringbuf implements a single-producer/single-consumer expanding
// byte buffer with blocking, big-endian typed reads. It exists so a decode
// pipeline can read a io.Reader on one goroutine (a pipe, a socket, a file)
// while a second goroutine performs structured reads against it without the
// producer ever blocking on a full buffer and without the consumer ever
// reading short.
package ringbuf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
)

const (
	initialCapacity = 16 << 20 // 16 MiB
	maxPullSize     = 64 << 10 // 64 KiB
	shiftRatio      = 0.9

	// wakeInterval bounds how long a blocked consumer can sleep in
	// cond.Wait before re-checking shutdown state. Cond has no built-in
	// timeout and cannot itself observe ctx.Done, so a low-frequency
	// broadcast stands in for that one case.
	wakeInterval = 50 * time.Millisecond
)

// RingBuffer is a contiguous byte buffer with two monotonically increasing
// indices, readPos <= writePos <= len(buf). Exactly one goroutine calls
// FillFrom (the producer); exactly one goroutine calls the Read* methods
// (the consumer). Both may run concurrently; a sync.Mutex plus sync.Cond
// guard all shared state.
type RingBuffer struct {
	log *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	buf      []byte
	readPos  int
	writePos int

	sourceClosed bool // true once the upstream io.Reader has reported EOF or an error
	closed       bool // true once Close has been called, regardless of source state

	wakeStop chan struct{}
	wakeOnce sync.Once
}

// New creates a RingBuffer with its initial 16 MiB capacity. If log is nil,
// slog.Default() is used.
func New(log *slog.Logger) *RingBuffer {
	if log == nil {
		log = slog.Default()
	}
	rb := &RingBuffer{
		log:      log.With("component", "ringbuf"),
		buf:      make([]byte, initialCapacity),
		wakeStop: make(chan struct{}),
	}
	rb.cond = sync.NewCond(&rb.mu)
	go rb.wakeLoop()
	return rb
}

// wakeLoop periodically broadcasts the condition variable so a consumer
// blocked in cond.Wait notices a context-driven Close within one tick even
// though sync.Cond itself cannot observe a context.
func (r *RingBuffer) wakeLoop() {
	t := time.NewTicker(wakeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.cond.Broadcast()
		case <-r.wakeStop:
			return
		}
	}
}

// Close unblocks any consumer waiting on a Read* call, whether or not the
// source has reached EOF. It is idempotent and safe to call from any
// goroutine, typically in response to context cancellation.
func (r *RingBuffer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	r.wakeOnce.Do(func() { close(r.wakeStop) })
}

// FillFrom pulls at most 64 KiB from src into the buffer. It reports
// moreData=false once src returns io.EOF (source_closed becomes true), once
// ctx is done, or once Close has been called; any other read error also closes the source and is
// returned so the caller can surface it upward. FillFrom must only ever be
// called from the single producer goroutine, once per iteration of its
// loop, so that ctx cancellation is observed within one yield cycle.
func (r *RingBuffer) FillFrom(ctx context.Context, src io.Reader) (moreData bool, err error) {
	if err := ctx.Err(); err != nil {
		r.mu.Lock()
		r.sourceClosed = true
		r.mu.Unlock()
		r.cond.Broadcast()
		return false, nil
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return false, nil
	}

	if r.writePos == len(r.buf) {
		if !r.growLocked() {
			r.sourceClosed = true
			r.mu.Unlock()
			r.cond.Broadcast()
			return false, fmt.Errorf("ringbuf: grow buffer past %d bytes: %w", len(r.buf), decodeerr.ErrBufferExhausted)
		}
	}

	offset := r.writePos
	limit := len(r.buf) - offset
	if limit > maxPullSize {
		limit = maxPullSize
	}

	n, readErr := src.Read(r.buf[offset : offset+limit])
	r.writePos += n

	if readErr != nil {
		r.sourceClosed = true
		r.compactLocked()
		r.mu.Unlock()
		r.cond.Broadcast()
		if readErr == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("ringbuf: reading source: %w", readErr)
	}

	r.compactLocked()
	r.mu.Unlock()
	r.cond.Broadcast()
	return true, nil
}

// growLocked doubles the buffer's capacity, copying live bytes to the front.
// Returns false if doubling would overflow an int.
func (r *RingBuffer) growLocked() bool {
	oldLen := len(r.buf)
	newLen := oldLen * 2
	if newLen <= oldLen {
		return false // overflow
	}
	r.log.Info("expanding ring buffer", "from_mb", oldLen/(1<<20), "to_mb", newLen/(1<<20))
	newBuf := make([]byte, newLen)
	copy(newBuf, r.buf[r.readPos:r.writePos])
	r.writePos -= r.readPos
	r.readPos = 0
	r.buf = newBuf
	return true
}

// compactLocked shifts unread bytes to offset 0 once readPos has drifted
// past shiftRatio of the buffer, optionally shrinking the backing array.
func (r *RingBuffer) compactLocked() {
	if float64(r.readPos) <= float64(len(r.buf))*shiftRatio {
		return
	}
	live := r.writePos - r.readPos
	newLen := live * 2
	if newLen < initialCapacity {
		newLen = initialCapacity
	}
	if newLen == len(r.buf) {
		copy(r.buf, r.buf[r.readPos:r.writePos])
	} else {
		newBuf := make([]byte, newLen)
		copy(newBuf, r.buf[r.readPos:r.writePos])
		r.buf = newBuf
	}
	r.writePos = live
	r.readPos = 0
}

// readExactLocked blocks (releasing the lock while waiting) until n bytes
// are available or the buffer is closed/the source is exhausted. Following
// io.ReadFull's own convention, it reports plain io.EOF when the buffer
// was already empty (an ordinary end of input at a frame boundary) and
// wraps decodeerr.ErrUnexpectedEOF only when some, but fewer than n, bytes
// were available (a genuine mid-frame truncation).
func (r *RingBuffer) readExactLocked(n int) ([]byte, error) {
	for {
		available := r.writePos - r.readPos
		if available >= n {
			out := make([]byte, n)
			copy(out, r.buf[r.readPos:r.readPos+n])
			r.readPos += n
			return out, nil
		}
		if r.closed || r.sourceClosed {
			if available == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("ringbuf: read %d bytes, only %d available: %w", n, available, decodeerr.ErrUnexpectedEOF)
		}
		r.cond.Wait()
	}
}

// ReadExact blocks until len(dst) bytes are available, then copies them
// into dst and advances the read position by exactly len(dst).
func (r *RingBuffer) ReadExact(dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.readExactLocked(len(dst))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadU8 reads a single unsigned byte.
func (r *RingBuffer) ReadU8() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.readExactLocked(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadI8 reads a single signed byte.
func (r *RingBuffer) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadU16BE reads a big-endian unsigned 16-bit integer.
func (r *RingBuffer) ReadU16BE() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.readExactLocked(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// ReadU32BE reads a big-endian unsigned 32-bit integer.
func (r *RingBuffer) ReadU32BE() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.readExactLocked(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// ReadBytes reads n bytes and returns them as a freshly allocated slice.
func (r *RingBuffer) ReadBytes(n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readExactLocked(n)
}

// Skip discards n bytes, blocking until they are available.
func (r *RingBuffer) Skip(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.readExactLocked(n)
	return err
}
