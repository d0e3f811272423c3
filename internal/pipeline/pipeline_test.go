package pipeline

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/zsiec/tivodecrypt/internal/tsproc"
)

func buildPacket(pid uint16, fill byte) []byte {
	buf := make([]byte, 188)
	buf[0] = 0x47
	buf[1] = byte(pid >> 8 & 0x1F)
	buf[2] = byte(pid)
	buf[3] = 0x10
	for i := 4; i < len(buf); i++ {
		buf[i] = fill
	}
	return buf
}

func TestRun_EmptyInputFinishesCleanly(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	proc := tsproc.New(&out, nil, nil)
	p := New(bytes.NewReader(nil), proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run on empty input: %v", err)
	}
}

func TestRun_WholeNumberOfPacketsSucceeds(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	in.Write(buildPacket(0x100, 0xAA))
	in.Write(buildPacket(0x100, 0xBB))

	var out bytes.Buffer
	proc := tsproc.New(&out, nil, nil)
	p := New(&in, proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() != 2*188 {
		t.Fatalf("output length = %d, want %d", out.Len(), 2*188)
	}
}

func TestRun_TruncatedMidPacketFails(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	in.Write(buildPacket(0x100, 0xAA))
	in.Write(buildPacket(0x100, 0xBB)[:180]) // truncated second packet

	var out bytes.Buffer
	proc := tsproc.New(&out, nil, nil)
	p := New(&in, proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Run(ctx); err == nil {
		t.Fatal("Run succeeded on truncated input, want error")
	}
	if out.Len() != 188 {
		t.Fatalf("output length = %d, want %d (the one complete packet)", out.Len(), 188)
	}
}

// blockingReader never returns, simulating a live source with nothing yet
// to deliver, so Run must be unblocked purely by context cancellation.
type blockingReader struct {
	unblock chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

func TestRun_CancelledContextStops(t *testing.T) {
	t.Parallel()

	src := &blockingReader{unblock: make(chan struct{})}
	defer close(src.unblock)

	var out bytes.Buffer
	proc := tsproc.New(&out, nil, nil)
	p := New(src, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run with pre-cancelled context returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
