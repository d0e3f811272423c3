package ringbuf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
)

func TestPositionedReader_TracksPositionAcrossTypedReads(t *testing.T) {
	t.Parallel()

	rb := New(nil)
	src := bytes.NewReader([]byte{0xFF, 0x81, 0x12, 0x34, 0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03})
	for {
		more, err := rb.FillFrom(context.Background(), src)
		if err != nil {
			t.Fatalf("FillFrom: %v", err)
		}
		if !more {
			break
		}
	}

	pr := NewPositionedReader(rb)
	if pr.Position() != 0 {
		t.Fatalf("initial Position() = %d, want 0", pr.Position())
	}

	if _, err := pr.ReadU8(); err != nil {
		t.Fatalf("ReadU8: %v", err)
	}
	if pr.Position() != 1 {
		t.Fatalf("Position() after ReadU8 = %d, want 1", pr.Position())
	}

	if _, err := pr.ReadI8(); err != nil {
		t.Fatalf("ReadI8: %v", err)
	}
	if pr.Position() != 2 {
		t.Fatalf("Position() after ReadI8 = %d, want 2", pr.Position())
	}

	if _, err := pr.ReadU16BE(); err != nil {
		t.Fatalf("ReadU16BE: %v", err)
	}
	if pr.Position() != 4 {
		t.Fatalf("Position() after ReadU16BE = %d, want 4", pr.Position())
	}

	if _, err := pr.ReadU32BE(); err != nil {
		t.Fatalf("ReadU32BE: %v", err)
	}
	if pr.Position() != 8 {
		t.Fatalf("Position() after ReadU32BE = %d, want 8", pr.Position())
	}

	if err := pr.Skip(1); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if pr.Position() != 9 {
		t.Fatalf("Position() after Skip = %d, want 9", pr.Position())
	}

	dst := make([]byte, 2)
	if err := pr.ReadExact(dst); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if pr.Position() != 11 {
		t.Fatalf("Position() after ReadExact = %d, want 11", pr.Position())
	}
}

func TestPositionedReader_ReadBytesAdvancesPosition(t *testing.T) {
	t.Parallel()

	rb := New(nil)
	src := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	for {
		more, err := rb.FillFrom(context.Background(), src)
		if err != nil {
			t.Fatalf("FillFrom: %v", err)
		}
		if !more {
			break
		}
	}

	pr := NewPositionedReader(rb)
	b, err := pr.ReadBytes(3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes = %v, want [1 2 3]", b)
	}
	if pr.Position() != 3 {
		t.Fatalf("Position() = %d, want 3", pr.Position())
	}
}

func TestPositionedReader_FailedReadDoesNotAdvancePosition(t *testing.T) {
	t.Parallel()

	rb := New(nil)
	src := bytes.NewReader([]byte{0x01, 0x02})
	for {
		more, err := rb.FillFrom(context.Background(), src)
		if err != nil {
			t.Fatalf("FillFrom: %v", err)
		}
		if !more {
			break
		}
	}

	pr := NewPositionedReader(rb)
	dst := make([]byte, 4)
	err := pr.ReadExact(dst)
	if !errors.Is(err, decodeerr.ErrUnexpectedEOF) {
		t.Fatalf("ReadExact err = %v, want ErrUnexpectedEOF", err)
	}
	if pr.Position() != 0 {
		t.Fatalf("Position() after failed read = %d, want 0", pr.Position())
	}
}

func TestPositionedReader_CloseUnblocksRead(t *testing.T) {
	t.Parallel()

	rb := New(nil)
	pr := NewPositionedReader(rb)

	done := make(chan error, 1)
	go func() {
		dst := make([]byte, 4)
		done <- pr.ReadExact(dst)
	}()

	time.Sleep(10 * time.Millisecond)
	pr.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("ReadExact err = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadExact never unblocked after Close")
	}
}
