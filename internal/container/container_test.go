package container

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
	"github.com/zsiec/tivodecrypt/internal/tspacket"
	"github.com/zsiec/tivodecrypt/internal/turing"
)

func TestReadHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	want := &Header{
		Version: version1,
		Streams: []StreamDescriptor{
			{StreamID: 1, StreamType: tspacket.StreamVideo, Nonce: [16]byte{1, 2, 3}},
			{StreamID: 2, StreamType: tspacket.StreamAudio, Nonce: [16]byte{4, 5, 6}},
		},
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, want); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.Version != want.Version || len(got.Streams) != len(want.Streams) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want.Streams {
		if got.Streams[i] != want.Streams[i] {
			t.Errorf("stream %d = %+v, want %+v", i, got.Streams[i], want.Streams[i])
		}
	}
}

func TestReadHeader_BadMagic(t *testing.T) {
	t.Parallel()

	buf := bytes.NewReader([]byte{'X', 'X', 'X', 'X', 1, 0})
	_, err := ReadHeader(buf)
	if !errors.Is(err, decodeerr.ErrMalformedPacket) {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
}

func TestReadHeader_Truncated(t *testing.T) {
	t.Parallel()

	buf := bytes.NewReader([]byte{'T', 'V', 'D', 'C', 1, 2 /* claims 2 streams, supplies 0 */})
	_, err := ReadHeader(buf)
	if !errors.Is(err, decodeerr.ErrMalformedPacket) {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
}

func TestBuildKeyTable(t *testing.T) {
	t.Parallel()

	h := &Header{
		Streams: []StreamDescriptor{
			{StreamID: 7, Nonce: [16]byte{9, 9, 9}},
		},
	}
	calls := 0
	keys := h.BuildKeyTable("mak-secret", func(mak string, streamID uint8, nonce [16]byte) (k turing.Key) {
		calls++
		if mak != "mak-secret" || streamID != 7 || nonce != [16]byte{9, 9, 9} {
			t.Errorf("derive called with unexpected args: %q %d %v", mak, streamID, nonce)
		}
		k[0] = 0x42
		return k
	})
	if calls != 1 {
		t.Fatalf("derive called %d times, want 1", calls)
	}
	if keys[7][0] != 0x42 {
		t.Fatalf("keys[7] = %v, want first byte 0x42", keys[7])
	}
}
