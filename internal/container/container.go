// Package container reads the proprietary file header that precedes the
// transport-stream body: a magic sentinel, a stream count, and one
// descriptor per elementary stream (stream id, stream type, nonce). It
// combines each descriptor with a caller-supplied MAK via an injected
// keyderive.Func to build the per-stream key table the processor consumes.
//
// The header's own wire format is implementation-defined — the distilled
// contract only pins the four logical fields a header must yield (stream
// id, stream type, nonce, MAK) — so this layout is this implementation's
// own design, not a reverse-engineered TiVo format.
package container

import (
	"fmt"
	"io"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
	"github.com/zsiec/tivodecrypt/internal/keyderive"
	"github.com/zsiec/tivodecrypt/internal/tspacket"
	"github.com/zsiec/tivodecrypt/internal/turing"
)

var magic = [4]byte{'T', 'V', 'D', 'C'}

const version1 = 1

// StreamDescriptor is one elementary stream named in the header, keyed by
// stream id. In this implementation stream id doubles as the low byte of
// the stream's PID; see DESIGN.md for why that simplification is safe for
// this format.
type StreamDescriptor struct {
	StreamID   uint8
	StreamType tspacket.StreamType
	Nonce      [16]byte
}

// Header is the fully parsed container header.
type Header struct {
	Version uint8
	Streams []StreamDescriptor
}

// ReadHeader parses the fixed-format header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("container: reading header preamble: %w", decodeerr.ErrMalformedPacket)
	}
	if [4]byte(buf[:4]) != magic {
		return nil, fmt.Errorf("container: bad magic %q: %w", buf[:4], decodeerr.ErrMalformedPacket)
	}

	h := &Header{Version: buf[4]}
	streamCount := int(buf[5])
	h.Streams = make([]StreamDescriptor, 0, streamCount)

	for i := 0; i < streamCount; i++ {
		var entry [18]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, fmt.Errorf("container: reading stream descriptor %d: %w", i, decodeerr.ErrMalformedPacket)
		}
		d := StreamDescriptor{
			StreamID:   entry[0],
			StreamType: tspacket.LookupStreamType(entry[1]),
		}
		copy(d.Nonce[:], entry[2:18])
		h.Streams = append(h.Streams, d)
	}
	return h, nil
}

// KeyTable maps a stream id to its derived Turing key.
type KeyTable map[uint8]turing.Key

// BuildKeyTable derives a turing.Key for every stream descriptor using
// derive, typically keyderive.Derive.
func (h *Header) BuildKeyTable(mak string, derive keyderive.Func) KeyTable {
	keys := make(KeyTable, len(h.Streams))
	for _, s := range h.Streams {
		keys[s.StreamID] = derive(mak, s.StreamID, s.Nonce)
	}
	return keys
}

// WriteHeader serialises h in the layout ReadHeader expects. It exists for
// test fixtures and for the CLI's future ability to author containers, not
// for production use in the decrypt path.
func WriteHeader(w io.Writer, h *Header) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{h.Version, byte(len(h.Streams))}); err != nil {
		return err
	}
	for _, s := range h.Streams {
		entry := make([]byte, 18)
		entry[0] = s.StreamID
		entry[1] = rawStreamTypeCode(s.StreamType)
		copy(entry[2:], s.Nonce[:])
		if _, err := w.Write(entry); err != nil {
			return err
		}
	}
	return nil
}

// rawStreamTypeCode picks one representative PMT code per coarse
// StreamType so WriteHeader round-trips through LookupStreamType.
func rawStreamTypeCode(t tspacket.StreamType) byte {
	switch t {
	case tspacket.StreamVideo:
		return 0x02
	case tspacket.StreamAudio:
		return 0x03
	case tspacket.StreamOther:
		return 0x06
	case tspacket.StreamNone:
		return 0x00
	default:
		return 0x97
	}
}
