// Package tspacket parses and reconstructs 188-byte MPEG transport-stream
// frames: header fields, adaptation field length, payload offset, and the
// mutable pes_header_offset a higher-level processor fills in once a PES
// boundary is known.
package tspacket

import (
	"fmt"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
)

const (
	// Size is the fixed length of one transport-stream frame.
	Size = 188

	syncByte = 0x47
)

// StreamType classifies a PMT-style stream_type code into a coarse
// category, recorded on each container stream descriptor; it does not
// affect decrypt behaviour.
type StreamType int

const (
	StreamNone StreamType = iota
	StreamVideo
	StreamAudio
	StreamPrivateData
	StreamOther
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamPrivateData:
		return "private_data"
	case StreamOther:
		return "other"
	default:
		return "none"
	}
}

// streamTypeMap is the const table from the external interface spec: every
// known PMT stream_type byte mapped to its StreamType, default
// StreamPrivateData for anything unlisted.
var streamTypeMap = buildStreamTypeMap()

func buildStreamTypeMap() map[uint8]StreamType {
	m := map[uint8]StreamType{
		0x00: StreamNone,
		0x97: StreamPrivateData,
	}
	for _, c := range []uint8{0x01, 0x02, 0x10, 0x1B, 0x80, 0xEA} {
		m[c] = StreamVideo
	}
	for _, c := range []uint8{0x03, 0x04, 0x0F, 0x11, 0x81, 0x8A} {
		m[c] = StreamAudio
	}
	for c := uint8(0x05); c <= 0x09; c++ {
		m[c] = StreamOther
	}
	for c := uint8(0x0A); c <= 0x0E; c++ {
		m[c] = StreamOther
	}
	for c := uint8(0x12); c <= 0x1A; c++ {
		m[c] = StreamOther
	}
	m[0x7F] = StreamOther
	return m
}

// LookupStreamType classifies a raw stream_type byte, defaulting to
// StreamPrivateData for any code not in the table.
func LookupStreamType(code uint8) StreamType {
	if t, ok := streamTypeMap[code]; ok {
		return t
	}
	return StreamPrivateData
}

// Packet is one 188-byte transport-stream frame plus its parsed header
// fields. raw holds the original bytes verbatim except that ClearScrambled
// mutates the scrambling-control bits in place.
type Packet struct {
	raw [Size]byte

	TransportError    bool
	PayloadStart       bool
	TransportPriority bool
	PID               uint16
	ScramblingControl uint8
	AdaptationField   uint8
	ContinuityCounter uint8
	PayloadOffset     int

	// PESHeaderOffset is the number of bytes, measured from PayloadOffset,
	// that are plaintext PES header and must never be decrypted. It starts
	// at -1 (unset) and is finalised exactly once by the processor during
	// its Flush transition.
	PESHeaderOffset int
}

// Parse validates and decodes one 188-byte frame. buf must be exactly Size
// bytes; Parse copies it so later mutation of buf does not affect the
// returned Packet.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("tspacket: frame length %d, want %d: %w", len(buf), Size, decodeerr.ErrMalformedPacket)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("tspacket: sync byte %#x, want %#x: %w", buf[0], syncByte, decodeerr.ErrMalformedPacket)
	}

	p := &Packet{PESHeaderOffset: -1}
	copy(p.raw[:], buf)

	p.TransportError = buf[1]&0x80 != 0
	p.PayloadStart = buf[1]&0x40 != 0
	p.TransportPriority = buf[1]&0x20 != 0
	p.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.ScramblingControl = buf[3] >> 6 & 0x03
	p.AdaptationField = buf[3] >> 4 & 0x03
	p.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.AdaptationField&0x02 != 0 {
		if len(buf) < 5 {
			return nil, fmt.Errorf("tspacket: adaptation field present but frame too short: %w", decodeerr.ErrMalformedPacket)
		}
		afLen := int(buf[4])
		offset += 1 + afLen
		if offset > Size {
			return nil, fmt.Errorf("tspacket: adaptation field length %d overruns frame: %w", afLen, decodeerr.ErrMalformedPacket)
		}
	}
	p.PayloadOffset = offset

	return p, nil
}

// Payload returns the portion of the frame after the header and any
// adaptation field.
func (p *Packet) Payload() []byte {
	return p.raw[p.PayloadOffset:]
}

// IsScrambled reports whether the scrambling_control field is non-zero.
func (p *Packet) IsScrambled() bool {
	return p.ScramblingControl != 0
}

// ClearScrambled zeroes the two scrambling-control bits in the cached
// header byte and in the decoded field, leaving every other header bit
// untouched.
func (p *Packet) ClearScrambled() {
	p.raw[3] &^= 0xC0
	p.ScramblingControl = 0
}

// GetScrambledBytes returns a full 188-byte frame where bytes before
// PayloadOffset+PESHeaderOffset are preserved from the original frame,
// the scrambling-control bits are cleared, and the remaining bytes come
// from plaintext (which must be exactly len(Payload())-PESHeaderOffset
// bytes long).
func (p *Packet) GetScrambledBytes(plaintext []byte) ([]byte, error) {
	if p.PESHeaderOffset < 0 {
		return nil, fmt.Errorf("tspacket: PESHeaderOffset not finalised: %w", decodeerr.ErrMalformedPacket)
	}
	clearUpTo := p.PayloadOffset + p.PESHeaderOffset
	wantPlain := Size - clearUpTo
	if len(plaintext) != wantPlain {
		return nil, fmt.Errorf("tspacket: plaintext length %d, want %d: %w", len(plaintext), wantPlain, decodeerr.ErrMalformedPacket)
	}

	out := make([]byte, Size)
	copy(out, p.raw[:clearUpTo])
	copy(out[clearUpTo:], plaintext)
	out[3] &^= 0xC0
	return out, nil
}

// GetBytes returns the frame's 188 bytes unchanged from however ClearScrambled
// last left them.
func (p *Packet) GetBytes() []byte {
	out := make([]byte, Size)
	copy(out, p.raw[:])
	return out
}
