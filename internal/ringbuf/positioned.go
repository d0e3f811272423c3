package ringbuf

// PositionedReader is a thin façade over a RingBuffer that tracks an
// absolute byte position, advanced by every byte the consumer reads. It
// mirrors the original implementation's CountingDataInputStream: every
// typed read delegates to the underlying RingBuffer and then advances
// position by exactly the number of bytes consumed, so callers can report
// "where in the input" a later failure happened.
type PositionedReader struct {
	rb  *RingBuffer
	pos uint64
}

// NewPositionedReader wraps rb, starting at position 0.
func NewPositionedReader(rb *RingBuffer) *PositionedReader {
	return &PositionedReader{rb: rb}
}

// Position reports the number of bytes consumed through this reader so far.
func (p *PositionedReader) Position() uint64 {
	return p.pos
}

// Close unblocks any read in progress and marks the underlying RingBuffer
// closed, per the distilled cancellation contract ("closing the
// PositionedReader sets a shutdown flag observed by the producer").
func (p *PositionedReader) Close() {
	p.rb.Close()
}

// ReadExact reads len(dst) bytes and advances position by len(dst).
func (p *PositionedReader) ReadExact(dst []byte) error {
	if err := p.rb.ReadExact(dst); err != nil {
		return err
	}
	p.pos += uint64(len(dst))
	return nil
}

// ReadU8 reads a single unsigned byte.
func (p *PositionedReader) ReadU8() (uint8, error) {
	v, err := p.rb.ReadU8()
	if err != nil {
		return 0, err
	}
	p.pos++
	return v, nil
}

// ReadI8 reads a single signed byte.
func (p *PositionedReader) ReadI8() (int8, error) {
	v, err := p.rb.ReadI8()
	if err != nil {
		return 0, err
	}
	p.pos++
	return v, nil
}

// ReadU16BE reads a big-endian unsigned 16-bit integer.
func (p *PositionedReader) ReadU16BE() (uint16, error) {
	v, err := p.rb.ReadU16BE()
	if err != nil {
		return 0, err
	}
	p.pos += 2
	return v, nil
}

// ReadU32BE reads a big-endian unsigned 32-bit integer.
func (p *PositionedReader) ReadU32BE() (uint32, error) {
	v, err := p.rb.ReadU32BE()
	if err != nil {
		return 0, err
	}
	p.pos += 4
	return v, nil
}

// ReadBytes reads n bytes and advances position by n.
func (p *PositionedReader) ReadBytes(n int) ([]byte, error) {
	b, err := p.rb.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	p.pos += uint64(n)
	return b, nil
}

// Skip discards n bytes and advances position by n.
func (p *PositionedReader) Skip(n int) error {
	if err := p.rb.Skip(n); err != nil {
		return err
	}
	p.pos += uint64(n)
	return nil
}
