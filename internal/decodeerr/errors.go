// Package decodeerr defines the semantic error kinds shared across the
// decode pipeline. Call sites wrap one of these sentinels with fmt.Errorf
// and %w so callers can classify a failure with errors.Is while still
// getting a specific message.
package decodeerr

import "errors"

var (
	// ErrUnexpectedEOF is returned when the consumer asked for N bytes but
	// the input closed with fewer available.
	ErrUnexpectedEOF = errors.New("decodeerr: unexpected EOF")

	// ErrBufferExhausted is returned when the ring buffer cannot grow
	// further to satisfy a pending write.
	ErrBufferExhausted = errors.New("decodeerr: ring buffer exhausted")

	// ErrMalformedPacket is returned when a 188-byte frame is missing its
	// sync byte or its framing is otherwise impossible to parse.
	ErrMalformedPacket = errors.New("decodeerr: malformed transport packet")

	// ErrUnknownStartCode is returned when the MPEG start-code scanner
	// encounters a start-code prefix with an unrecognised identifier.
	ErrUnknownStartCode = errors.New("decodeerr: unknown MPEG start code")

	// ErrDecryptFailure is returned when the Turing block header could not
	// be parsed from a scrambled payload.
	ErrDecryptFailure = errors.New("decodeerr: turing header parse failed")

	// ErrSinkWriteFailure is returned when writing a reconstructed packet
	// to the output sink failed.
	ErrSinkWriteFailure = errors.New("decodeerr: sink write failed")
)
