// Package mpegstart implements a stateless forward scanner over MPEG-2
// video and PES headers. Given a byte window, it walks consecutive
// start-code-prefixed headers starting at offset 0 and reports the total
// bit length each one occupies, stopping at the first slice start code
// (video payload begins) or at the first position that is not a start
// code at all. It never allocates more than the returned length slice and
// never looks past the supplied buffer.
package mpegstart

const (
	codeExtension   = 0xB5
	codeGOPHeader   = 0xB8
	codeUserData    = 0xB2
	codePicture     = 0x00
	codeSequence    = 0xB3
	codeSequenceEnd = 0xB7
	codeAncillary   = 0xB6

	sliceStartMin = 0x01
	sliceStartMax = 0xAF

	pesStartMin = 0xC0
	pesStartMax = 0xEF
	pesPrivate1 = 0xBD // private_stream_1, carries an optional PES header
)

// noOptionalHeaderIDs are the PES stream ids that, per ISO/IEC 13818-1,
// carry no optional PES header: the payload begins immediately after the
// 16-bit PES_packet_length field.
var noOptionalHeaderIDs = map[byte]bool{
	0xBC: true, // program_stream_map
	0xBE: true, // padding_stream
	0xBF: true, // private_stream_2
	0xF0: true, // ECM
	0xF1: true, // EMM
	0xF2: true, // DSMCC_stream
	0xF8: true, // ITU-T Rec. H.222.1 type E
	0xFF: true, // program_stream_directory
}

// extension start-code identifiers recognised within extension_start_code.
const (
	extSequence        = 1
	extSequenceDisplay = 2
	extQuantMatrix     = 3
	extPictureCoding   = 8
)

// Scan walks consecutive MPEG-2/PES headers starting at offset 0 of buf.
// It returns the bit length of each header found, in order, and true on
// success. Scanning stops successfully at the end of buf, at a slice start
// code (the beginning of video payload, which is not itself counted as a
// header), or at the first byte offset that is not a 0x000001-prefixed
// start code. It returns ok=false only when a start-code prefix is found
// whose identifier byte is not recognised by any case below.
func Scan(buf []byte) (lengths []int, ok bool) {
	pos := 0
	for {
		if pos+4 > len(buf) {
			return lengths, true
		}
		if buf[pos] != 0x00 || buf[pos+1] != 0x00 || buf[pos+2] != 0x01 {
			return lengths, true
		}
		id := buf[pos+3]

		switch {
		case id == codeExtension:
			n, consumed := scanExtensionHeader(buf[pos:])
			if !consumed {
				return nil, false
			}
			lengths = append(lengths, n*8)
			pos += n

		case id == codeGOPHeader:
			n := scanGOPHeader(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id == codeUserData:
			n := scanToNextStartCode(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id == codePicture:
			n := scanPictureHeader(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id == codeSequence:
			n := scanSequenceHeader(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id == codeSequenceEnd:
			lengths = append(lengths, 32)
			pos += 4

		case id == codeAncillary:
			n := scanToNextStartCode(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id >= pesStartMin && id <= pesStartMax, id == pesPrivate1:
			n := scanPESHeader(buf[pos:])
			lengths = append(lengths, n*8)
			pos += n

		case id >= sliceStartMin && id <= sliceStartMax:
			return lengths, true

		default:
			return nil, false
		}
	}
}

// scanToNextStartCode consumes bytes starting at the 4-byte start code in
// buf until the next 0x000001 prefix, or the end of buf, whichever comes
// first. Used for user_data and ancillary_data, whose body is not itself
// structured.
func scanToNextStartCode(buf []byte) int {
	for i := 4; i+3 <= len(buf); i++ {
		if buf[i] == 0x00 && buf[i+1] == 0x00 && buf[i+2] == 0x01 {
			return i
		}
	}
	return len(buf)
}

// scanGOPHeader consumes group_of_pictures_header: a 25-bit time_code plus
// two flag bits, rounded up to the next byte boundary.
func scanGOPHeader(buf []byte) int {
	r := newBitReader(buf[4:])
	r.skip(25) // time_code
	r.skip(1)  // closed_gop
	r.skip(1)  // broken_link
	return 4 + r.bytePos()
}

// scanSequenceHeader consumes sequence_header, including its two optional
// 64-entry quantiser matrices.
func scanSequenceHeader(buf []byte) int {
	r := newBitReader(buf[4:])
	r.skip(12) // horizontal_size_value
	r.skip(12) // vertical_size_value
	r.skip(4)  // aspect_ratio_information
	r.skip(4)  // frame_rate_code
	r.skip(18) // bit_rate_value
	r.skip(1)  // marker_bit
	r.skip(10) // vbv_buffer_size_value
	r.skip(1)  // constrained_parameters_flag
	if r.readBit() {
		r.skip(64 * 8) // intra_quantiser_matrix
	}
	if r.readBit() {
		r.skip(64 * 8) // non_intra_quantiser_matrix
	}
	return 4 + r.bytePos()
}

// scanPictureHeader consumes picture_header, whose tail is a variable-length
// run of extra_information_picture bytes gated by extra_bit_picture flags.
func scanPictureHeader(buf []byte) int {
	r := newBitReader(buf[4:])
	r.skip(10) // temporal_reference
	codingType := r.readUint32(3)
	r.skip(16) // vbv_delay

	if codingType == 2 || codingType == 3 { // P or B picture
		r.skip(1) // full_pel_forward_vector
		r.skip(3) // forward_f_code
	}
	if codingType == 3 { // B picture
		r.skip(1) // full_pel_backward_vector
		r.skip(3) // backward_f_code
	}
	for r.readBit() && !r.overflow {
		r.skip(8) // extra_information_picture
	}
	return 4 + r.bytePos()
}

// scanExtensionHeader dispatches on the 4-bit extension identifier
// immediately following extension_start_code. Unrecognised extension ids
// degrade to scanning for the next start code, the same treatment given to
// user_data. Returns (bytesConsumed, true) on success; consumed is always
// true here because every extension id is handled, either structurally or
// via fallback.
func scanExtensionHeader(buf []byte) (int, bool) {
	r := newBitReader(buf[4:])
	extID := r.readUint32(4)

	switch extID {
	case extSequence:
		r.skip(8)  // profile_and_level_indication
		r.skip(1)  // progressive_sequence
		r.skip(2)  // chroma_format
		r.skip(2)  // horizontal_size_extension
		r.skip(2)  // vertical_size_extension
		r.skip(12) // bit_rate_extension
		r.skip(1)  // marker_bit
		r.skip(8)  // vbv_buffer_size_extension
		r.skip(1)  // low_delay
		r.skip(2)  // frame_rate_extension_n
		r.skip(5)  // frame_rate_extension_d
		return 4 + r.bytePos(), true

	case extSequenceDisplay:
		r.skip(3) // video_format
		if r.readBit() {
			r.skip(24) // colour_primaries, transfer_characteristics, matrix_coefficients
		}
		r.skip(14) // display_horizontal_size
		r.skip(1)  // marker_bit
		r.skip(14) // display_vertical_size
		return 4 + r.bytePos(), true

	case extQuantMatrix:
		for i := 0; i < 4; i++ {
			if r.readBit() {
				r.skip(64 * 8)
			}
		}
		return 4 + r.bytePos(), true

	case extPictureCoding:
		r.skip(4 * 4) // f_code[2][2], 4 bits each
		r.skip(2)     // intra_dc_precision
		r.skip(2) // picture_structure
		r.skip(1) // top_field_first
		r.skip(1) // frame_pred_frame_dct
		r.skip(1) // concealment_motion_vectors
		r.skip(1) // q_scale_type
		r.skip(1) // intra_vlc_format
		r.skip(1) // alternate_scan
		r.skip(1) // repeat_first_field
		r.skip(1) // chroma_420_type
		r.skip(1) // progressive_frame
		if r.readBit() {
			r.skip(1) // v_axis
			r.skip(3) // field_sequence
			r.skip(1) // sub_carrier
			r.skip(7) // burst_amplitude
			r.skip(8) // sub_carrier_phase
		}
		return 4 + r.bytePos(), true

	default:
		return scanToNextStartCode(buf), true
	}
}

// scanPESHeader consumes the 16-bit PES_packet_length field and, for
// stream ids that carry one, the fixed optional-header fields plus the
// variable-length PES_header_data that PES_header_data_length names.
func scanPESHeader(buf []byte) int {
	streamID := buf[3]
	if len(buf) < 6 {
		return len(buf)
	}

	if noOptionalHeaderIDs[streamID] {
		return 6
	}

	r := newBitReader(buf[6:])
	r.skip(2) // '10' marker
	r.skip(2) // PES_scrambling_control
	r.skip(1) // PES_priority
	r.skip(1) // data_alignment_indicator
	r.skip(1) // copyright
	r.skip(1) // original_or_copy
	r.skip(2) // PTS_DTS_flags
	r.skip(1) // ESCR_flag
	r.skip(1) // ES_rate_flag
	r.skip(1) // DSM_trick_mode_flag
	r.skip(1) // additional_copy_info_flag
	r.skip(1) // PES_CRC_flag
	r.skip(1) // PES_extension_flag
	headerDataLength := r.readUint32(8)

	return 6 + 3 + int(headerDataLength)
}
