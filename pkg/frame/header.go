package frame

import (
	"fmt"
	"strconv"
)

// Segment indicators. A whole message travels in one buffer marked
// SegmentWhole; larger messages are chunked into a SegmentFirst buffer,
// zero or more SegmentMiddle buffers and a SegmentLast buffer.
const (
	SegmentWhole  = '-'
	SegmentFirst  = '['
	SegmentMiddle = '+'
	SegmentLast   = ']'
)

// Field widths of the textual header. All fields are ASCII digits,
// zero-padded, except the single segment indicator character.
const (
	versionWidth    = 2
	segmentWidth    = 1
	resourceIDWidth = 8
	sequenceWidth   = 10
	lengthWidth     = 12

	// HeaderLen is the total width of a buffer header.
	HeaderLen = versionWidth + segmentWidth + resourceIDWidth + sequenceWidth + lengthWidth

	// ackBodyLen is the width of a buffer-receipt acknowledgement body:
	// ackedSequenceNr(10) | receivedSoFar(12) | totalLength(12).
	ackBodyLen = sequenceWidth + 2*lengthWidth
)

// ProtocolVersion is the header version emitted and accepted by this
// implementation. A peer announcing any other version is disconnected.
const ProtocolVersion = 1

// Header is the decoded fixed-width prefix of a transmitted buffer.
// SequenceNr 0 marks a service message (buffer-receipt acknowledgement).
type Header struct {
	Version     int
	Segment     byte
	ResourceID  uint64
	SequenceNr  uint64
	TotalLength uint64
}

func isSegment(c byte) bool {
	return c == SegmentWhole || c == SegmentFirst || c == SegmentMiddle || c == SegmentLast
}

// FormatHeader renders h as the fixed-width textual header.
func FormatHeader(h Header) []byte {
	return []byte(fmt.Sprintf("%0*d%c%0*d%0*d%0*d",
		versionWidth, h.Version,
		h.Segment,
		resourceIDWidth, h.ResourceID,
		sequenceWidth, h.SequenceNr,
		lengthWidth, h.TotalLength))
}

// ParseVersion decodes only the version field, so the compatibility gate
// can run before anything else is trusted.
func ParseVersion(buf []byte) (int, error) {
	if len(buf) < versionWidth {
		return 0, fmt.Errorf("buffer of %d bytes is shorter than a header version field", len(buf))
	}
	v, err := strconv.Atoi(string(buf[:versionWidth]))
	if err != nil {
		return 0, fmt.Errorf("malformed header version %q: %w", buf[:versionWidth], err)
	}
	return v, nil
}

// ParseHeader decodes the header at the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("buffer of %d bytes is shorter than a %d byte header", len(buf), HeaderLen)
	}
	var h Header
	var err error
	if h.Version, err = ParseVersion(buf); err != nil {
		return Header{}, err
	}
	pos := versionWidth
	h.Segment = buf[pos]
	if !isSegment(h.Segment) {
		return Header{}, fmt.Errorf("invalid segment indicator %q", h.Segment)
	}
	pos += segmentWidth
	if h.ResourceID, err = parseField(buf, pos, resourceIDWidth, "resourceId"); err != nil {
		return Header{}, err
	}
	pos += resourceIDWidth
	if h.SequenceNr, err = parseField(buf, pos, sequenceWidth, "sequenceNr"); err != nil {
		return Header{}, err
	}
	pos += sequenceWidth
	if h.TotalLength, err = parseField(buf, pos, lengthWidth, "totalLength"); err != nil {
		return Header{}, err
	}
	return h, nil
}

// ack is the decoded body of a buffer-receipt acknowledgement.
type ack struct {
	AckedSequenceNr uint64
	ReceivedSoFar   uint64
	TotalLength     uint64
}

func formatAck(a ack) []byte {
	return []byte(fmt.Sprintf("%0*d%0*d%0*d",
		sequenceWidth, a.AckedSequenceNr,
		lengthWidth, a.ReceivedSoFar,
		lengthWidth, a.TotalLength))
}

func parseAck(body []byte) (ack, error) {
	if len(body) != ackBodyLen {
		return ack{}, fmt.Errorf("acknowledgement body is %d bytes, want %d", len(body), ackBodyLen)
	}
	var a ack
	var err error
	if a.AckedSequenceNr, err = parseField(body, 0, sequenceWidth, "ackedSequenceNr"); err != nil {
		return ack{}, err
	}
	if a.ReceivedSoFar, err = parseField(body, sequenceWidth, lengthWidth, "receivedSoFar"); err != nil {
		return ack{}, err
	}
	if a.TotalLength, err = parseField(body, sequenceWidth+lengthWidth, lengthWidth, "totalLength"); err != nil {
		return ack{}, err
	}
	return a, nil
}

func parseField(buf []byte, pos, width int, name string) (uint64, error) {
	v, err := strconv.ParseUint(string(buf[pos:pos+width]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed header field %s %q: %w", name, buf[pos:pos+width], err)
	}
	return v, nil
}
