package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HeaderSize is the fixed length of every frame header: 4 byte type tag,
// 4 byte transmission-type/id word, 4 byte total frame length.
const HeaderSize = 12

// FramingError indicates a frame whose header or declared length is
// malformed. These are fatal to the connection that produced them since the
// stream can no longer be resynchronized.
type FramingError struct {
	Message string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Message
}

// EncodingError indicates a syntactically invalid body line inside an
// otherwise well-framed packet.
type EncodingError struct {
	Line string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: body line %q missing '='", e.Line)
}

// FrameLength peeks at a frame header and returns the total declared length
// of the frame. Callers feeding a stream should use this to decide whether
// enough bytes have accumulated before calling Decode; fewer than HeaderSize
// bytes available means "need more data", not an error.
func FrameLength(header []byte) (int, bool) {
	if len(header) < HeaderSize {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(header[8:12])), true
}

// Encode serializes p into a single frame. Values containing a space are
// wrapped in double quotes.
func Encode(p *Packet) []byte {
	body := encodeBody(p)

	frame := make([]byte, HeaderSize+len(body))
	copy(frame[0:4], p.Type)
	binary.BigEndian.PutUint32(frame[4:8], p.TransmissionType|(p.ID&packetIDMask))
	binary.BigEndian.PutUint32(frame[8:12], uint32(HeaderSize+len(body)))
	copy(frame[HeaderSize:], body)

	return frame
}

// encodeBody renders the key/value pairs as newline terminated text plus the
// trailing NUL.
func encodeBody(p *Packet) []byte {
	var sb strings.Builder
	for _, key := range p.keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		value := p.values[key]
		if strings.Contains(value, " ") {
			sb.WriteByte('"')
			sb.WriteString(value)
			sb.WriteByte('"')
		} else {
			sb.WriteString(value)
		}
		sb.WriteByte('\n')
	}
	sb.WriteByte(0)
	return []byte(sb.String())
}

// Decode parses the first frame in buf, returning the packet and the number
// of bytes consumed. The caller can advance its cursor by the consumed count
// and loop until the buffer is exhausted; a read that delivered multiple
// concatenated frames decodes cleanly that way.
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, &FramingError{Message: fmt.Sprintf("buffer too short for header (%d bytes)", len(buf))}
	}

	length := int(binary.BigEndian.Uint32(buf[8:12]))
	if length < HeaderSize {
		return nil, 0, &FramingError{Message: fmt.Sprintf("declared length %d shorter than header", length)}
	}
	if length > len(buf) {
		return nil, 0, &FramingError{Message: fmt.Sprintf("declared length %d exceeds available %d bytes", length, len(buf))}
	}

	word := binary.BigEndian.Uint32(buf[4:8])
	packet := NewPacket(string(buf[0:4]), word&transmissionTypeMask, word&packetIDMask)

	if err := decodeBody(packet, buf[HeaderSize:length]); err != nil {
		return nil, 0, err
	}

	return packet, length, nil
}

func decodeBody(p *Packet, body []byte) error {
	text := strings.TrimRight(string(body), "\x00")

	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return &EncodingError{Line: line}
		}

		value := line[idx+1:]
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		p.Set(line[:idx], value)
	}

	return nil
}
