package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func buildPacket(t *testing.T, packetType string, transmissionType, id uint32, pairs [][2]string) *Packet {
	t.Helper()
	p := NewPacket(packetType, transmissionType, id)
	for _, pair := range pairs {
		p.Set(pair[0], pair[1])
	}
	return p
}

func TestDecode_LiteralExample(t *testing.T) {
	// fsys packet, transmission type 0xc0000000, id 1, body "TXN=Hello\n\x00".
	frame := []byte{
		0x66, 0x73, 0x79, 0x73, // "fsys"
		0xc0, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x17,
		0x54, 0x58, 0x4e, 0x3d, 0x48, 0x65, 0x6c, 0x6c, 0x6f, 0x0a, 0x00,
	}

	packet, consumed, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() returned unexpected error: %v", err)
	}

	if consumed != len(frame) {
		t.Errorf("Decode() consumed %d bytes, expected %d", consumed, len(frame))
	}
	if packet.Type != "fsys" {
		t.Errorf("Type = %q, expected fsys", packet.Type)
	}
	if packet.TransmissionType != SinglePacketResponse {
		t.Errorf("TransmissionType = %#x, expected %#x", packet.TransmissionType, SinglePacketResponse)
	}
	if packet.ID != 1 {
		t.Errorf("ID = %d, expected 1", packet.ID)
	}
	if packet.Get("TXN") != "Hello" {
		t.Errorf("TXN = %q, expected Hello", packet.Get("TXN"))
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name             string
		packetType       string
		transmissionType uint32
		id               uint32
		pairs            [][2]string
	}{
		{
			name:             "fesl hello response",
			packetType:       "fsys",
			transmissionType: SinglePacketResponse,
			id:               1,
			pairs: [][2]string{
				{"TXN", "Hello"},
				{"domainPartition.domain", "ps3"},
				{"theaterIp", "127.0.0.1"},
				{"theaterPort", "18805"},
			},
		},
		{
			name:             "theater create game request",
			packetType:       "CGAM",
			transmissionType: SinglePacketRequest,
			id:               4,
			pairs: [][2]string{
				{"TID", "4"},
				{"NAME", "conquest server"},
				{"MAX-PLAYERS", "16"},
				{"JOIN", "O"},
			},
		},
		{
			name:             "ping with empty body",
			packetType:       "fsys",
			transmissionType: Ping,
			id:               0,
			pairs:            nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := buildPacket(t, tt.packetType, tt.transmissionType, tt.id, tt.pairs)

			frame := Encode(original)
			decoded, consumed, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() returned unexpected error: %v", err)
			}
			if consumed != len(frame) {
				t.Errorf("Decode() consumed %d bytes, expected the whole frame", consumed)
			}

			if decoded.Type != original.Type {
				t.Errorf("Type = %q, expected %q", decoded.Type, original.Type)
			}
			if decoded.TransmissionType != original.TransmissionType {
				t.Errorf("TransmissionType = %#x, expected %#x", decoded.TransmissionType, original.TransmissionType)
			}
			if decoded.ID != original.ID {
				t.Errorf("ID = %d, expected %d", decoded.ID, original.ID)
			}

			if diff := deep.Equal(original.Keys(), decoded.Keys()); diff != nil {
				t.Errorf("decoded keys did not match original: %v", diff)
			}
			for _, key := range original.Keys() {
				if decoded.Get(key) != original.Get(key) {
					t.Errorf("%s = %q, expected %q", key, decoded.Get(key), original.Get(key))
				}
			}
		})
	}
}

func TestEncode_QuotesValuesContainingSpaces(t *testing.T) {
	packet := buildPacket(t, "GDAT", SinglePacketResponse, 2, [][2]string{
		{"N", "my game server"},
	})

	frame := Encode(packet)
	if !bytes.Contains(frame, []byte(`N="my game server"`)) {
		t.Errorf("encoded frame did not quote value with spaces: %q", frame)
	}

	decoded, _, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() returned unexpected error: %v", err)
	}
	if decoded.Get("N") != "my game server" {
		t.Errorf("quoted value did not survive round trip: %q", decoded.Get("N"))
	}
}

func TestDecode_MultipleConcatenatedFrames(t *testing.T) {
	first := buildPacket(t, "CONN", SinglePacketRequest, 1, [][2]string{{"PROT", "2"}})
	second := buildPacket(t, "USER", SinglePacketRequest, 2, [][2]string{{"LKEY", "abc."}})

	buffer := append(Encode(first), Encode(second)...)

	var decoded []*Packet
	cursor := 0
	for cursor < len(buffer) {
		if _, ok := FrameLength(buffer[cursor:]); !ok {
			break
		}
		packet, consumed, err := Decode(buffer[cursor:])
		if err != nil {
			t.Fatalf("Decode() at offset %d returned error: %v", cursor, err)
		}
		decoded = append(decoded, packet)
		cursor += consumed
	}

	if len(decoded) != 2 {
		t.Fatalf("decoded %d packets from concatenated buffer, expected 2", len(decoded))
	}
	if decoded[0].Type != "CONN" || decoded[1].Type != "USER" {
		t.Errorf("decoded wrong packet sequence: %s, %s", decoded[0].Type, decoded[1].Type)
	}
}

func TestFrameLength_PartialHeader(t *testing.T) {
	if _, ok := FrameLength([]byte{0x66, 0x73, 0x79}); ok {
		t.Error("FrameLength() reported a length for a partial header")
	}
}

func TestDecode_Errors(t *testing.T) {
	goodFrame := Encode(buildPacket(t, "fsys", SinglePacketRequest, 1, [][2]string{{"TXN", "Hello"}}))

	tests := []struct {
		name       string
		buf        []byte
		wantTarget interface{}
	}{
		{
			name:       "short buffer",
			buf:        goodFrame[:8],
			wantTarget: &FramingError{},
		},
		{
			name: "declared length shorter than header",
			buf: func() []byte {
				frame := append([]byte{}, goodFrame...)
				binary.BigEndian.PutUint32(frame[8:12], 4)
				return frame
			}(),
			wantTarget: &FramingError{},
		},
		{
			name: "declared length unreachable",
			buf: func() []byte {
				frame := append([]byte{}, goodFrame...)
				binary.BigEndian.PutUint32(frame[8:12], uint32(len(frame)+100))
				return frame
			}(),
			wantTarget: &FramingError{},
		},
		{
			name: "body line missing equals",
			buf: func() []byte {
				body := []byte("TXN\n\x00")
				frame := make([]byte, HeaderSize+len(body))
				copy(frame[0:4], "fsys")
				binary.BigEndian.PutUint32(frame[4:8], SinglePacketRequest|1)
				binary.BigEndian.PutUint32(frame[8:12], uint32(len(frame)))
				copy(frame[HeaderSize:], body)
				return frame
			}(),
			wantTarget: &EncodingError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.buf)
			if err == nil {
				t.Fatal("Decode() succeeded, expected an error")
			}

			switch tt.wantTarget.(type) {
			case *FramingError:
				var framingErr *FramingError
				if !errors.As(err, &framingErr) {
					t.Errorf("expected FramingError, got %T: %v", err, err)
				}
			case *EncodingError:
				var encodingErr *EncodingError
				if !errors.As(err, &encodingErr) {
					t.Errorf("expected EncodingError, got %T: %v", err, err)
				}
			}
		})
	}
}

func TestEncodeResponse_SmallBodySingleFrame(t *testing.T) {
	packet := buildPacket(t, "fsys", SinglePacketResponse, 1, [][2]string{{"TXN", "Hello"}})

	frames := EncodeResponse(packet)
	if len(frames) != 1 {
		t.Fatalf("EncodeResponse() produced %d frames for a small body, expected 1", len(frames))
	}
	if diff := deep.Equal(frames[0], Encode(packet)); diff != nil {
		t.Errorf("single frame response differed from Encode(): %v", diff)
	}
}

func TestEncodeResponse_ChunksLargeBody(t *testing.T) {
	packet := NewPacket("pnow", SinglePacketResponse, 3)
	packet.Set("TXN", "Status")
	packet.Set("blob", strings.Repeat("x", MultiPacketThreshold*2))

	originalBody := encodeBody(packet)
	originalBody = originalBody[:len(originalBody)-1]

	frames := EncodeResponse(packet)
	if len(frames) < 2 {
		t.Fatalf("EncodeResponse() produced %d frames, expected at least 2", len(frames))
	}

	var chunks []*Packet
	for i, frame := range frames {
		chunk, _, err := Decode(frame)
		if err != nil {
			t.Fatalf("error decoding chunk %d: %v", i, err)
		}

		if chunk.Type != "pnow" {
			t.Errorf("chunk %d type = %q, expected pnow", i, chunk.Type)
		}
		if chunk.TransmissionType != MultiPacketResponse {
			t.Errorf("chunk %d transmission type = %#x, expected %#x", i, chunk.TransmissionType, MultiPacketResponse)
		}
		if chunk.ID != 3 {
			t.Errorf("chunk %d id = %d, expected 3", i, chunk.ID)
		}
		if chunk.GetInt("decodedSize") != int64(len(originalBody)) {
			t.Errorf("chunk %d decodedSize = %d, expected %d", i, chunk.GetInt("decodedSize"), len(originalBody))
		}
		if strings.Contains(chunk.Get("data"), "=") {
			t.Errorf("chunk %d data contains unescaped '='", i)
		}

		chunks = append(chunks, chunk)
	}

	reassembled, err := ReassembleChunks(chunks)
	if err != nil {
		t.Fatalf("ReassembleChunks() returned error: %v", err)
	}
	if !bytes.Equal(reassembled, originalBody) {
		t.Error("reassembled payload did not match the original body")
	}
}
