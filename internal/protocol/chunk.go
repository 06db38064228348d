package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MultiPacketThreshold is the body size above which an outbound response is
// base64 encoded and split across multiple frames. Anything at or below it
// goes out as a single frame.
const MultiPacketThreshold = 8096

// EncodeResponse serializes p into one or more frames. Bodies exceeding
// MultiPacketThreshold are base64 encoded and chunked into frames tagged as
// multi-packet responses, each carrying the decoded and encoded sizes plus a
// data chunk with '=' escaped so the chunk survives the key/value body format.
func EncodeResponse(p *Packet) [][]byte {
	body := encodeBody(p)
	// encodeBody appends the NUL terminator; the chunked payload carries the
	// bare text.
	payload := body[:len(body)-1]

	if len(payload) <= MultiPacketThreshold {
		return [][]byte{Encode(p)}
	}

	encoded := base64.StdEncoding.EncodeToString(payload)

	var frames [][]byte
	for offset := 0; offset < len(encoded); offset += MultiPacketThreshold {
		end := offset + MultiPacketThreshold
		if end > len(encoded) {
			end = len(encoded)
		}

		chunk := NewPacket(p.Type, MultiPacketResponse, p.ID)
		chunk.SetInt("decodedSize", int64(len(payload)))
		chunk.SetInt("size", int64(len(encoded)))
		chunk.Set("data", escapeChunkData(encoded[offset:end]))

		frames = append(frames, Encode(chunk))
	}

	return frames
}

// ReassembleChunks reverses EncodeResponse for a sequence of multi-packet
// response frames, returning the original body text.
func ReassembleChunks(chunks []*Packet) ([]byte, error) {
	var encoded strings.Builder
	declaredSize := int64(0)

	for _, chunk := range chunks {
		if chunk.TransmissionType != MultiPacketResponse {
			return nil, fmt.Errorf("packet %s:%d is not a multi-packet response", chunk.Type, chunk.ID)
		}
		declaredSize = chunk.GetInt("decodedSize")
		encoded.WriteString(unescapeChunkData(chunk.Get("data")))
	}

	payload, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("error decoding chunked payload: %w", err)
	}
	if int64(len(payload)) != declaredSize {
		return nil, fmt.Errorf("reassembled payload is %d bytes, expected %d", len(payload), declaredSize)
	}

	return payload, nil
}

func escapeChunkData(data string) string {
	return strings.ReplaceAll(data, "=", "%3d")
}

func unescapeChunkData(data string) string {
	return strings.ReplaceAll(data, "%3d", "=")
}
