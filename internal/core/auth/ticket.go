package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidTicket indicates a platform login ticket that could not be
// decoded. Login handlers convert this into a structured "user not found"
// error reply rather than dropping the connection.
var ErrInvalidTicket = errors.New("platform ticket could not be decoded")

// TicketDecoder yields the verified online id embedded in a platform login
// ticket. The protocol engine never parses raw tickets itself; it only
// consumes the username this boundary produces.
type TicketDecoder interface {
	Decode(ticket string) (onlineID string, err error)
}

// PlatformTicketDecoder extracts the online id from the base64 ticket blob
// the console clients send. The blob is a TLV structure but the only field
// the emulated backend needs is the printable online id, so the decoder
// scans for it rather than walking the section headers.
type PlatformTicketDecoder struct{}

const (
	minOnlineIDLength = 3
	onlineIDCharset   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

func (PlatformTicketDecoder) Decode(ticket string) (string, error) {
	// Clients escape '=' inside body values the same way chunked payloads do.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(ticket, "%3d", "="))
	if err != nil {
		return "", ErrInvalidTicket
	}

	onlineID := longestIdentifierRun(raw)
	if len(onlineID) < minOnlineIDLength {
		return "", ErrInvalidTicket
	}
	return onlineID, nil
}

func longestIdentifierRun(raw []byte) string {
	var longest, current []byte
	for _, b := range raw {
		if strings.IndexByte(onlineIDCharset, b) >= 0 {
			current = append(current, b)
			continue
		}
		if len(current) > len(longest) {
			longest = current
		}
		current = nil
	}
	if len(current) > len(longest) {
		longest = current
	}
	return string(longest)
}
