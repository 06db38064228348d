// Packet representation and framing for the two legacy wire protocols.
//
// Both the account/presence ("fesl") and game hosting ("theater") services
// speak the same frame format: a 4 character ASCII type tag, a 4 byte word
// combining the transmission type with a 24 bit correlation id, a 4 byte
// total frame length, and a newline separated key=value text body terminated
// by a NUL.
package protocol

import "strconv"

// Transmission types occupying the top byte of the second header word. The
// low 24 bits of that word carry the correlation id.
const (
	Ping                 uint32 = 0x00000000
	SinglePacketRequest  uint32 = 0x40000000
	MultiPacketRequest   uint32 = 0x80000000
	SinglePacketResponse uint32 = 0xc0000000
	MultiPacketResponse  uint32 = 0xf0000000
)

const (
	transmissionTypeMask = 0xff000000
	packetIDMask         = 0x00ffffff
)

// Packet is a single protocol message. The key/value body preserves insertion
// order since the legacy clients are sensitive to field ordering in a handful
// of replies.
type Packet struct {
	// Type is the 4 character ASCII tag ("fsys", "acct", "CGAM", ...).
	Type string
	// TransmissionType is one of the constants above.
	TransmissionType uint32
	// ID is the 24 bit correlation id assigned by whichever side initiated
	// the exchange.
	ID uint32

	keys   []string
	values map[string]string
}

// NewPacket returns an empty Packet with the header fields set.
func NewPacket(packetType string, transmissionType uint32, id uint32) *Packet {
	return &Packet{
		Type:             packetType,
		TransmissionType: transmissionType,
		ID:               id & packetIDMask,
		values:           make(map[string]string),
	}
}

// NewResponse returns an empty single-response Packet correlated to req.
func NewResponse(req *Packet) *Packet {
	return NewPacket(req.Type, SinglePacketResponse, req.ID)
}

// WithID returns a copy of p correlated to id. The body is shared, which is
// safe because packets are immutable once sent.
func (p *Packet) WithID(id uint32) *Packet {
	clone := *p
	clone.ID = id & packetIDMask
	return &clone
}

// Set stores a key/value pair, preserving the position of an existing key.
func (p *Packet) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// SetInt stores an integer value under key.
func (p *Packet) SetInt(key string, value int64) {
	p.Set(key, strconv.FormatInt(value, 10))
}

// Get returns the value for key, or the empty string if it is unset.
func (p *Packet) Get(key string) string {
	return p.values[key]
}

// Lookup returns the value for key and whether it was present.
func (p *Packet) Lookup(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetInt parses the value for key as a base 10 integer, returning 0 for
// missing or malformed values since 0 is the protocol's "no id" sentinel.
func (p *Packet) GetInt(key string) int64 {
	v, err := strconv.ParseInt(p.values[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Keys returns the body keys in insertion order.
func (p *Packet) Keys() []string {
	return p.keys
}

// Len returns the number of key/value pairs in the body.
func (p *Packet) Len() int {
	return len(p.keys)
}
