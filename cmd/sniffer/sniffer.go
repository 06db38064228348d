package main

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"

	"github.com/openplasma/plasma/internal/core/debug"
	"github.com/openplasma/plasma/internal/protocol"
)

// sniffer reassembles each direction of each TCP connection into a byte
// stream and peels decoded frames off the front as they complete.
type sniffer struct {
	ServerPorts map[uint16]bool

	streams map[string][]byte
}

func (s *sniffer) startReading(packetChan chan gopacket.Packet) {
	s.streams = make(map[string][]byte)

	for packet := range packetChan {
		transport := packet.TransportLayer()
		app := packet.ApplicationLayer()
		if transport == nil || app == nil || len(app.Payload()) == 0 {
			continue
		}

		flow := transport.TransportFlow()
		srcPort := binary.BigEndian.Uint16(flow.Src().Raw())
		dstPort := binary.BigEndian.Uint16(flow.Dst().Raw())
		if !s.ServerPorts[srcPort] && !s.ServerPorts[dstPort] {
			continue
		}

		key := flow.String()
		s.streams[key] = append(s.streams[key], app.Payload()...)
		s.drainStream(key, s.ServerPorts[srcPort], flow)
	}
}

// drainStream decodes every complete frame currently buffered for one
// direction of one connection.
func (s *sniffer) drainStream(key string, fromServer bool, flow gopacket.Flow) {
	buffer := s.streams[key]
	for {
		if len(buffer) < protocol.HeaderSize {
			break
		}
		length, ok := protocol.FrameLength(buffer[:protocol.HeaderSize])
		if !ok || length > len(buffer) {
			break
		}

		packet, consumed, err := protocol.Decode(buffer)
		if err != nil {
			// Not our protocol after all; drop the stream.
			fmt.Printf("undecodable traffic on %v: %v\n", flow, err)
			buffer = nil
			break
		}
		buffer = buffer[consumed:]

		direction := "client->server"
		if fromServer {
			direction = "server->client"
		}
		fmt.Printf("%v (%s)\n%s\n", flow, direction, debug.DumpPacket(packet))
	}
	s.streams[key] = buffer
}
