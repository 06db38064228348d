// The sniffer captures live traffic between a legacy client and the backend
// and prints every decoded frame. The protocols are plaintext, so no key
// material is needed; point it at the device the client traffic crosses.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

var (
	device = flag.String("d", "en0", "Device on which to listen for packets")
	ports  = flag.String("ports", "18800,18805,18875,18885", "Comma separated list of server ports to watch")
)

func main() {
	flag.Parse()

	serverPorts := make(map[uint16]bool)
	for _, p := range strings.Split(*ports, ",") {
		port, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			exit("invalid port %q: %v", p, err)
		}
		serverPorts[uint16(port)] = true
	}

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	_ = handle.SetBPFFilter("tcp")

	s := &sniffer{ServerPorts: serverPorts}
	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	s.startReading(packetSource.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}
