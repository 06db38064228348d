// Debug utilities for inspecting server behavior at runtime.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/openplasma/plasma/internal/protocol"
)

// StartPprofServer starts the pprof server on its own port.
func StartPprofServer(logger *logrus.Logger, port int) {
	go func() {
		logger.Infof("starting pprof server on port %d", port)
		if err := http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil); err != nil {
			logger.Warnf("error starting pprof server: %v", err)
		}
	}()
}

var packetDumper = spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}

// DumpPacket renders a decoded packet for the packet log, body pairs in wire
// order.
func DumpPacket(packet *protocol.Packet) string {
	pairs := make([][2]string, 0, packet.Len())
	for _, key := range packet.Keys() {
		pairs = append(pairs, [2]string{key, packet.Get(key)})
	}

	return fmt.Sprintf(
		"%s id=%d transmission=%#08x\n%s",
		packet.Type, packet.ID, packet.TransmissionType, packetDumper.Sdump(pairs),
	)
}
