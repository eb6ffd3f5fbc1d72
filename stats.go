package tcprelay

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"
)

// RelayStats are updated by the reactor goroutine and may be read from anywhere.
type RelayStats struct {
	acceptedPeers  atomic.Uint64
	activePeers    atomic.Int64
	receivedBytes  atomic.Uint64
	forwardedBytes atomic.Uint64
	printedBytes   atomic.Uint64
	droppedInputs  atomic.Uint64
	acceptErrors   atomic.Uint64
	// reconnectedPeers counts accepts from a host that disconnected recently.
	reconnectedPeers atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of RelayStats.
type StatsSnapshot struct {
	AcceptedPeers uint64
	ActivePeers   int64
	// ReceivedBytes counts payload read from peers and from the outbound connection.
	ReceivedBytes uint64
	// ForwardedBytes counts console input written to the outbound connection.
	ForwardedBytes uint64
	PrintedBytes   uint64
	DroppedInputs  uint64
	AcceptErrors   uint64
	// ReconnectedPeers counts accepts from a host that disconnected recently.
	ReconnectedPeers uint64
}

func (s *RelayStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AcceptedPeers:    s.acceptedPeers.Load(),
		ActivePeers:      s.activePeers.Load(),
		ReceivedBytes:    s.receivedBytes.Load(),
		ForwardedBytes:   s.forwardedBytes.Load(),
		PrintedBytes:     s.printedBytes.Load(),
		DroppedInputs:    s.droppedInputs.Load(),
		AcceptErrors:     s.acceptErrors.Load(),
		ReconnectedPeers: s.reconnectedPeers.Load(),
	}
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("peers accepted: %d active: %d received: %s forwarded: %s dropped inputs: %d",
		s.AcceptedPeers, s.ActivePeers, humanize.Bytes(s.ReceivedBytes), humanize.Bytes(s.ForwardedBytes), s.DroppedInputs)
}
