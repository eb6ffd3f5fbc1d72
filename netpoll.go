package tcprelay

import "time"

// Interest is the set of readiness conditions a source is polled for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered reports a condition once per change instead of while it holds.
	EdgeTriggered
)

const (
	defEventsBufferSize = 128
	defPollTimeout      = time.Second
)

// Event is a single readiness notification for a registered token.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Hangup is set when the remote side closed its write half or the descriptor hung up.
	Hangup bool
	Error  bool
}

// Poller is the readiness-notification facility the reactor is driven by.
type Poller interface {
	// Register starts monitoring fd for interest under token.
	Register(fd int, token Token, interest Interest) error
	// Deregister stops monitoring fd. It must be called before fd is closed.
	Deregister(fd int) error
	// Poll waits until at least one source is ready or timeout elapses. An empty
	// result is a plain wake-up. The returned slice is only valid until the next call.
	Poll(timeout time.Duration) ([]Event, error)
	Close() error
}
