package tcprelay

import (
	"io"
	"net"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Mode selects which side of the relay a Reactor plays.
type Mode int8

const (
	// ModeServer listens and prints what accepted peers send.
	ModeServer = Mode(iota + 1)
	// ModeClient connects out and forwards console input.
	ModeClient
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	}
	return "unknown"
}

// ConsoleInput is a console stream with a pollable descriptor, os.Stdin for the
// relay command.
type ConsoleInput interface {
	Fd() uintptr
}

type Options struct {
	Mode    Mode
	Address *net.TCPAddr
	// ConsoleIn may be nil, then no console input is polled.
	ConsoleIn  ConsoleInput
	ConsoleOut io.Writer
	// Config defaults to DefaultConfig.
	Config *Config
	// Poller defaults to an epoll poller.
	Poller Poller
}

// Reactor multiplexes the listener, the outbound connection, the console and
// all accepted peers on a single goroutine. Except for Stop and Stats its
// methods must be called from the goroutine running the loop.
type Reactor struct {
	mode       Mode
	config     RelayConfig
	poller     Poller
	registry   *Registry
	consoleOut io.Writer
	buffer     []byte
	isRunning  *atomic.Bool
	stats      *RelayStats
	history    *peerHistory
	listenAddr net.Addr
	closed     bool
}

func NewReactor(opts Options) (*Reactor, error) {
	if opts.ConsoleOut == nil {
		return nil, newError(StartupError, RoleNone, "init", errMissingOutput)
	}
	config := DefaultConfig()
	if opts.Config != nil {
		copied := *opts.Config
		applyDefaults(&copied)
		if err := validateConfig(&copied); err != nil {
			return nil, newError(StartupError, RoleNone, "init", err)
		}
		config = &copied
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("init %s reactor: %+v", opts.Mode, config.Relay)
	}
	poller := opts.Poller
	if poller == nil {
		var err error
		poller, err = OpenPoller(config.Relay.EventBufferSize)
		if err != nil {
			return nil, err
		}
	}
	history, err := newPeerHistory(config.Relay.PeerHistorySize, config.Relay.PeerHistoryTTL())
	if err != nil {
		_ = poller.Close()
		return nil, newError(StartupError, RoleNone, "init", err)
	}
	r := &Reactor{
		mode:       opts.Mode,
		config:     config.Relay,
		poller:     poller,
		registry:   NewRegistry(),
		consoleOut: opts.ConsoleOut,
		buffer:     make([]byte, config.Relay.ReadBufferSize),
		isRunning:  atomic.NewBool(true),
		stats:      &RelayStats{},
		history:    history,
	}
	switch opts.Mode {
	case ModeServer:
		err = r.listen(opts.Address)
	case ModeClient:
		err = r.connect(opts.Address)
	default:
		err = newError(StartupError, RoleNone, "init", errUnknownMode)
	}
	if err == nil && opts.ConsoleIn != nil {
		err = r.attachConsole(opts.ConsoleIn)
	}
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reactor) listen(addr *net.TCPAddr) error {
	fd, err := listenTCP(addr, r.config.Backlog, r.socketOptions())
	if err != nil {
		return newError(StartupError, RoleListener, "listen", err)
	}
	if err := r.poller.Register(fd, ListenerToken, Readable); err != nil {
		_ = unix.Close(fd)
		return withRole(err, RoleListener)
	}
	r.listenAddr = localAddr(fd)
	r.registry.SetFixed(ListenerToken, &listenerSource{fd: fd, addr: r.listenAddr})
	log.Info().Msgf("Started server on port %d", portOf(r.listenAddr))
	return nil
}

func (r *Reactor) connect(addr *net.TCPAddr) error {
	fd, err := dialTCP(addr, r.socketOptions())
	if err != nil {
		return newError(StartupError, RoleOutbound, "connect", err)
	}
	if err := r.poller.Register(fd, OutboundToken, Readable|Writable|EdgeTriggered); err != nil {
		_ = unix.Close(fd)
		return withRole(err, RoleOutbound)
	}
	r.registry.SetFixed(OutboundToken, newOutboundSource(fd, addr))
	return nil
}

func (r *Reactor) attachConsole(in ConsoleInput) error {
	fd := int(in.Fd())
	if fd < 0 {
		return newError(StartupError, RoleConsole, "attach console", errNotPollable)
	}
	if err := r.poller.Register(fd, ConsoleToken, Readable); err != nil {
		return withRole(err, RoleConsole)
	}
	r.registry.SetFixed(ConsoleToken, &consoleSource{fd: fd})
	return nil
}

// Run polls and dispatches until neither a listener nor an outbound connection
// is left, Stop is called, or a fatal error happens.
func (r *Reactor) Run() error {
	if r.config.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for r.Alive() {
		if err := r.poll(r.config.PollTimeout()); err != nil {
			return err
		}
	}
	log.Info().Msgf("relay stopped, %s", r.stats.Snapshot())
	return nil
}

// poll processes a single readiness batch.
func (r *Reactor) poll(timeout time.Duration) error {
	events, err := r.poller.Poll(timeout)
	if err != nil {
		return err
	}
	if len(events) == 0 && log.Debug().Enabled() {
		log.Debug().Msgf("no events, %d active peers", r.registry.Peers())
	}
	for _, ev := range events {
		if err := r.dispatch(ev); err != nil {
			if IsFatal(err) {
				return err
			}
			log.Error().Msgf("%v", err)
		}
	}
	return nil
}

func (r *Reactor) dispatch(ev Event) error {
	source, err := r.registry.Lookup(ev.Token)
	if err != nil {
		return err
	}
	return source.OnEvent(r, ev)
}

// Stop makes Run return at its next wake-up. It is safe to call from any goroutine.
func (r *Reactor) Stop() {
	r.isRunning.Store(false)
}

// Alive reports whether the loop has anything left to serve.
func (r *Reactor) Alive() bool {
	return r.isRunning.Load() && (r.registry.HasListener() || r.registry.HasOutbound())
}

// Connected reports whether the outbound connection has been established.
func (r *Reactor) Connected() bool {
	outbound := r.outbound()
	return outbound != nil && outbound.connected
}

func (r *Reactor) Mode() Mode {
	return r.mode
}

func (r *Reactor) ListenAddr() net.Addr {
	return r.listenAddr
}

func (r *Reactor) Registry() *Registry {
	return r.registry
}

func (r *Reactor) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// Close releases every source and the poller. The console descriptor is
// deregistered but left open.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.isRunning.Store(false)
	for _, token := range r.registry.PeerTokens() {
		r.dropPeer(token)
	}
	if console := r.registry.ClearFixed(ConsoleToken); console != nil {
		r.release(console, false)
	}
	r.closeOutbound()
	if listener := r.registry.ClearFixed(ListenerToken); listener != nil {
		r.release(listener, true)
	}
	r.history.close()
	return r.poller.Close()
}

func (r *Reactor) outbound() *outboundSource {
	outbound, _ := r.registry.Fixed(OutboundToken).(*outboundSource)
	return outbound
}

func (r *Reactor) closeOutbound() {
	if outbound := r.registry.ClearFixed(OutboundToken); outbound != nil {
		r.release(outbound, true)
	}
}

// closeConsole stops polling the console after end of input. In client mode the
// outbound write side is shut down so the server sees the end of the stream.
func (r *Reactor) closeConsole() error {
	console := r.registry.ClearFixed(ConsoleToken)
	if console == nil {
		return nil
	}
	r.release(console, false)
	log.Info().Msg("[CLIENT] console input closed")
	if outbound := r.outbound(); outbound != nil {
		return outbound.finish()
	}
	return nil
}

// dropPeer removes a peer from the table, stops polling it and closes it.
func (r *Reactor) dropPeer(token Token) {
	peer, ok := r.registry.RemovePeer(token)
	if !ok {
		log.Error().Msgf("[SERVER] %s is not in the peer table", token)
		return
	}
	r.release(peer, true)
	r.stats.activePeers.Dec()
	r.history.remember(peer.remote, token)
	log.Info().Msgf("[SERVER] user disconnected %s, %s received %s", peer.remote, token, humanize.Bytes(peer.received))
}

func (r *Reactor) release(source Source, closeFd bool) {
	fd := source.Fd()
	if err := r.poller.Deregister(fd); err != nil {
		log.Error().Msgf("%v", withRole(err, source.Role()))
	}
	if closeFd {
		if err := unix.Close(fd); err != nil {
			log.Error().Msgf("%s [%d] got error while closing %s: %+v", source.Role().Tag(), fd, source.Role(), err)
		}
	}
}

func (r *Reactor) print(data []byte) error {
	if _, err := r.consoleOut.Write(data); err != nil {
		return newError(WriteError, RoleConsole, "print", err)
	}
	r.stats.printedBytes.Add(uint64(len(data)))
	return nil
}

func (r *Reactor) socketOptions() socketOptions {
	return socketOptions{rcvBuf: r.config.SocketRcvBuf, sndBuf: r.config.SocketSndBuf}
}

func portOf(addr net.Addr) int {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}
