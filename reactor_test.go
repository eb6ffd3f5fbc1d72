package tcprelay

import (
	"bytes"
	"io"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}

// trackingPoller records which tokens are currently registered, per descriptor.
type trackingPoller struct {
	Poller
	tokens map[int]Token
}

func newTrackingPoller(t *testing.T) *trackingPoller {
	t.Helper()
	poller, err := OpenPoller(16)
	require.NoError(t, err)
	return &trackingPoller{Poller: poller, tokens: make(map[int]Token)}
}

func (p *trackingPoller) Register(fd int, token Token, interest Interest) error {
	if err := p.Poller.Register(fd, token, interest); err != nil {
		return err
	}
	p.tokens[fd] = token
	return nil
}

func (p *trackingPoller) Deregister(fd int) error {
	if err := p.Poller.Deregister(fd); err != nil {
		return err
	}
	delete(p.tokens, fd)
	return nil
}

func (p *trackingPoller) peerTokens() []Token {
	tokens := make([]Token, 0)
	for _, token := range p.tokens {
		if token >= FirstPeerToken {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func newTestReactor(t *testing.T, opts Options) (*Reactor, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	opts.ConsoleOut = out
	if opts.Address == nil {
		opts.Address = loopback
	}
	r, err := NewReactor(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, out
}

// pollUntil drives the reactor one batch at a time until cond holds.
func pollUntil(t *testing.T, r *Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached in time")
		require.NoError(t, r.poll(20*time.Millisecond))
	}
}

func dialRelay(t *testing.T, r *Reactor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.ListenAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerTagsPeerInput(t *testing.T) {
	r, out := newTestReactor(t, Options{Mode: ModeServer})
	require.True(t, r.Alive())
	require.NotZero(t, portOf(r.ListenAddr()))

	first := dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 1 })
	dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 2 })

	_, err := first.Write([]byte("hi"))
	require.NoError(t, err)
	expected := "Token(3): hi"
	pollUntil(t, r, func() bool { return out.Len() >= len(expected) })
	assert.Equal(t, expected, out.String())

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.AcceptedPeers)
	assert.Equal(t, int64(2), stats.ActivePeers)
	assert.Equal(t, uint64(2), stats.ReceivedBytes)
}

func TestServerTagsOncePerReadinessBatch(t *testing.T) {
	r, out := newTestReactor(t, Options{Mode: ModeServer})

	conn := dialRelay(t, r)
	_, err := conn.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("cd"))
	require.NoError(t, err)

	expected := "Token(3): abcd"
	pollUntil(t, r, func() bool { return out.Len() >= len(expected) })
	assert.Equal(t, expected, out.String())
}

func TestServerDrainsMoreThanOneBuffer(t *testing.T) {
	r, out := newTestReactor(t, Options{Mode: ModeServer})

	payload := bytes.Repeat([]byte("x"), 3*defReadBufferSize+17)
	conn := dialRelay(t, r)
	_, err := conn.Write(payload)
	require.NoError(t, err)

	pollUntil(t, r, func() bool { return r.Stats().ReceivedBytes == uint64(len(payload)) })
	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("Token(3): ")))
	assert.Equal(t, string(payload), out.String()[len("Token(3): "):])
}

func TestServerRemovesPeerOnEndOfStream(t *testing.T) {
	r, out := newTestReactor(t, Options{Mode: ModeServer})

	conn := dialRelay(t, r)
	require.NoError(t, conn.Close())

	pollUntil(t, r, func() bool {
		return r.Stats().AcceptedPeers == 1 && r.Registry().Peers() == 0
	})
	assert.Empty(t, out.String())
	assert.Equal(t, int64(0), r.Stats().ActivePeers)

	_, err := r.Registry().Lookup(FirstPeerToken)
	assert.Error(t, err)
	assert.True(t, r.Alive())
}

func TestServerResetDropsOnlyThatPeer(t *testing.T) {
	poller := newTrackingPoller(t)
	r, out := newTestReactor(t, Options{Mode: ModeServer, Poller: poller})

	reset := dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 1 })
	survivor := dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 2 })

	// zero linger makes Close send RST, so the relay sees a read error, not EOF
	require.NoError(t, reset.(*net.TCPConn).SetLinger(0))
	require.NoError(t, reset.Close())
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 1 })

	assert.Equal(t, []Token{4}, r.Registry().PeerTokens())
	assert.ElementsMatch(t, r.Registry().PeerTokens(), poller.peerTokens())
	assert.True(t, r.Alive())
	assert.Equal(t, int64(1), r.Stats().ActivePeers)

	_, err := survivor.Write([]byte("yo"))
	require.NoError(t, err)
	expected := "Token(4): yo"
	pollUntil(t, r, func() bool { return out.Len() >= len(expected) })
	assert.Equal(t, expected, out.String())
}

func TestServerReportsReconnectOnlyAfterDisconnect(t *testing.T) {
	r, _ := newTestReactor(t, Options{Mode: ModeServer})

	first := dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 1 })
	dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 2 })
	assert.Equal(t, uint64(0), r.Stats().ReconnectedPeers)

	require.NoError(t, first.Close())
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 1 })
	// ristretto applies sets asynchronously
	require.Eventually(t, func() bool {
		_, found := r.history.lastSeen(loopback)
		return found
	}, 5*time.Second, 10*time.Millisecond)

	dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 2 })
	assert.Equal(t, uint64(1), r.Stats().ReconnectedPeers)
	previous, _ := r.history.lastSeen(loopback)
	assert.Equal(t, FirstPeerToken, previous)
}

func TestServerPeerTableMatchesPoller(t *testing.T) {
	poller := newTrackingPoller(t)
	r, _ := newTestReactor(t, Options{Mode: ModeServer, Poller: poller})

	conns := make([]net.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conns = append(conns, dialRelay(t, r))
		want := i + 1
		pollUntil(t, r, func() bool { return r.Registry().Peers() == want })
		assert.ElementsMatch(t, r.Registry().PeerTokens(), poller.peerTokens())
	}
	assert.Equal(t, []Token{3, 4, 5}, r.Registry().PeerTokens())

	require.NoError(t, conns[1].Close())
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 2 })
	assert.Equal(t, []Token{3, 5}, r.Registry().PeerTokens())
	assert.ElementsMatch(t, r.Registry().PeerTokens(), poller.peerTokens())

	dialRelay(t, r)
	pollUntil(t, r, func() bool { return r.Registry().Peers() == 3 })
	assert.Equal(t, []Token{3, 5, 6}, r.Registry().PeerTokens())
	assert.ElementsMatch(t, r.Registry().PeerTokens(), poller.peerTokens())

	require.NoError(t, r.Close())
	assert.Empty(t, poller.tokens)
}

func TestServerDropsConsoleInputWithoutConnection(t *testing.T) {
	logged := &bytes.Buffer{}
	defer func(logger zerolog.Logger) { log.Logger = logger }(log.Logger)
	log.Logger = zerolog.New(logged)

	console, input := openTestPipe(t)
	r, out := newTestReactor(t, Options{Mode: ModeServer, ConsoleIn: console})

	_, err := input.Write([]byte("hello\n"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return r.Stats().DroppedInputs == 1 })
	assert.Empty(t, out.String())
	assert.Equal(t, uint64(0), r.Stats().ForwardedBytes)
	assert.Contains(t, logged.String(), "[CLIENT] No connection yet, input dropped")
}

func TestServerKeepsRunningAfterConsoleEOF(t *testing.T) {
	console, input := openTestPipe(t)
	r, _ := newTestReactor(t, Options{Mode: ModeServer, ConsoleIn: console})
	require.True(t, r.Registry().HasConsole())

	require.NoError(t, input.Close())
	pollUntil(t, r, func() bool { return !r.Registry().HasConsole() })
	assert.True(t, r.Alive())
}

func TestDispatchUnknownTokenIsFatal(t *testing.T) {
	r, _ := newTestReactor(t, Options{Mode: ModeServer})
	err := r.dispatch(Event{Token: Token(42), Readable: true})
	require.Error(t, err)
	assert.Equal(t, ConsistencyError, KindOf(err))
	assert.True(t, IsFatal(err))
}

func TestStopEndsRun(t *testing.T) {
	r, _ := newTestReactor(t, Options{Mode: ModeServer})
	r.Stop()
	assert.False(t, r.Alive())
	assert.NoError(t, r.Run())
}

func TestNewReactorRejectsBadOptions(t *testing.T) {
	_, err := NewReactor(Options{Mode: ModeServer, Address: loopback})
	assert.Equal(t, StartupError, KindOf(err))

	_, err = NewReactor(Options{Mode: Mode(9), Address: loopback, ConsoleOut: ioutil.Discard})
	assert.Equal(t, StartupError, KindOf(err))

	_, err = NewReactor(Options{Mode: ModeServer, ConsoleOut: ioutil.Discard})
	assert.Equal(t, StartupError, KindOf(err))

	config := DefaultConfig()
	config.Relay.PollTimeoutMs = -1
	_, err = NewReactor(Options{Mode: ModeServer, Address: loopback, ConsoleOut: ioutil.Discard, Config: config})
	require.Error(t, err)
	assert.Equal(t, StartupError, KindOf(err))
	assert.Contains(t, err.Error(), "poll_timeout_ms")
}

func TestServerListenFailureIsStartupError(t *testing.T) {
	r, _ := newTestReactor(t, Options{Mode: ModeServer})
	_, err := NewReactor(Options{
		Mode:       ModeServer,
		Address:    r.ListenAddr().(*net.TCPAddr),
		ConsoleOut: ioutil.Discard,
	})
	require.Error(t, err)
	assert.Equal(t, StartupError, KindOf(err))
	assert.Contains(t, err.Error(), "[SERVER]")
}

func listenTestServer(t *testing.T) (net.Listener, *net.TCPAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr)
}

func acceptTestConn(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestClientForwardsConsoleInputOnce(t *testing.T) {
	ln, addr := listenTestServer(t)
	console, input := openTestPipe(t)
	r, out := newTestReactor(t, Options{Mode: ModeClient, Address: addr, ConsoleIn: console})

	pollUntil(t, r, r.Connected)
	conn := acceptTestConn(t, ln)

	_, err := input.Write([]byte("hello"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return r.Stats().ForwardedBytes == 5 })

	// closing the console half-closes the connection, so the server reads up to EOF
	require.NoError(t, input.Close())
	pollUntil(t, r, func() bool { return !r.Registry().HasConsole() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	received, err := ioutil.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(received))
	assert.Empty(t, out.String())
	assert.True(t, r.Alive())
}

func TestClientQueuesInputUntilConnected(t *testing.T) {
	ln, addr := listenTestServer(t)
	console, input := openTestPipe(t)
	r, _ := newTestReactor(t, Options{Mode: ModeClient, Address: addr, ConsoleIn: console})

	_, err := input.Write([]byte("early"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return r.Connected() && r.Stats().ForwardedBytes == 5 })

	conn := acceptTestConn(t, ln)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))
}

func TestClientPrintsServerData(t *testing.T) {
	ln, addr := listenTestServer(t)
	r, out := newTestReactor(t, Options{Mode: ModeClient, Address: addr})
	pollUntil(t, r, r.Connected)
	conn := acceptTestConn(t, ln)

	_, err := conn.Write([]byte("pong"))
	require.NoError(t, err)
	pollUntil(t, r, func() bool { return out.Len() >= 4 })
	assert.Equal(t, "pong", out.String())
}

func TestClientStopsWhenServerCloses(t *testing.T) {
	ln, addr := listenTestServer(t)
	r, _ := newTestReactor(t, Options{Mode: ModeClient, Address: addr})
	pollUntil(t, r, r.Connected)
	conn := acceptTestConn(t, ln)

	require.NoError(t, conn.Close())
	pollUntil(t, r, func() bool { return !r.Alive() })
	assert.False(t, r.Registry().HasOutbound())
	assert.NoError(t, r.Run())
}

func TestClientConnectFailureIsFatal(t *testing.T) {
	ln, addr := listenTestServer(t)
	require.NoError(t, ln.Close())

	out := &bytes.Buffer{}
	r, err := NewReactor(Options{Mode: ModeClient, Address: addr, ConsoleOut: out})
	if err == nil {
		defer r.Close()
		err = r.Run()
	}
	require.Error(t, err)
	assert.Equal(t, StartupError, KindOf(err))
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "[CLIENT]")
}

func TestOutboundQueuesUnsentBytes(t *testing.T) {
	ln, addr := listenTestServer(t)
	config := DefaultConfig()
	config.Relay.SocketSndBuf = 8192
	r, _ := newTestReactor(t, Options{Mode: ModeClient, Address: addr, Config: config})
	pollUntil(t, r, r.Connected)
	conn := acceptTestConn(t, ln)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<19)
	outbound := r.outbound()
	require.NotNil(t, outbound)
	require.NoError(t, outbound.write(r, payload))
	assert.Greater(t, outbound.pending.Length(), 0)

	type result struct {
		data []byte
		err  error
	}
	received := make(chan result, 1)
	go func() {
		data := make([]byte, len(payload))
		_, err := io.ReadFull(conn, data)
		received <- result{data: data, err: err}
	}()

	pollUntil(t, r, func() bool { return outbound.pending.Length() == 0 })
	assert.Equal(t, uint64(len(payload)), r.Stats().ForwardedBytes)

	select {
	case res := <-received:
		require.NoError(t, res.err)
		assert.True(t, bytes.Equal(payload, res.data))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the payload")
	}
}
