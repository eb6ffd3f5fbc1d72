package tcprelay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerHistoryDisabled(t *testing.T) {
	history, err := newPeerHistory(0, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, history)

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	history.remember(addr, Token(3))
	_, found := history.lastSeen(addr)
	assert.False(t, found)
	history.close()
}

func TestPeerHistoryRemembersHost(t *testing.T) {
	history, err := newPeerHistory(64, time.Minute)
	require.NoError(t, err)
	defer history.close()

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	_, found := history.lastSeen(addr)
	assert.False(t, found)

	history.remember(addr, Token(3))
	// ristretto applies sets asynchronously
	var previous Token
	require.Eventually(t, func() bool {
		previous, found = history.lastSeen(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4001})
		return found
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Token(3), previous)

	_, found = history.lastSeen(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000})
	assert.False(t, found)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", hostOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}))
	assert.Equal(t, "::1", hostOf(&net.TCPAddr{IP: net.IPv6loopback, Port: 9000}))
	assert.Equal(t, "10.1.1.1", hostOf(&net.UDPAddr{IP: net.IPv4(10, 1, 1, 1), Port: 53}))
}
