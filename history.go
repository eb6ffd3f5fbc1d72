package tcprelay

import (
	"net"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// peerHistory remembers the token a remote host last disconnected under, so
// that quick reconnects can be told apart from new users in the log.
type peerHistory struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newPeerHistory(size int, ttl time.Duration) (*peerHistory, error) {
	if size <= 0 {
		return nil, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't create peer history")
	}
	return &peerHistory{cache: cache, ttl: ttl}, nil
}

// remember records that the host of addr disconnected as token.
func (h *peerHistory) remember(addr net.Addr, token Token) {
	if h == nil || addr == nil {
		return
	}
	h.cache.SetWithTTL(hostOf(addr), token, 1, h.ttl)
}

// lastSeen returns the token the host of addr last disconnected under, if it
// is still cached.
func (h *peerHistory) lastSeen(addr net.Addr) (Token, bool) {
	if h == nil || addr == nil {
		return 0, false
	}
	value, found := h.cache.Get(hostOf(addr))
	if !found {
		return 0, false
	}
	previous, ok := value.(Token)
	return previous, ok
}

func (h *peerHistory) close() {
	if h != nil {
		h.cache.Close()
	}
}

func hostOf(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
