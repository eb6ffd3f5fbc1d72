package tcprelay

import (
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type listenerSource struct {
	fd   int
	addr net.Addr
}

func (l *listenerSource) Role() Role {
	return RoleListener
}

func (l *listenerSource) Fd() int {
	return l.fd
}

// OnEvent accepts one pending connection. The listener is level-triggered, so
// whatever is left in the backlog is reported again by the next poll.
func (l *listenerSource) OnEvent(r *Reactor, ev Event) error {
	fd, remote, err := acceptTCP(l.fd, r.socketOptions())
	if err != nil {
		if isWouldBlock(err) || isInterrupted(err) {
			return nil
		}
		r.stats.acceptErrors.Inc()
		return newError(AcceptError, RoleListener, "accept", err)
	}
	token := r.registry.NextPeerToken()
	if err := r.poller.Register(fd, token, Readable|EdgeTriggered); err != nil {
		_ = unix.Close(fd)
		return withRole(err, RolePeer)
	}
	r.registry.InsertPeer(newPeer(token, fd, remote))
	r.stats.acceptedPeers.Inc()
	r.stats.activePeers.Inc()
	log.Info().Msgf("[SERVER] user connected %s", remote)
	if previous, ok := r.history.lastSeen(remote); ok {
		r.stats.reconnectedPeers.Inc()
		log.Info().Msgf("[SERVER] %s reconnected as %s, previously %s", hostOf(remote), token, previous)
	}
	return nil
}
