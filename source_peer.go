package tcprelay

import (
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Peer is a connection accepted by the listener.
type Peer struct {
	token       Token
	fd          int
	remote      net.Addr
	connectedAt time.Time
	received    uint64
}

func newPeer(token Token, fd int, remote net.Addr) *Peer {
	return &Peer{
		token:       token,
		fd:          fd,
		remote:      remote,
		connectedAt: time.Now(),
	}
}

func (p *Peer) Role() Role {
	return RolePeer
}

func (p *Peer) Fd() int {
	return p.fd
}

func (p *Peer) Token() Token {
	return p.token
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.remote
}

func (p *Peer) ReceivedBytes() uint64 {
	return p.received
}

// OnEvent drains the peer socket. Everything read during one event is printed
// as a single block tagged with the peer token.
func (p *Peer) OnEvent(r *Reactor, ev Event) error {
	tagged := false
	for {
		read, err := unix.Read(p.fd, r.buffer)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if isWouldBlock(err) {
				return nil
			}
			r.dropPeer(p.token)
			return newTokenError(ReadError, RolePeer, "read", p.token, os.NewSyscallError("read", err))
		}
		if read == 0 {
			r.dropPeer(p.token)
			return nil
		}
		if !tagged {
			if err := r.print([]byte(p.token.String() + ": ")); err != nil {
				return err
			}
			tagged = true
		}
		p.received += uint64(read)
		r.stats.receivedBytes.Add(uint64(read))
		if err := r.print(r.buffer[:read]); err != nil {
			return err
		}
	}
}
