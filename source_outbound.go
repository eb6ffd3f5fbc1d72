package tcprelay

import (
	"net"
	"os"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// pendingWrite is the unsent tail of one console chunk.
type pendingWrite struct {
	data []byte
}

type outboundSource struct {
	fd        int
	addr      *net.TCPAddr
	connected bool
	// closeWrite asks for a write-side shutdown once pending is flushed.
	closeWrite  bool
	writeClosed bool
	pending     *queue.Queue
}

func newOutboundSource(fd int, addr *net.TCPAddr) *outboundSource {
	return &outboundSource{
		fd:      fd,
		addr:    addr,
		pending: queue.New(),
	}
}

func (o *outboundSource) Role() Role {
	return RoleOutbound
}

func (o *outboundSource) Fd() int {
	return o.fd
}

func (o *outboundSource) OnEvent(r *Reactor, ev Event) error {
	if !o.connected {
		if err := socketError(o.fd); err != nil {
			return newError(StartupError, RoleOutbound, "failed to connect to "+o.addr.String(), err)
		}
		if ev.Writable {
			o.connected = true
			log.Info().Msgf("Connected to server on port %d", o.addr.Port)
		}
	}
	if ev.Writable && o.connected {
		if err := o.flush(r); err != nil {
			return err
		}
	}
	if ev.Readable || ev.Hangup || ev.Error {
		return o.drain(r)
	}
	return nil
}

// drain prints everything the server sent. End of stream closes the outbound
// connection, which ends the loop unless a listener is still active.
func (o *outboundSource) drain(r *Reactor) error {
	for {
		read, err := unix.Read(o.fd, r.buffer)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if isWouldBlock(err) {
				return nil
			}
			return newTokenError(ReadError, RoleOutbound, "read", OutboundToken, os.NewSyscallError("read", err))
		}
		if read == 0 {
			log.Info().Msgf("[CLIENT] server %s closed the connection", o.addr)
			r.closeOutbound()
			return nil
		}
		r.stats.receivedBytes.Add(uint64(read))
		if err := r.print(r.buffer[:read]); err != nil {
			return err
		}
	}
}

// write sends data in order after anything still queued. What the socket does
// not take now is queued and sent on the next writable event.
func (o *outboundSource) write(r *Reactor, data []byte) error {
	if o.writeClosed || o.closeWrite {
		return nil
	}
	if o.pending.Length() > 0 || !o.connected {
		o.pending.Add(&pendingWrite{data: append([]byte(nil), data...)})
		return nil
	}
	written, err := writeNonBlocking(o.fd, data)
	r.stats.forwardedBytes.Add(uint64(written))
	if err != nil {
		return newTokenError(WriteError, RoleOutbound, "write", OutboundToken, err)
	}
	if written < len(data) {
		o.pending.Add(&pendingWrite{data: append([]byte(nil), data[written:]...)})
		if log.Debug().Enabled() {
			log.Debug().Msgf("[CLIENT] queued %d unsent bytes", len(data)-written)
		}
	}
	return nil
}

func (o *outboundSource) flush(r *Reactor) error {
	for o.pending.Length() > 0 {
		chunk := o.pending.Peek().(*pendingWrite)
		written, err := writeNonBlocking(o.fd, chunk.data)
		r.stats.forwardedBytes.Add(uint64(written))
		if err != nil {
			return newTokenError(WriteError, RoleOutbound, "write", OutboundToken, err)
		}
		if written < len(chunk.data) {
			chunk.data = chunk.data[written:]
			return nil
		}
		o.pending.Remove()
	}
	if o.closeWrite {
		return o.shutdownWrite()
	}
	return nil
}

// finish half-closes the connection after the queued input went out, so the
// server sees end of stream while replies can still be read.
func (o *outboundSource) finish() error {
	o.closeWrite = true
	if o.pending.Length() > 0 || !o.connected {
		return nil
	}
	return o.shutdownWrite()
}

func (o *outboundSource) shutdownWrite() error {
	if o.writeClosed {
		return nil
	}
	o.writeClosed = true
	if err := unix.Shutdown(o.fd, unix.SHUT_WR); err != nil {
		return newTokenError(WriteError, RoleOutbound, "shutdown", OutboundToken, os.NewSyscallError("shutdown", err))
	}
	return nil
}

// writeNonBlocking writes until data is gone or the socket would block. A
// would-block condition is not an error.
func writeNonBlocking(fd int, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		written, err := unix.Write(fd, data[total:])
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if isWouldBlock(err) {
				return total, nil
			}
			return total, os.NewSyscallError("write", err)
		}
		total += written
	}
	return total, nil
}
