package tcprelay

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// consoleSource is the local input stream. Its descriptor belongs to the
// caller and is never closed by the reactor.
type consoleSource struct {
	fd int
}

func (c *consoleSource) Role() Role {
	return RoleConsole
}

func (c *consoleSource) Fd() int {
	return c.fd
}

// OnEvent reads one chunk of console input and forwards it to the outbound
// connection. The console is level-triggered, so larger input arrives over
// several events.
func (c *consoleSource) OnEvent(r *Reactor, ev Event) error {
	read, err := unix.Read(c.fd, r.buffer)
	if err != nil {
		if isInterrupted(err) || isWouldBlock(err) {
			return nil
		}
		return newTokenError(ReadError, RoleConsole, "read", ConsoleToken, os.NewSyscallError("read", err))
	}
	if read == 0 {
		return r.closeConsole()
	}
	outbound := r.outbound()
	if outbound == nil {
		r.stats.droppedInputs.Inc()
		log.Warn().Msgf("[CLIENT] %v", errNoConnection)
		return nil
	}
	return outbound.write(r, r.buffer[:read])
}
