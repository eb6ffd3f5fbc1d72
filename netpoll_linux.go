package tcprelay

import (
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	closeEvents = unix.EPOLLHUP | unix.EPOLLRDHUP
	errorEvents = unix.EPOLLERR
)

type epollPoller struct {
	fd      int
	events  []unix.EpollEvent
	results []Event
}

// OpenPoller creates an epoll instance able to report up to eventsBufferSize
// events per Poll call.
func OpenPoller(eventsBufferSize int) (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError(PollError, RoleNone, "create poller", os.NewSyscallError("epoll_create1", err))
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), 1))
	return &epollPoller{
		fd:      fd,
		events:  make([]unix.EpollEvent, bufferSize),
		results: make([]Event, 0, bufferSize),
	}, nil
}

func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *epollPoller) Register(fd int, token Token, interest Interest) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] add epoll for %s, interest: %03b", fd, token, interest)
	}
	ev := &unix.EpollEvent{Fd: int32(token), Events: interestToEvents(interest)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return newTokenError(RegistrationError, RoleNone, "register", token, os.NewSyscallError("epoll_ctl add", err))
	}
	return nil
}

func (p *epollPoller) Deregister(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] delete epoll", fd)
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return newError(RegistrationError, RoleNone, "deregister", os.NewSyscallError("epoll_ctl del", err))
	}
	return nil
}

func (p *epollPoller) Poll(timeout time.Duration) ([]Event, error) {
	p.results = p.results[:0]
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err == unix.EINTR {
		return p.results, nil
	} else if err != nil {
		return nil, newError(PollError, RoleNone, "poll", os.NewSyscallError("epoll_wait", err))
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		p.results = append(p.results, Event{
			Token:    Token(uint32(ev.Fd)),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&writeEvents != 0,
			Hangup:   ev.Events&closeEvents != 0,
			Error:    ev.Events&errorEvents != 0,
		})
	}
	return p.results, nil
}

func interestToEvents(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= readEvents
	}
	if interest&Writable != 0 {
		events |= writeEvents
	}
	if interest&EdgeTriggered != 0 {
		events |= unix.EPOLLET
	}
	return events
}
