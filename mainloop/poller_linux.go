//go:build linux

package mainloop

import (
	"golang.org/x/sys/unix"
)

// epollPoller manages I/O event registration using epoll (Linux).
type epollPoller struct {
	epfd     int
	eventBuf []unix.EpollEvent
	closed   bool
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:     epfd,
		eventBuf: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *epollPoller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func (p *epollPoller) add(fd int, events IOEvents) error {
	if p.closed {
		return errPollerClosed
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	if err == unix.EEXIST {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
	return err
}

func (p *epollPoller) mod(fd int, events IOEvents) error {
	if p.closed {
		return errPollerClosed
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	}
	return err
}

func (p *epollPoller) del(fd int) error {
	if p.closed {
		return errPollerClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeoutMs int, out []PollFD) ([]PollFD, error) {
	if p.closed {
		return out, errPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}

	for i := 0; i < n; i++ {
		out = append(out, PollFD{
			Fd:      int(p.eventBuf[i].Fd),
			Revents: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return out, nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
