//go:build unix && !linux

package mainloop

import (
	"sort"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable poll(2) multiplexer, used where epoll is not
// available. The interest set is rebuilt into a pollfd array on every wait.
type pollPoller struct {
	interest map[int]IOEvents
	pfds     []unix.PollFd
	closed   bool
}

func newPoller(maxEvents int) (poller, error) {
	return &pollPoller{
		interest: make(map[int]IOEvents),
		pfds:     make([]unix.PollFd, 0, maxEvents),
	}, nil
}

func (p *pollPoller) close() error {
	p.closed = true
	p.interest = nil
	return nil
}

func (p *pollPoller) add(fd int, events IOEvents) error {
	if p.closed {
		return errPollerClosed
	}
	p.interest[fd] = events
	return nil
}

func (p *pollPoller) mod(fd int, events IOEvents) error {
	return p.add(fd, events)
}

func (p *pollPoller) del(fd int) error {
	if p.closed {
		return errPollerClosed
	}
	if _, ok := p.interest[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.interest, fd)
	return nil
}

func (p *pollPoller) wait(timeoutMs int, out []PollFD) ([]PollFD, error) {
	if p.closed {
		return out, errPollerClosed
	}

	p.pfds = p.pfds[:0]
	for fd, events := range p.interest {
		p.pfds = append(p.pfds, unix.PollFd{
			Fd:     int32(fd),
			Events: eventsToPoll(events),
		})
	}
	// deterministic readiness order, lowest fd first
	sort.Slice(p.pfds, func(i, j int) bool { return p.pfds[i].Fd < p.pfds[j].Fd })

	n, err := unix.Poll(p.pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, err
	}

	for i := 0; i < len(p.pfds) && n > 0; i++ {
		if p.pfds[i].Revents == 0 {
			continue
		}
		n--
		out = append(out, PollFD{
			Fd:      int(p.pfds[i].Fd),
			Revents: pollToEvents(p.pfds[i].Revents),
		})
	}
	return out, nil
}

func eventsToPoll(events IOEvents) int16 {
	var pollEvents int16
	if events&EventRead != 0 {
		pollEvents |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		pollEvents |= unix.POLLOUT
	}
	return pollEvents
}

func pollToEvents(pollEvents int16) IOEvents {
	var events IOEvents
	if pollEvents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if pollEvents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if pollEvents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if pollEvents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
