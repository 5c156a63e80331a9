package poller

import "golang.org/x/sys/unix"

// newPollFD creates the epoll instance.
func newPollFD() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

// newWakePipe creates the non-blocking wakeup pipe.
func newWakePipe(fds *[2]int) error {
	return unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
}

// addWatch adds fd to the epoll interest set, level-triggered for reads.
// Level triggering gives one event per wakeup while data remains, which
// pairs with callbacks that drain a single datagram at a time.
func (p *Poller) addWatch(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.pfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// removeWatch removes fd from the epoll interest set.
func (p *Poller) removeWatch(fd int) error {
	err := unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		// The descriptor may already be closed; deregistration is best effort.
		return nil
	}
	return err
}

// loop waits for readiness events and dispatches callbacks until Close.
func (p *Poller) loop() {
	defer close(p.done)

	events := make([]unix.EpollEvent, 64)

	for {
		n, err := unix.EpollWait(p.pfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakeR {
				p.drainWake()
				if p.isClosed() {
					return
				}
				continue
			}
			p.dispatch(fd)
		}
	}
}
