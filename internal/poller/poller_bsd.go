//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import "golang.org/x/sys/unix"

// newPollFD creates the kqueue instance.
func newPollFD() (int, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(kq)
	return kq, nil
}

// newWakePipe creates the non-blocking wakeup pipe.
func newWakePipe(fds *[2]int) error {
	if err := unix.Pipe(fds[:]); err != nil {
		return err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return err
		}
		unix.CloseOnExec(fd)
	}
	return nil
}

// addWatch adds a read filter for fd to the kqueue.
func (p *Poller) addWatch(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	_, err := unix.Kevent(p.pfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// removeWatch removes the read filter for fd from the kqueue.
func (p *Poller) removeWatch(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(p.pfd, []unix.Kevent_t{ev}, nil, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		// The descriptor may already be closed; deregistration is best effort.
		return nil
	}
	return err
}

// loop waits for readiness events and dispatches callbacks until Close.
func (p *Poller) loop() {
	defer close(p.done)

	events := make([]unix.Kevent_t, 64)

	for {
		n, err := unix.Kevent(p.pfd, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Ident)
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
