// Package poller implements the readiness mechanism used by UDP flow
// sessions: a single event-loop goroutine watches a set of non-blocking
// sockets and invokes a registered callback once per readable event.
//
// Callbacks run serialized on the event-loop goroutine. Deregister guarantees
// that no new callback dispatch for that descriptor begins after it returns.
package poller

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when operating on a closed poller.
var ErrClosed = errors.New("poller closed")

// ReadyFunc is invoked on the event loop when a registered descriptor is
// readable. It should drain at most one datagram so flows interleave fairly.
type ReadyFunc func()

// Poller multiplexes read-readiness over many file descriptors.
type Poller struct {
	mu        sync.Mutex
	callbacks map[int]ReadyFunc
	closed    bool

	pfd   int // epoll or kqueue descriptor
	wakeR int // read end of the wakeup pipe
	wakeW int // write end of the wakeup pipe

	done chan struct{}
}

// New creates a poller and starts its event loop.
func New() (*Poller, error) {
	pfd, err := newPollFD()
	if err != nil {
		return nil, fmt.Errorf("create poll fd: %w", err)
	}

	var pipeFDs [2]int
	if err := newWakePipe(&pipeFDs); err != nil {
		unix.Close(pfd)
		return nil, fmt.Errorf("create wakeup pipe: %w", err)
	}

	p := &Poller{
		callbacks: make(map[int]ReadyFunc),
		pfd:       pfd,
		wakeR:     pipeFDs[0],
		wakeW:     pipeFDs[1],
		done:      make(chan struct{}),
	}

	if err := p.addWatch(p.wakeR); err != nil {
		unix.Close(pfd)
		unix.Close(p.wakeR)
		unix.Close(p.wakeW)
		return nil, fmt.Errorf("watch wakeup pipe: %w", err)
	}

	go p.loop()

	return p, nil
}

// Register adds a descriptor to the interest set. The descriptor must be in
// non-blocking mode. The callback fires once per readable event until the
// descriptor is deregistered.
func (p *Poller) Register(fd int, fn ReadyFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.callbacks[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}

	if err := p.addWatch(fd); err != nil {
		return fmt.Errorf("add watch for fd %d: %w", fd, err)
	}
	p.callbacks[fd] = fn

	return nil
}

// Deregister removes a descriptor from the interest set. After it returns no
// new callback dispatch for the descriptor begins. Deregistering an unknown
// descriptor is a no-op.
func (p *Poller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.callbacks[fd]; !ok {
		return nil
	}
	delete(p.callbacks, fd)

	if p.closed {
		return nil
	}
	return p.removeWatch(fd)
}

// dispatch invokes the callback registered for fd, if still registered.
func (p *Poller) dispatch(fd int) {
	p.mu.Lock()
	fn := p.callbacks[fd]
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close stops the event loop and releases the poller's descriptors.
// Descriptors registered by callers are not closed; their owners remain
// responsible for them.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Wake the loop so it observes the closed flag.
	var one = []byte{0}
	unix.Write(p.wakeW, one)

	<-p.done

	unix.Close(p.pfd)
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)

	return nil
}

// isClosed reports whether Close has been called.
func (p *Poller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// drainWake empties the wakeup pipe.
func (p *Poller) drainWake() {
	var buf [16]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
