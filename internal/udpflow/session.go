package udpflow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/below/SimpleTunnel/internal/logging"
	"github.com/below/SimpleTunnel/internal/poller"
)

// ReceiveBufferSize is the fixed receive buffer for one datagram. Datagrams
// larger than this are truncated by the OS receive call; the proxy accepts
// that rather than attempting reassembly.
const ReceiveBufferSize = 4096

// ErrSessionClosed is returned when operating on a closed session.
var ErrSessionClosed = errors.New("session closed")

// SessionState represents the lifecycle state of a socket session.
type SessionState int

const (
	// StateUnopened means no socket exists yet.
	StateUnopened SessionState = iota
	// StateOpen means the socket is created and watched for reads.
	StateOpen
	// StateClosing means teardown has begun.
	StateClosing
	// StateClosed is terminal; the session cannot be reopened.
	StateClosed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateUnopened:
		return "UNOPENED"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session owns the lazily-created UDP socket for one flow. The address
// family is fixed at socket creation from the first destination literal and
// never changes for the life of the session.
type Session struct {
	mu     sync.Mutex
	state  SessionState
	family Family
	fd     int

	poller  *poller.Poller
	logger  *slog.Logger
	recvBuf []byte

	onDatagram func(payload []byte, sender Endpoint)
	onError    func(err error)
}

// NewSession creates an unopened session. onDatagram receives each inbound
// datagram with its decoded sender; onError reports fatal session failures.
// Both callbacks run on the poller's event loop.
func NewSession(p *poller.Poller, logger *slog.Logger, onDatagram func([]byte, Endpoint), onError func(error)) *Session {
	return &Session{
		state:      StateUnopened,
		fd:         -1,
		poller:     p,
		logger:     logger,
		recvBuf:    make([]byte, ReceiveBufferSize),
		onDatagram: onDatagram,
		onError:    onError,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Family returns the established address family, or FamilyUnspec before the
// socket exists.
func (s *Session) Family() Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// IsOpen returns true while the socket exists and is watched for reads.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// EnsureOpen creates the socket if the session is unopened, choosing the
// address family from the destination literal. Idempotent once open.
func (s *Session) EnsureOpen(destHost string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureOpenLocked(destHost)
}

func (s *Session) ensureOpenLocked(destHost string) error {
	switch s.state {
	case StateOpen:
		return nil
	case StateClosing, StateClosed:
		return ErrSessionClosed
	}

	family, err := DetectFamily(destHost)
	if err != nil {
		return err
	}

	domain := unix.AF_INET
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("create UDP socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblocking: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := s.poller.Register(fd, s.readable); err != nil {
		unix.Close(fd)
		return fmt.Errorf("register read watch: %w", err)
	}

	s.fd = fd
	s.family = family
	s.state = StateOpen

	s.logger.Debug("udp session opened", logging.KeyFamily, family.String())

	return nil
}

// Send transmits one datagram to destHost:destPort, opening the socket first
// if needed. The destination must be a literal of the session's established
// family. Datagrams are handed to the OS whole; there is no partial send.
func (s *Session) Send(payload []byte, destHost string, destPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpenLocked(destHost); err != nil {
		return err
	}

	sa, err := EncodeSockaddr(destHost, destPort, s.family)
	if err != nil {
		return err
	}

	if err := unix.Sendto(s.fd, payload, 0, sa); err != nil {
		return fmt.Errorf("sendto %s:%d: %w", destHost, destPort, err)
	}

	return nil
}

// readable drains exactly one datagram per readiness event. A zero-length
// receive on a datagram socket signals an error condition, not EOF.
func (s *Session) readable() {
	s.mu.Lock()
	if s.state != StateOpen {
		// Lost the race with close; the watch is being torn down.
		s.mu.Unlock()
		return
	}

	n, sa, err := unix.Recvfrom(s.fd, s.recvBuf, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		s.mu.Unlock()
		return
	}

	var (
		payload []byte
		sender  Endpoint
		decoded bool
	)
	if err == nil && n > 0 {
		if sender, decoded = DecodeSockaddr(sa); decoded {
			payload = make([]byte, n)
			copy(payload, s.recvBuf[:n])
		}
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		s.onError(fmt.Errorf("receive: %w", err))
	case n == 0:
		s.onError(errors.New("zero-length receive on datagram socket"))
	case !decoded:
		s.onError(errors.New("unsupported sender address family"))
	default:
		s.onDatagram(payload, sender)
	}
}

// Close cancels the read watch and releases the socket exactly once. Safe to
// call multiple times; a closed session stays closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosing, StateClosed:
		return nil
	case StateUnopened:
		s.state = StateClosed
		return nil
	}

	s.state = StateClosing

	err := s.poller.Deregister(s.fd)
	if cerr := unix.Close(s.fd); cerr != nil && err == nil {
		err = cerr
	}
	s.fd = -1
	s.state = StateClosed

	return err
}
