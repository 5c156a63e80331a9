package udpflow

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotLiteral is returned when a destination host is not a valid IPv4
	// or IPv6 literal. No name resolution is attempted.
	ErrNotLiteral = errors.New("destination is not an IP literal")

	// ErrFamilyMismatch is returned when a destination literal does not
	// belong to the session's established address family.
	ErrFamilyMismatch = errors.New("address family mismatch")
)

// Family is the address family of a UDP socket session.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// Endpoint is a decoded socket address: canonical presentation-form host and
// a port in host byte order.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// DetectFamily determines the address family of a destination literal.
// IPv6 forms (including 4-in-6 mapped literals) take precedence over IPv4.
func DetectFamily(host string) (Family, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return FamilyUnspec, fmt.Errorf("%w: %q", ErrNotLiteral, host)
	}
	if addr.Is4() {
		return FamilyIPv4, nil
	}
	return FamilyIPv6, nil
}

// EncodeSockaddr parses host as a literal of the requested family and builds
// the raw socket address for host:port. It fails with ErrFamilyMismatch when
// the literal belongs to the other family.
func EncodeSockaddr(host string, port uint16, family Family) (unix.Sockaddr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotLiteral, host)
	}

	switch family {
	case FamilyIPv4:
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: %q is not IPv4", ErrFamilyMismatch, host)
		}
		sa := &unix.SockaddrInet4{Port: int(port)}
		sa.Addr = addr.As4()
		return sa, nil

	case FamilyIPv6:
		if addr.Is4() {
			return nil, fmt.Errorf("%w: %q is not IPv6", ErrFamilyMismatch, host)
		}
		sa := &unix.SockaddrInet6{Port: int(port), ZoneId: zoneToID(addr.Zone())}
		sa.Addr = addr.As16()
		return sa, nil

	default:
		return nil, fmt.Errorf("unsupported address family %s", family)
	}
}

// DecodeSockaddr converts a raw sender address into an Endpoint. It returns
// false for address families other than IPv4 and IPv6; callers must treat
// that as a fatal per-operation error.
func DecodeSockaddr(sa unix.Sockaddr) (Endpoint, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{
			Host: netip.AddrFrom4(sa.Addr).String(),
			Port: uint16(sa.Port),
		}, true
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if zone := zoneToName(sa.ZoneId); zone != "" {
			addr = addr.WithZone(zone)
		}
		return Endpoint{
			Host: addr.String(),
			Port: uint16(sa.Port),
		}, true
	default:
		return Endpoint{}, false
	}
}

// zoneToName maps a scope interface index to its name, falling back to the
// numeric form when the interface cannot be resolved. Link-local sender
// addresses are useless without their scope.
func zoneToName(id uint32) string {
	if id == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// zoneToID is the inverse of zoneToName. Unresolvable zones map to 0, the
// unscoped send.
func zoneToID(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}

// IsAddressError reports whether err is an address-parse failure rather than
// an OS-level socket failure.
func IsAddressError(err error) bool {
	return errors.Is(err, ErrNotLiteral) || errors.Is(err, ErrFamilyMismatch)
}
